package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/TangGee/mcp-transport/metrics"
)

// State is the lifecycle state of a Transport.
type State int32

// Transport states. A session moves forward through them; StateClosed and
// StateFailed are terminal.
const (
	StateUninitialized State = iota
	StateStarting
	StateInitializing
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

const (
	defaultCloseTimeout   = 10 * time.Second
	defaultWriteQueueSize = 64
	defaultCancelTimeout  = 5 * time.Second

	userCancelledReason = "User requested cancellation"
	timeoutReason       = "Timeout"
)

// ChunkSink receives backend output. Push hands over ownership of the chunk's
// data; Closed signals the end of the primary channel and may be called more
// than once.
type ChunkSink interface {
	Push(Chunk)
	Closed(err error)
}

// RequestFailer is implemented by the ChunkSink a Transport hands to its
// Backend. A backend that delivers a request after WriteFrame returned
// reports a failed delivery here so the request does not wait for a reply
// that cannot come.
type RequestFailer interface {
	FailRequest(id RequestID, err error)
}

// Backend owns the underlying channel to the peer: a process, a container, a
// socket. A Transport drives exactly one Backend and is its only user.
type Backend interface {
	// Name identifies the backend kind in logs and metrics.
	Name() string
	// Start acquires the backend handle and begins pushing output to sink.
	Start(ctx context.Context, sink ChunkSink) error
	// WriteFrame writes one newline-terminated frame. It is never called concurrently.
	WriteFrame(ctx context.Context, frame []byte) error
	// Alive returns a non-nil error when the peer is gone.
	Alive(ctx context.Context) error
	// Close releases the backend handle. It must tolerate being called after a failed Start.
	Close(ctx context.Context) error
}

// RequestHandler answers requests initiated by the peer. Returning a
// *JSONRPCError sends it verbatim; any other error becomes an internal error.
type RequestHandler func(ctx context.Context, msg JSONRPCMessage) (any, error)

// NotificationHandler receives notifications from the peer on the reader
// task. It must not block on the Transport.
type NotificationHandler func(ctx context.Context, msg JSONRPCMessage)

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// Transport runs one MCP session over a Backend. One reader task drains the
// backend output into the Reassembler and dispatches messages; one writer
// task drains the queue of outgoing frames. Requests are correlated by id so
// any number may be in flight.
type Transport struct {
	backend    Backend
	correlator *Correlator
	reader     *Reassembler
	logger     *zap.Logger
	metrics    metrics.Metrics
	sessionID  string

	requestHandler      RequestHandler
	notificationHandler NotificationHandler
	diagSink            DiagnosticSink

	maxFrameSize   int
	closeTimeout   time.Duration
	writeQueueSize int

	stateMu sync.Mutex
	state   State
	failure error

	events chan chunkEvent
	writes chan writeRequest

	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

type chunkEvent struct {
	chunk Chunk
	eof   bool
	err   error
}

type writeRequest struct {
	frame   []byte
	errs    chan error
	onError func(error)
}

type transportSink struct {
	t    *Transport
	once sync.Once
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) TransportOption {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithRequestHandler replaces the handler for peer-initiated requests.
func WithRequestHandler(handler RequestHandler) TransportOption {
	return func(t *Transport) {
		t.requestHandler = handler
	}
}

// WithNotificationHandler sets the handler for peer notifications.
func WithNotificationHandler(handler NotificationHandler) TransportOption {
	return func(t *Transport) {
		t.notificationHandler = handler
	}
}

// WithMaxFrameSize caps the size of a single inbound frame.
func WithMaxFrameSize(size int) TransportOption {
	return func(t *Transport) {
		t.maxFrameSize = size
	}
}

// WithCloseTimeout bounds how long Close waits for the backend to shut down.
func WithCloseTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		if timeout > 0 {
			t.closeTimeout = timeout
		}
	}
}

// WithWriteQueueSize sets how many frames may wait for the writer task.
func WithWriteQueueSize(size int) TransportOption {
	return func(t *Transport) {
		if size > 0 {
			t.writeQueueSize = size
		}
	}
}

// WithDiagnosticSink routes the peer's diagnostic output, stderr for a process.
func WithDiagnosticSink(sink DiagnosticSink) TransportOption {
	return func(t *Transport) {
		t.diagSink = sink
	}
}

// WithCorrelator injects the Correlator, which must not be shared with another Transport.
func WithCorrelator(c *Correlator) TransportOption {
	return func(t *Transport) {
		t.correlator = c
	}
}

// NewTransport creates a Transport over backend. Nothing happens until Start.
func NewTransport(backend Backend, options ...TransportOption) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		backend:        backend,
		logger:         zap.NewNop(),
		metrics:        metrics.NewNoopMetrics(),
		sessionID:      uuid.New().String(),
		closeTimeout:   defaultCloseTimeout,
		writeQueueSize: defaultWriteQueueSize,
		ctx:            ctx,
		cancel:         cancel,
		readerDone:     make(chan struct{}),
		writerDone:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}

	t.logger = t.logger.With(zap.String("backend", backend.Name()), zap.String("session", t.sessionID))
	if t.correlator == nil {
		t.correlator = NewCorrelator(WithCorrelatorLogger(t.logger))
	}
	t.correlator.observe(t.observeCompletion)
	if t.requestHandler == nil {
		t.requestHandler = defaultRequestHandler
	}
	if t.diagSink == nil {
		logger := t.logger
		t.diagSink = func(line string) {
			logger.Info("peer diagnostic output", zap.String("line", line))
		}
	}

	t.reader = NewReassembler(t.dispatch,
		WithReassemblerLogger(t.logger),
		WithFrameLimit(t.maxFrameSize),
		WithDiagnostics(t.diagSink),
		WithDiscardHook(func(string) {
			t.metrics.IncDiscardedFrames(backend.Name())
		}),
	)
	t.events = make(chan chunkEvent, t.writeQueueSize)
	t.writes = make(chan writeRequest, t.writeQueueSize)

	return t
}

// handle wraps the peer request and notification handlers. It must be called
// before Start.
func (t *Transport) handle(wrapRequests func(RequestHandler) RequestHandler, notifications NotificationHandler) {
	t.requestHandler = wrapRequests(t.requestHandler)
	if prev := t.notificationHandler; prev != nil {
		t.notificationHandler = func(ctx context.Context, msg JSONRPCMessage) {
			notifications(ctx, msg)
			prev(ctx, msg)
		}
		return
	}
	t.notificationHandler = notifications
}

// SessionID returns the unique id of this session.
func (t *Transport) SessionID() string {
	return t.sessionID
}

// State returns the current state.
func (t *Transport) State() State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// Err returns the error that moved the transport to StateFailed, if any.
func (t *Transport) Err() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.failure
}

// Start acquires the backend handle. A failure is fatal: the transport moves
// to StateFailed and is not retried.
func (t *Transport) Start(ctx context.Context) error {
	if !t.transition(StateUninitialized, StateStarting) {
		return newTransportError("start", ErrTransportNotReady, errors.Errorf("transport is %s", t.State()))
	}

	go t.readLoop()
	go t.writeLoop()

	startCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(t.ctx, stop)()

	err := t.backend.Start(startCtx, &transportSink{t: t})

	switch state := t.State(); state {
	case StateClosing, StateClosed:
		// Close ran while the backend was starting and may have found
		// nothing to release.
		if err == nil {
			t.releaseBackend()
		}
		return newTransportError("start", ErrTransportClosed, errors.Errorf("transport is %s", state))
	}
	if err != nil {
		terr := newTransportError("start", ErrStartFailed, err)
		t.fail(terr)
		return terr
	}

	t.logger.Debug("backend started")
	return nil
}

func (t *Transport) releaseBackend() {
	ctx, cancel := context.WithTimeout(context.Background(), t.closeTimeout)
	defer cancel()
	if err := t.backend.Close(ctx); err != nil {
		t.logger.Warn("failed to release backend started during close", zap.Error(err))
	}
}

// Initialize performs the handshake: it sends the initialize request, waits
// for its result, then sends notifications/initialized and moves to
// StateReady. Any failure moves the transport to StateFailed and the
// initialized notification is not sent.
func (t *Transport) Initialize(ctx context.Context, params any) (json.RawMessage, error) {
	if !t.transition(StateStarting, StateInitializing) {
		return nil, newTransportError(MethodInitialize, ErrTransportNotReady, errors.Errorf("transport is %s", t.State()))
	}

	op, err := t.request(ctx, MethodInitialize, params)
	if err != nil {
		t.fail(newTransportError(MethodInitialize, ErrTransportClosed, err))
		return nil, err
	}

	var result json.RawMessage
	select {
	case <-op.Done():
		result, err = op.Result()
	case <-ctx.Done():
		t.correlator.Cancel(op.ID(), timeoutReason)
		err = newTransportError(MethodInitialize, ErrTimeout, ctx.Err())
	}
	if err != nil {
		t.fail(err)
		return nil, errors.Wrap(err, "initialize")
	}

	if err := t.notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		t.fail(err)
		return nil, errors.Wrap(err, "failed to send initialized notification")
	}

	if !t.transition(StateInitializing, StateReady) {
		return nil, newTransportError(MethodInitialize, ErrTransportClosed, t.Err())
	}

	t.logger.Info("session ready")
	return result, nil
}

// Request sends a request and returns its handle without waiting for the
// reply. It fails with ErrTransportNotReady unless the session is ready; that
// failure does not affect the session.
func (t *Transport) Request(ctx context.Context, method string, params any) (*PendingOperation, error) {
	if state := t.State(); state != StateReady {
		return nil, newTransportError(method, ErrTransportNotReady, errors.Errorf("transport is %s", state))
	}
	return t.request(ctx, method, params)
}

// Call sends a request and waits for its reply. When ctx ends first the
// operation is cancelled and the peer is told so.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	op, err := t.Request(ctx, method, params)
	if err != nil {
		return nil, err
	}

	select {
	case <-op.Done():
		return op.Result()
	case <-ctx.Done():
	}

	reason, sentinel := userCancelledReason, ErrCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason, sentinel = timeoutReason, ErrTimeout
	}
	if !t.Cancel(op.ID(), reason) {
		// The reply won the race.
		return op.Result()
	}
	return nil, newTransportError(method, sentinel, ctx.Err())
}

// Notify sends a notification and returns once it was written. It never
// touches the Correlator.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if state := t.State(); state != StateReady {
		return newTransportError(method, ErrTransportNotReady, errors.Errorf("transport is %s", state))
	}
	return t.notify(ctx, method, params)
}

// Reply answers a request initiated by the peer.
func (t *Transport) Reply(ctx context.Context, id RequestID, result any) error {
	msg, err := NewResult(id, result)
	if err != nil {
		return err
	}
	return t.send(ctx, msg)
}

// ReplyError answers a request initiated by the peer with an error.
func (t *Transport) ReplyError(ctx context.Context, id RequestID, rpcErr JSONRPCError) error {
	return t.send(ctx, NewError(id, rpcErr))
}

// Cancel completes the operation locally with ErrCancelled and, best effort,
// tells the peer with notifications/cancelled. It does not wait for the peer.
func (t *Transport) Cancel(id int64, reason string) bool {
	if !t.correlator.Cancel(id, reason) {
		return false
	}
	if t.State() != StateReady {
		return true
	}

	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, defaultCancelTimeout)
		defer cancel()
		params := CancelledParams{RequestID: NumericID(id), Reason: reason}
		if err := t.notify(ctx, MethodNotificationsCancelled, params); err != nil {
			t.logger.Debug("failed to send cancellation", zap.Int64("id", id), zap.Error(err))
		}
	}()
	return true
}

// CheckHealth asks the backend whether the peer is alive. On failure every
// pending operation fails with a transport error and the transport moves to
// StateFailed.
func (t *Transport) CheckHealth(ctx context.Context) error {
	switch state := t.State(); state {
	case StateUninitialized:
		return newTransportError("health", ErrTransportNotReady, nil)
	case StateClosing, StateClosed:
		return newTransportError("health", ErrTransportClosed, nil)
	case StateFailed:
		return t.Err()
	}

	if err := t.backend.Alive(ctx); err != nil {
		t.metrics.IncHealthFailures(t.backend.Name())
		terr := newTransportError("health", ErrBackendNotAlive, err)
		t.logger.Warn("health check failed", zap.Error(err))
		t.fail(terr)
		return terr
	}
	return nil
}

// Close tears down the backend, fails every pending operation with
// ErrTransportClosed and moves to StateClosed. It is safe to call from any
// state and more than once; its duration is bounded by the close timeout.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.close()
	})
	return t.closeErr
}

func (t *Transport) close() error {
	t.stateMu.Lock()
	prev := t.state
	t.state = StateClosing
	t.stateMu.Unlock()
	t.metrics.ObserveStateChange(t.backend.Name(), StateClosing.String())

	ctx, cancel := context.WithTimeout(context.Background(), t.closeTimeout)
	defer cancel()

	n := t.correlator.Shutdown(newTransportError("close", ErrTransportClosed, nil))
	if n > 0 {
		t.logger.Info("failed pending operations on close", zap.Int("count", n))
	}
	t.cancel()

	var err error
	if prev != StateUninitialized {
		errs := make(chan error, 1)
		go func() {
			errs <- t.backend.Close(ctx)
		}()
		select {
		case err = <-errs:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "backend close")
		}
		if err != nil {
			t.logger.Warn("failed to close backend", zap.Error(err))
		}

		for _, done := range []chan struct{}{t.readerDone, t.writerDone} {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
	}

	t.setState(StateClosed)
	t.logger.Info("transport closed")
	return err
}

func (t *Transport) request(ctx context.Context, method string, params any) (*PendingOperation, error) {
	op, err := t.correlator.Register(method)
	if err != nil {
		return nil, newTransportError(method, err, nil)
	}

	msg, err := NewRequest(NumericID(op.ID()), method, params)
	if err == nil {
		var frame []byte
		frame, err = EncodeMessage(msg)
		if err == nil {
			err = t.enqueue(ctx, writeRequest{
				frame: frame,
				onError: func(werr error) {
					t.correlator.Fail(op.ID(), newTransportError(method, ErrWriteFailed, werr))
				},
			})
		}
	}
	if err != nil {
		t.correlator.Fail(op.ID(), err)
		return nil, err
	}

	t.metrics.ObserveRequest(t.backend.Name(), method)
	t.metrics.SetInFlight(t.backend.Name(), t.correlator.Len())
	return op, nil
}

func (t *Transport) notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.send(ctx, msg)
}

func (t *Transport) send(ctx context.Context, msg JSONRPCMessage) error {
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	w := writeRequest{frame: frame, errs: make(chan error, 1)}
	if err := t.enqueue(ctx, w); err != nil {
		return err
	}

	select {
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return newTransportError(msg.Method, ErrTransportClosed, nil)
	}
}

func (t *Transport) enqueue(ctx context.Context, w writeRequest) error {
	select {
	case <-t.ctx.Done():
		return newTransportError("write", ErrTransportClosed, nil)
	default:
	}

	select {
	case t.writes <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return newTransportError("write", ErrTransportClosed, nil)
	}
}

func (t *Transport) writeLoop() {
	defer close(t.writerDone)

	for {
		var w writeRequest
		select {
		case <-t.ctx.Done():
			return
		case w = <-t.writes:
		}

		err := t.backend.WriteFrame(t.ctx, w.frame)
		if err != nil {
			t.logger.Error("failed to write frame", zap.Error(err))
			if w.onError != nil {
				w.onError(err)
			}
		}
		if w.errs != nil {
			w.errs <- err
		}
	}
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)

	for {
		var ev chunkEvent
		select {
		case <-t.ctx.Done():
			return
		case ev = <-t.events:
		}

		if !ev.eof {
			t.reader.Feed(ev.chunk)
			continue
		}

		t.reader.Flush()
		switch t.State() {
		case StateClosing, StateClosed, StateFailed:
			return
		}
		t.logger.Warn("peer closed its output", zap.Error(ev.err))
		t.fail(newTransportError("read", ErrChannelClosed, ev.err))
		return
	}
}

func (t *Transport) dispatch(msg JSONRPCMessage) {
	switch msg.Kind() {
	case KindResult, KindError:
		t.dispatchResponse(msg)
	case KindRequest:
		go t.handleRequest(msg)
	case KindNotification:
		if t.notificationHandler != nil {
			t.notificationHandler(t.ctx, msg)
		}
	}
}

func (t *Transport) dispatchResponse(msg JSONRPCMessage) {
	if msg.ID == nil {
		t.logger.Warn("error response without id", zap.Error(msg.Error))
		return
	}
	id, ok := msg.ID.Int64()
	if !ok {
		t.logger.Warn("response with foreign id ignored", zap.Stringer("id", msg.ID))
		return
	}

	var matched bool
	if msg.Error != nil {
		matched = t.correlator.Fail(id, msg.Error)
	} else {
		matched = t.correlator.Resolve(id, msg.Result)
	}
	if !matched {
		t.logger.Warn("unmatched response discarded", zap.Int64("id", id))
	}
}

func (t *Transport) handleRequest(msg JSONRPCMessage) {
	result, err := t.requestHandler(t.ctx, msg)
	if err != nil {
		var rpcErr *JSONRPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &JSONRPCError{Code: CodeInternalError, Message: err.Error()}
		}
		err = t.ReplyError(t.ctx, *msg.ID, *rpcErr)
	} else {
		err = t.Reply(t.ctx, *msg.ID, result)
	}
	if err != nil {
		t.logger.Warn("failed to reply to peer request",
			zap.String("method", msg.Method), zap.Stringer("id", msg.ID), zap.Error(err))
	}
}

func (t *Transport) observeCompletion(op *PendingOperation) {
	_, err := op.Result()
	outcome := metrics.OutcomeResult
	switch {
	case err == nil:
	case IsProtocolError(err):
		outcome = metrics.OutcomeError
	case errors.Is(err, ErrCancelled):
		outcome = metrics.OutcomeCancelled
	default:
		outcome = metrics.OutcomeFailed
	}
	name := t.backend.Name()
	t.metrics.ObserveResponse(name, op.Method(), outcome, time.Since(op.CreatedAt()).Seconds())
	t.metrics.SetInFlight(name, t.correlator.Len())
}

// fail moves the transport to StateFailed and fails every pending operation.
// It is a no-op once the transport is closing, closed or already failed.
func (t *Transport) fail(cause error) {
	t.stateMu.Lock()
	switch t.state {
	case StateClosing, StateClosed, StateFailed:
		t.stateMu.Unlock()
		return
	}
	t.state = StateFailed
	t.failure = cause
	t.stateMu.Unlock()

	t.metrics.ObserveStateChange(t.backend.Name(), StateFailed.String())
	t.logger.Error("transport failed", zap.Error(cause))
	t.correlator.Shutdown(cause)
	t.cancel()
}

func (t *Transport) transition(from, to State) bool {
	t.stateMu.Lock()
	if t.state != from {
		t.stateMu.Unlock()
		return false
	}
	t.state = to
	t.stateMu.Unlock()

	t.metrics.ObserveStateChange(t.backend.Name(), to.String())
	t.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	return true
}

func (t *Transport) setState(s State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
	t.metrics.ObserveStateChange(t.backend.Name(), s.String())
}

func (s *transportSink) Push(c Chunk) {
	select {
	case s.t.events <- chunkEvent{chunk: c}:
	case <-s.t.ctx.Done():
	}
}

func (s *transportSink) Closed(err error) {
	s.once.Do(func() {
		select {
		case s.t.events <- chunkEvent{eof: true, err: err}:
		case <-s.t.ctx.Done():
		}
	})
}

func (s *transportSink) FailRequest(id RequestID, err error) {
	n, ok := id.Int64()
	if !ok {
		return
	}
	s.t.correlator.Fail(n, newTransportError("write", ErrWriteFailed, err))
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func defaultRequestHandler(_ context.Context, msg JSONRPCMessage) (any, error) {
	if msg.Method == MethodPing {
		return struct{}{}, nil
	}
	return nil, &JSONRPCError{Code: CodeMethodNotFound, Message: "Method not found: " + msg.Method}
}
