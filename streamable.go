package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

const (
	headerSessionID   = "Mcp-Session-Id"
	headerLastEventID = "Last-Event-ID"

	streamableAccept       = "application/json,text/event-stream"
	defaultSubsidiaryRetry = 5 * time.Second
)

// StreamableHTTPConfig describes a peer using the Streamable HTTP transport:
// every message is POSTed to one endpoint and the reply to a request comes
// back as a JSON body or as an event stream.
type StreamableHTTPConfig struct {
	URL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Headers    map[string]string
	// MaxEventSize bounds a single event. Zero keeps the go-sse default.
	MaxEventSize int
	// Subsidiary opens a GET event stream once the session is initialized so
	// the peer can send without being asked first.
	Subsidiary bool
	// SubsidiaryRetry is the delay before a dropped subsidiary stream is
	// reopened. Defaults to 5s.
	SubsidiaryRetry time.Duration
}

// StreamableHTTPBackend implements the Streamable HTTP client side. The
// session id assigned by the peer is echoed on every later message; a 404
// means the peer forgot the session, so the initialize exchange is replayed
// and the message sent again once.
type StreamableHTTPBackend struct {
	cfg  StreamableHTTPConfig
	opts backendOptions

	mu          sync.Mutex
	sink        ChunkSink
	ctx         context.Context
	cancel      context.CancelFunc
	sessionID   string
	initFrame   []byte
	lastEventID string
	subsidiary  bool
	closed      bool

	// reinitMu is held while the session is re-established; generation
	// counts the times it was.
	reinitMu   sync.Mutex
	generation uint64

	wg sync.WaitGroup
}

// NewStreamableHTTPBackend creates a backend for cfg. Nothing is sent until
// the first frame.
func NewStreamableHTTPBackend(cfg StreamableHTTPConfig, options ...BackendOption) *StreamableHTTPBackend {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.SubsidiaryRetry <= 0 {
		cfg.SubsidiaryRetry = defaultSubsidiaryRetry
	}
	return &StreamableHTTPBackend{
		cfg:  cfg,
		opts: newBackendOptions(options),
	}
}

func (s *StreamableHTTPBackend) Name() string { return "http" }

// SessionID returns the session id assigned by the peer, empty before the
// initialize reply.
func (s *StreamableHTTPBackend) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Start records the sink. There is no connection to open.
func (s *StreamableHTTPBackend) Start(_ context.Context, sink ChunkSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errBackendClosed
	}
	s.sink = sink
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.opts.logger.Info("streamable http backend ready", zap.String("url", s.cfg.URL))
	return nil
}

// WriteFrame POSTs frame. A request returns as soon as it is handed to a
// goroutine that waits for its reply; a failure there fails the request
// through the sink. Notifications and replies are sent synchronously.
func (s *StreamableHTTPBackend) WriteFrame(ctx context.Context, frame []byte) error {
	body := bytes.Clone(bytes.TrimRight(frame, "\n"))
	msg, err := DecodeMessage(body)
	if err != nil {
		return errors.Wrap(err, "invalid frame")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errBackendClosed
	}
	if s.ctx == nil {
		s.mu.Unlock()
		return errors.New("streamable http backend not started")
	}
	lifetime := s.ctx
	if msg.Method == MethodInitialize {
		s.initFrame = body
	}
	if msg.Kind() == KindRequest {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if msg.Kind() == KindRequest {
		go func() {
			defer s.wg.Done()
			if err := s.exchange(lifetime, msg, body, false); err != nil && lifetime.Err() == nil {
				s.failRequest(*msg.ID, err)
			}
		}()
		return nil
	}

	if err := s.exchange(ctx, msg, body, false); err != nil {
		return err
	}
	if msg.Method == MethodNotificationsInitialized {
		s.startSubsidiary()
	}
	return nil
}

func (s *StreamableHTTPBackend) exchange(ctx context.Context, msg JSONRPCMessage, body []byte, retry bool) error {
	initialize := msg.Method == MethodInitialize

	// Wait out a re-initialization in progress.
	s.reinitMu.Lock()
	generation := s.generation
	s.reinitMu.Unlock()

	resp, err := s.post(ctx, body, !initialize)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && !initialize && !retry {
		drain(resp.Body)
		s.opts.logger.Info("session not found, initializing again", zap.String("method", msg.Method))
		if err := s.reinitialize(ctx, generation); err != nil {
			return errors.Wrap(err, "failed to re-initialize session")
		}
		return s.exchange(ctx, msg, body, true)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if msg.Kind() != KindRequest {
		drain(resp.Body)
		return nil
	}
	return s.consume(resp, *msg.ID)
}

func (s *StreamableHTTPBackend) post(ctx context.Context, body []byte, withSession bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", streamableAccept)
	if id := s.SessionID(); withSession && id != "" {
		req.Header.Set(headerSessionID, id)
	}
	s.setHeaders(req)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send message")
	}
	if id := resp.Header.Get(headerSessionID); id != "" && resp.StatusCode/100 == 2 {
		s.mu.Lock()
		if s.sessionID != id {
			s.opts.logger.Debug("session assigned", zap.String("session", id))
		}
		s.sessionID = id
		s.mu.Unlock()
	}
	return resp, nil
}

// consume forwards the reply to the request with the given id. The peer may
// answer with a JSON body, or with an event stream that carries the reply and
// any messages sent before it.
func (s *StreamableHTTPBackend) consume(resp *http.Response, id RequestID) error {
	sink := s.currentSink()

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "failed to read response")
		}
		if len(bytes.TrimSpace(data)) == 0 {
			// Accepted; the reply comes on the subsidiary stream.
			return nil
		}
		frame, err := frameJSON(data)
		if err != nil {
			return err
		}
		sink.Push(Chunk{Channel: ChannelPrimary, Data: frame})
		return nil
	}

	var answered bool
	err := s.pushEvents(resp.Body, sink, func(data []byte) {
		if answered {
			return
		}
		reply, err := DecodeMessage(data)
		if err == nil && reply.ID != nil && reply.ID.String() == id.String() &&
			(reply.Kind() == KindResult || reply.Kind() == KindError) {
			answered = true
		}
	})
	switch {
	case answered:
		return nil
	case err != nil:
		return errors.Wrap(err, "response stream failed")
	default:
		return errors.New("response stream ended without a reply")
	}
}

// pushEvents forwards the message events of an event stream to sink and
// returns nil when the stream ends cleanly.
func (s *StreamableHTTPBackend) pushEvents(body io.Reader, sink ChunkSink, onMessage func(data []byte)) error {
	var cfg *sse.ReadConfig
	if s.cfg.MaxEventSize > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: s.cfg.MaxEventSize}
	}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			return err
		}
		if ev.LastEventID != "" {
			s.mu.Lock()
			s.lastEventID = ev.LastEventID
			s.mu.Unlock()
		}

		switch ev.Type {
		case "message", "":
			if strings.TrimSpace(ev.Data) == "" {
				continue
			}
			frame, err := frameJSON([]byte(ev.Data))
			if err != nil {
				s.opts.logger.Warn("dropping event", zap.Error(err))
				continue
			}
			if onMessage != nil {
				onMessage(frame[:len(frame)-1])
			}
			sink.Push(Chunk{Channel: ChannelPrimary, Data: frame})
		default:
			s.opts.logger.Debug("unhandled event type", zap.String("type", ev.Type))
		}
	}
	return nil
}

// reinitialize replays the initialize exchange without a session. Requests
// that saw the same 404 wait on reinitMu and reuse the new session.
func (s *StreamableHTTPBackend) reinitialize(ctx context.Context, generation uint64) error {
	s.reinitMu.Lock()
	defer s.reinitMu.Unlock()
	if s.generation != generation {
		return nil
	}

	s.mu.Lock()
	initFrame := s.initFrame
	s.sessionID = ""
	s.mu.Unlock()
	if initFrame == nil {
		return errors.New("no initialize request to replay")
	}

	resp, err := s.post(ctx, initFrame, false)
	if err != nil {
		return err
	}
	drain(resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("initialize: unexpected status code: %d", resp.StatusCode)
	}

	initialized, err := NewNotification(MethodNotificationsInitialized, nil)
	if err != nil {
		return err
	}
	frame, err := EncodeMessage(initialized)
	if err != nil {
		return err
	}
	resp, err = s.post(ctx, bytes.TrimRight(frame, "\n"), true)
	if err != nil {
		return err
	}
	drain(resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("initialized notification: unexpected status code: %d", resp.StatusCode)
	}

	s.generation++
	s.opts.logger.Info("session re-initialized", zap.String("session", s.SessionID()))
	return nil
}

func (s *StreamableHTTPBackend) startSubsidiary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Subsidiary || s.subsidiary || s.closed {
		return
	}
	s.subsidiary = true
	s.wg.Add(1)
	go s.subsidiaryLoop(s.ctx)
}

// subsidiaryLoop keeps the GET event stream open. If the first attempt
// fails the peer does not offer one and it is not tried again.
func (s *StreamableHTTPBackend) subsidiaryLoop(ctx context.Context) {
	defer s.wg.Done()

	established := false
	for {
		err := s.listen(ctx, func() { established = true })
		if ctx.Err() != nil {
			return
		}
		if !established {
			s.opts.logger.Warn("failed to open subsidiary event stream, will not retry", zap.Error(err))
			return
		}
		s.opts.logger.Debug("subsidiary event stream ended, reconnecting",
			zap.Error(err), zap.Duration("delay", s.cfg.SubsidiaryRetry))

		timer := time.NewTimer(s.cfg.SubsidiaryRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *StreamableHTTPBackend) listen(ctx context.Context, opened func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "text/event-stream")
	s.mu.Lock()
	sessionID, lastEventID := s.sessionID, s.lastEventID
	s.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	if lastEventID != "" {
		req.Header.Set(headerLastEventID, lastEventID)
	}
	s.setHeaders(req)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to open event stream")
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !strings.Contains(contentType, "text/event-stream") {
		drain(resp.Body)
		return errors.Errorf("unexpected response: status %d, content type %q", resp.StatusCode, contentType)
	}

	opened()
	s.opts.logger.Debug("subsidiary event stream open", zap.String("last_event_id", lastEventID))
	return s.pushEvents(resp.Body, s.currentSink(), nil)
}

func (s *StreamableHTTPBackend) failRequest(id RequestID, err error) {
	if f, ok := s.currentSink().(RequestFailer); ok {
		f.FailRequest(id, err)
		return
	}
	s.opts.logger.Warn("request failed", zap.Stringer("id", id), zap.Error(err))
}

func (s *StreamableHTTPBackend) currentSink() ChunkSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *StreamableHTTPBackend) setHeaders(req *http.Request) {
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// Alive fails before Start and after Close. HTTP has no connection to lose.
func (s *StreamableHTTPBackend) Alive(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return errBackendClosed
	case s.ctx == nil:
		return errors.New("streamable http backend not started")
	}
	return nil
}

// Close aborts every exchange in flight and the subsidiary stream, and waits
// for them within ctx.
func (s *StreamableHTTPBackend) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight exchanges")
	}
}

// frameJSON compacts data onto one line and appends the frame newline.
func frameJSON(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, bytes.TrimSpace(data)); err != nil {
		return nil, errors.Wrap(err, "invalid JSON message")
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
