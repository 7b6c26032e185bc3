// Package mcptest provides a scripted MCP server peer for tests. A Peer can be
// attached to a client through an in-memory pipe, a network connection, a
// WebSocket, the HTTP+SSE transport or Streamable HTTP.
package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	mcp "github.com/TangGee/mcp-transport"
)

const maxLineSize = 16 << 20

// Handler answers one request. Returning a *mcp.JSONRPCError sends it as is;
// any other error becomes an internal error.
type Handler func(ctx context.Context, req mcp.JSONRPCMessage) (any, error)

// Option configures a Peer.
type Option func(*Peer)

// Peer is a fake MCP server. It records every message it receives, answers
// initialize and ping by default and can hold requests so a test decides when
// and in which order they are answered.
type Peer struct {
	info         mcp.Info
	capabilities mcp.ServerCapabilities
	logger       *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	hold     map[string]bool
	received []mcp.JSONRPCMessage
	arrived  chan struct{}
	write    func([]byte) error
	closer   io.Closer

	held chan mcp.JSONRPCMessage
	ctx  context.Context
	stop context.CancelFunc
}

// WithServerInfo sets the info returned by initialize.
func WithServerInfo(info mcp.Info) Option {
	return func(p *Peer) {
		p.info = info
	}
}

// WithCapabilities sets the capabilities returned by initialize.
func WithCapabilities(caps mcp.ServerCapabilities) Option {
	return func(p *Peer) {
		p.capabilities = caps
	}
}

// WithHandler answers method with h.
func WithHandler(method string, h Handler) Option {
	return func(p *Peer) {
		p.handlers[method] = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Peer) {
		p.logger = logger
	}
}

// NewPeer creates a peer announcing every capability.
func NewPeer(options ...Option) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		info: mcp.Info{Name: "test-server", Version: "1.0.0"},
		capabilities: mcp.ServerCapabilities{
			Prompts:   &mcp.PromptsCapability{ListChanged: true},
			Resources: &mcp.ResourcesCapability{ListChanged: true},
			Tools:     &mcp.ToolsCapability{ListChanged: true},
			Logging:   &mcp.LoggingCapability{},
		},
		logger:   zap.NewNop(),
		handlers: make(map[string]Handler),
		hold:     make(map[string]bool),
		arrived:  make(chan struct{}),
		held:     make(chan mcp.JSONRPCMessage, 64),
		ctx:      ctx,
		stop:     cancel,
	}
	p.handlers[mcp.MethodInitialize] = p.initialize
	p.handlers[mcp.MethodPing] = func(context.Context, mcp.JSONRPCMessage) (any, error) {
		return struct{}{}, nil
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Handle answers method with h, replacing any previous handler.
func (p *Peer) Handle(method string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

// Hold stops answering method. Its requests are delivered on Held instead and
// the test answers them with Reply or ReplyError.
func (p *Peer) Hold(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold[method] = true
}

// Held delivers the requests of held methods.
func (p *Peer) Held() <-chan mcp.JSONRPCMessage {
	return p.held
}

// Pipe attaches the peer to an in-memory pipe and returns the client side.
func (p *Peer) Pipe(options ...mcp.BackendOption) *mcp.StreamBackend {
	toPeerR, toPeerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	p.attach(func(frame []byte) error {
		_, err := toClientW.Write(frame)
		return err
	}, closers{toClientW, toPeerR})
	go p.serveStream(toPeerR)

	return mcp.NewStreamBackend(toClientR, toPeerW, options...)
}

// ServeConn serves one connection, such as an accepted socket, until it ends.
func (p *Peer) ServeConn(conn io.ReadWriteCloser) {
	var mu sync.Mutex
	p.attach(func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := conn.Write(frame)
		return err
	}, conn)
	p.serveStream(conn)
}

// Reply answers a held request.
func (p *Peer) Reply(id mcp.RequestID, result any) error {
	msg, err := mcp.NewResult(id, result)
	if err != nil {
		return err
	}
	return p.Send(msg)
}

// ReplyError answers a held request with an error.
func (p *Peer) ReplyError(id mcp.RequestID, code int, message string) error {
	return p.Send(mcp.NewError(id, mcp.JSONRPCError{Code: code, Message: message}))
}

// Notify sends a notification to the client.
func (p *Peer) Notify(method string, params any) error {
	msg, err := mcp.NewNotification(method, params)
	if err != nil {
		return err
	}
	return p.Send(msg)
}

// Request sends a request to the client. The reply shows up in Received.
func (p *Peer) Request(id mcp.RequestID, method string, params any) error {
	msg, err := mcp.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	return p.Send(msg)
}

// Send writes msg as one frame.
func (p *Peer) Send(msg mcp.JSONRPCMessage) error {
	frame, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return p.WriteRaw(frame)
}

// WriteRaw writes data to the client unchanged, which allows split or
// malformed frames.
func (p *Peer) WriteRaw(data []byte) error {
	p.mu.Lock()
	write := p.write
	p.mu.Unlock()
	if write == nil {
		return errors.New("peer not attached")
	}
	return write(data)
}

// Received returns a copy of every message received so far.
func (p *Peer) Received() []mcp.JSONRPCMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mcp.JSONRPCMessage(nil), p.received...)
}

// Messages returns the received messages with the given method.
func (p *Peer) Messages(method string) []mcp.JSONRPCMessage {
	var msgs []mcp.JSONRPCMessage
	for _, msg := range p.Received() {
		if msg.Method == method {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// WaitFor blocks until a message matching match was received or the timeout
// expires.
func (p *Peer) WaitFor(timeout time.Duration, match func(mcp.JSONRPCMessage) bool) (mcp.JSONRPCMessage, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		for _, msg := range p.received {
			if match(msg) {
				p.mu.Unlock()
				return msg, true
			}
		}
		arrived := p.arrived
		p.mu.Unlock()

		select {
		case <-arrived:
		case <-timer.C:
			return mcp.JSONRPCMessage{}, false
		}
	}
}

// WaitForMethod waits for a message with the given method.
func (p *Peer) WaitForMethod(timeout time.Duration, method string) (mcp.JSONRPCMessage, bool) {
	return p.WaitFor(timeout, func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == method
	})
}

// Close ends the connection: the client sees end of stream.
func (p *Peer) Close() error {
	p.stop()
	p.mu.Lock()
	closer := p.closer
	p.closer = nil
	p.mu.Unlock()
	if closer == nil {
		return nil
	}
	return closer.Close()
}

func (p *Peer) attach(write func([]byte) error, closer io.Closer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.write = write
	p.closer = closer
}

func (p *Peer) serveStream(r io.Reader) {
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 && len(line) <= maxLineSize {
			p.handleFrame(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Debug("peer read ended", zap.Error(err))
			}
			return
		}
	}
}

func (p *Peer) handleFrame(frame []byte) {
	msg, err := mcp.DecodeMessage(bytes.TrimSpace(frame))
	if err != nil {
		p.logger.Warn("peer received invalid frame", zap.ByteString("frame", frame), zap.Error(err))
		return
	}

	p.mu.Lock()
	p.received = append(p.received, msg)
	close(p.arrived)
	p.arrived = make(chan struct{})
	handler, hasHandler := p.handlers[msg.Method]
	held := p.hold[msg.Method]
	p.mu.Unlock()

	if msg.Kind() != mcp.KindRequest {
		return
	}
	if held {
		p.held <- msg
		return
	}
	if !hasHandler {
		if err := p.ReplyError(*msg.ID, mcp.CodeMethodNotFound, "Method not found: "+msg.Method); err != nil {
			p.logger.Debug("failed to reply", zap.Error(err))
		}
		return
	}

	go func() {
		result, err := handler(p.ctx, msg)
		if err != nil {
			var rpcErr *mcp.JSONRPCError
			if !errors.As(err, &rpcErr) {
				rpcErr = &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: err.Error()}
			}
			err = p.Send(mcp.NewError(*msg.ID, *rpcErr))
		} else {
			err = p.Reply(*msg.ID, result)
		}
		if err != nil {
			p.logger.Debug("failed to reply", zap.String("method", msg.Method), zap.Error(err))
		}
	}()
}

func (p *Peer) initialize(_ context.Context, req mcp.JSONRPCMessage) (any, error) {
	var params mcp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}
	return mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    p.capabilities,
		ServerInfo:      p.info,
	}, nil
}

type closers []io.Closer

func (c closers) Close() error {
	var first error
	for _, cl := range c {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
