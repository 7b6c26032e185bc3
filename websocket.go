package mcp

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const wsCloseGracePeriod = time.Second

// WebSocketConfig describes a peer reachable over a WebSocket.
type WebSocketConfig struct {
	URL         string
	Headers     map[string]string
	DialTimeout time.Duration
	// MaxMessageSize bounds a single inbound message. Zero means unlimited.
	MaxMessageSize int64
}

// WebSocketBackend exchanges one JSON-RPC message per text message. Inbound
// messages are re-framed with a newline so they go through the same
// Reassembler as stream backends.
type WebSocketBackend struct {
	cfg  WebSocketConfig
	opts backendOptions

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	ended   chan struct{}
	readErr error
}

// NewWebSocketBackend creates a backend for cfg. The connection is made by Start.
func NewWebSocketBackend(cfg WebSocketConfig, options ...BackendOption) *WebSocketBackend {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &WebSocketBackend{
		cfg:   cfg,
		opts:  newBackendOptions(options),
		ended: make(chan struct{}),
	}
}

func (w *WebSocketBackend) Name() string { return "websocket" }

// Start performs the handshake and begins reading messages.
func (w *WebSocketBackend) Start(ctx context.Context, sink ChunkSink) error {
	header := http.Header{}
	for k, v := range w.cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.cfg.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "websocket handshake failed with status %d", resp.StatusCode)
		}
		return errors.Wrap(err, "failed to dial websocket")
	}
	if w.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(w.cfg.MaxMessageSize)
	}

	w.mu.Lock()
	closed := w.closed
	if !closed {
		w.conn = conn
	}
	w.mu.Unlock()
	if closed {
		conn.Close()
		return errors.Wrap(errBackendClosed, "connected after close")
	}
	w.opts.logger.Info("websocket connected", zap.String("url", w.cfg.URL))

	go w.readPump(conn, sink)
	return nil
}

func (w *WebSocketBackend) readPump(conn *websocket.Conn, sink ChunkSink) {
	var err error
	for {
		var (
			msgType int
			data    []byte
		)
		msgType, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		data = append(bytes.TrimRight(data, "\r\n"), '\n')
		sink.Push(Chunk{Channel: ChannelPrimary, Data: data})
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}
	w.mu.Lock()
	w.readErr = err
	w.mu.Unlock()
	close(w.ended)
	sink.Closed(err)
}

// WriteFrame sends frame, without its newline, as one text message.
// Cancelling ctx or closing the backend interrupts a stuck write.
func (w *WebSocketBackend) WriteFrame(ctx context.Context, frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.NetConn().SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(frame, "\n")); err != nil {
		return errors.Wrap(err, "failed to write websocket message")
	}
	return nil
}

// Alive fails once the read side of the connection ended.
func (w *WebSocketBackend) Alive(_ context.Context) error {
	w.mu.Lock()
	connected := w.conn != nil
	w.mu.Unlock()
	if !connected {
		return errors.New("websocket not connected")
	}

	select {
	case <-w.ended:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.readErr != nil {
			return errors.Wrap(w.readErr, "websocket closed")
		}
		return errors.New("websocket closed by peer")
	default:
		return nil
	}
}

// Close sends a close message and closes the connection.
func (w *WebSocketBackend) Close(_ context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.closed = true
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGracePeriod)); err != nil {
		w.opts.logger.Debug("failed to send close message", zap.Error(err))
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "failed to close websocket")
	}
	return nil
}
