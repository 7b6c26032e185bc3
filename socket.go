package mcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultDialTimeout = 60 * time.Second

// SocketConfig describes a peer listening on a stream socket.
type SocketConfig struct {
	// Network is "tcp" or "unix". Empty means "tcp".
	Network     string
	Address     string
	DialTimeout time.Duration
}

// SocketBackend talks to a peer over a persistent stream socket using the
// same newline framing as a subprocess.
type SocketBackend struct {
	cfg  SocketConfig
	opts backendOptions

	// writeMu serializes frames; mu guards the fields and is never held
	// across network I/O so Close cannot wait on a stuck write.
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    net.Conn
	bw      *bufio.Writer
	closed  bool
	ended   chan struct{}
	readErr error
}

// NewSocketBackend creates a backend for cfg. The connection is made by Start.
func NewSocketBackend(cfg SocketConfig, options ...BackendOption) *SocketBackend {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &SocketBackend{
		cfg:   cfg,
		opts:  newBackendOptions(options),
		ended: make(chan struct{}),
	}
}

func (s *SocketBackend) Name() string { return "socket" }

// Start dials the peer and begins forwarding what it sends.
func (s *SocketBackend) Start(ctx context.Context, sink ChunkSink) error {
	d := &net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, s.cfg.Network, s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s %s", s.cfg.Network, s.cfg.Address)
	}

	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.conn = conn
		s.bw = bufio.NewWriter(conn)
	}
	s.mu.Unlock()
	if closed {
		conn.Close()
		return errors.Wrap(errBackendClosed, "connected after close")
	}

	s.opts.logger.Info("socket connected",
		zap.String("local", conn.LocalAddr().String()), zap.String("remote", conn.RemoteAddr().String()))

	go func() {
		err := pumpChunks(conn, ChannelPrimary, sink, s.opts.readBufferSize)
		s.mu.Lock()
		s.readErr = err
		s.mu.Unlock()
		close(s.ended)
		sink.Closed(err)
	}()
	return nil
}

// WriteFrame writes and flushes one frame. Cancelling ctx or closing the
// backend interrupts a write the peer is not draining.
func (s *SocketBackend) WriteFrame(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn, bw := s.conn, s.bw
	s.mu.Unlock()
	if conn == nil {
		return errors.New("socket not connected")
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := bw.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush frame")
	}
	return nil
}

// Alive fails once the connection was dropped.
func (s *SocketBackend) Alive(_ context.Context) error {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return errors.New("socket not connected")
	}

	select {
	case <-s.ended:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.readErr != nil {
			return errors.Wrap(s.readErr, "connection lost")
		}
		return errors.New("connection closed by peer")
	default:
		return nil
	}
}

// Close closes the connection.
func (s *SocketBackend) Close(_ context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.closed = true
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "failed to close connection")
	}
	return nil
}
