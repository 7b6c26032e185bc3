package mcp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// SSEConfig describes a peer using the HTTP+SSE transport: a GET event
// stream for peer messages and a POST endpoint, announced by the first
// "endpoint" event, for ours.
type SSEConfig struct {
	URL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Headers    map[string]string
	// MaxEventSize bounds a single event. Zero keeps the go-sse default.
	MaxEventSize int
}

// SSEBackend implements the HTTP+SSE client side.
type SSEBackend struct {
	cfg  SSEConfig
	opts backendOptions

	mu         sync.Mutex
	messageURL string
	body       io.ReadCloser
	cancel     context.CancelFunc
	ended      chan struct{}
	readErr    error
	readyOnce  sync.Once
}

// NewSSEBackend creates a backend for cfg. The stream is opened by Start.
func NewSSEBackend(cfg SSEConfig, options ...BackendOption) *SSEBackend {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &SSEBackend{
		cfg:   cfg,
		opts:  newBackendOptions(options),
		ended: make(chan struct{}),
	}
}

func (s *SSEBackend) Name() string { return "sse" }

// Start opens the event stream and waits for the endpoint event.
func (s *SSEBackend) Start(ctx context.Context, sink ChunkSink) error {
	// The stream lives until Close, not until ctx ends.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "text/event-stream")
	s.setHeaders(req)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to connect to SSE server")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.body = resp.Body
	s.cancel = cancel
	s.mu.Unlock()

	ready := make(chan error, 1)
	go s.listen(resp.Body, sink, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return err
		}
	case <-ctx.Done():
		cancel()
		return errors.Wrap(ctx.Err(), "waiting for endpoint event")
	}

	s.opts.logger.Info("sse session established", zap.String("endpoint", s.endpoint()))
	return nil
}

func (s *SSEBackend) listen(body io.ReadCloser, sink ChunkSink, ready chan<- error) {
	var readErr error
	defer func() {
		body.Close()
		s.mu.Lock()
		s.readErr = readErr
		s.mu.Unlock()
		close(s.ended)
		s.signalReady(ready, errors.New("event stream ended before endpoint event"))
		sink.Closed(readErr)
	}()

	var cfg *sse.ReadConfig
	if s.cfg.MaxEventSize > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: s.cfg.MaxEventSize}
	}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				readErr = err
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				s.signalReady(ready, err)
				readErr = err
				return
			}
			s.mu.Lock()
			s.messageURL = u
			s.mu.Unlock()
			s.signalReady(ready, nil)
		case "message", "":
			if s.endpoint() == "" {
				s.opts.logger.Warn("received message before endpoint URL")
				continue
			}
			data := append([]byte(strings.TrimRight(ev.Data, "\r\n")), '\n')
			sink.Push(Chunk{Channel: ChannelPrimary, Data: data})
		default:
			s.opts.logger.Debug("unhandled event type", zap.String("type", ev.Type))
		}
	}
}

func (s *SSEBackend) resolveEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty endpoint URL")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse endpoint URL")
	}
	base, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse stream URL")
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *SSEBackend) signalReady(ready chan<- error, err error) {
	s.readyOnce.Do(func() {
		ready <- err
	})
}

func (s *SSEBackend) endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageURL
}

func (s *SSEBackend) setHeaders(req *http.Request) {
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// WriteFrame POSTs frame to the endpoint. Any 2xx status is success.
func (s *SSEBackend) WriteFrame(ctx context.Context, frame []byte) error {
	endpoint := s.endpoint()
	if endpoint == "" {
		return errors.New("sse endpoint not known yet")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bytes.TrimRight(frame, "\n")))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	s.setHeaders(req)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Alive fails once the event stream ended.
func (s *SSEBackend) Alive(_ context.Context) error {
	if s.endpoint() == "" {
		return errors.New("sse session not established")
	}
	select {
	case <-s.ended:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.readErr != nil {
			return errors.Wrap(s.readErr, "event stream failed")
		}
		return errors.New("event stream closed by peer")
	default:
		return nil
	}
}

// Close cancels the event stream.
func (s *SSEBackend) Close(_ context.Context) error {
	s.mu.Lock()
	cancel, body := s.cancel, s.body
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if err := body.Close(); err != nil {
		return errors.Wrap(err, "failed to close event stream")
	}
	return nil
}
