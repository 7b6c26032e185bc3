package mcp

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultStopGracePeriod = 2 * time.Second

// ProcessConfig describes the subprocess started by a ProcessBackend.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env is added to the parent's environment.
	Env map[string]string
	Dir string
	// StopGracePeriod is how long Close waits after closing stdin before
	// killing the process.
	StopGracePeriod time.Duration
}

// ProcessBackend runs the peer as a subprocess and talks to it over its
// stdin and stdout. Stderr is forwarded as diagnostic output.
type ProcessBackend struct {
	cfg  ProcessConfig
	opts backendOptions

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	waitErr error
}

// StreamBackend talks to an in-process peer over a reader and a writer, for
// instance the two ends of io.Pipe.
type StreamBackend struct {
	reader io.Reader
	writer io.Writer
	opts   backendOptions

	ended   chan struct{}
	endOnce sync.Once
}

// NewProcessBackend creates a backend for cfg. The process is spawned by Start.
func NewProcessBackend(cfg ProcessConfig, options ...BackendOption) *ProcessBackend {
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = defaultStopGracePeriod
	}
	return &ProcessBackend{
		cfg:    cfg,
		opts:   newBackendOptions(options),
		exited: make(chan struct{}),
	}
}

func (p *ProcessBackend) Name() string { return "stdio" }

// Start spawns the process and begins forwarding its output.
func (p *ProcessBackend) Start(_ context.Context, sink ChunkSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("process already started")
	}

	// The process outlives the start context, so exec.CommandContext is not used.
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), envList(p.cfg.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s", p.cfg.Command)
	}
	p.cmd = cmd
	p.stdin = stdin

	logger := p.opts.logger.With(zap.Int("pid", cmd.Process.Pid))
	logger.Info("process started", zap.String("command", p.cfg.Command), zap.Strings("args", p.cfg.Args))

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		err := pumpChunks(stdout, ChannelPrimary, sink, p.opts.readBufferSize)
		sink.Closed(err)
	}()
	go func() {
		defer pumps.Done()
		if err := pumpChunks(stderr, ChannelDiagnostic, sink, p.opts.readBufferSize); err != nil {
			logger.Debug("stderr closed", zap.Error(err))
		}
	}()

	// Wait must not run before the pipes are drained.
	go func() {
		pumps.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
		logger.Info("process exited", zap.Error(err))
	}()

	return nil
}

// WriteFrame writes to the process's stdin.
func (p *ProcessBackend) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return errors.New("process not started")
	}

	if _, err := stdin.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write to stdin")
	}
	return nil
}

// Alive fails once the process has exited, whatever its exit code.
func (p *ProcessBackend) Alive(_ context.Context) error {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return errors.New("process not started")
	}

	select {
	case <-p.exited:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.waitErr != nil {
			return errors.Wrap(p.waitErr, "process exited")
		}
		return errors.New("process exited")
	default:
		return nil
	}
}

// Close closes stdin, gives the process StopGracePeriod to exit and kills it
// otherwise.
func (p *ProcessBackend) Close(ctx context.Context) error {
	p.mu.Lock()
	cmd, stdin := p.cmd, p.stdin
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := stdin.Close(); err != nil {
		p.opts.logger.Debug("failed to close stdin", zap.Error(err))
	}

	timer := time.NewTimer(p.cfg.StopGracePeriod)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.opts.logger.Warn("process did not exit, killing it", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "failed to kill process")
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for process exit")
	}
}

// NewStreamBackend wraps an already connected reader and writer. Close closes
// whichever of them implements io.Closer.
func NewStreamBackend(reader io.Reader, writer io.Writer, options ...BackendOption) *StreamBackend {
	return &StreamBackend{
		reader: reader,
		writer: writer,
		opts:   newBackendOptions(options),
		ended:  make(chan struct{}),
	}
}

func (s *StreamBackend) Name() string { return "stream" }

// Start begins forwarding the reader.
func (s *StreamBackend) Start(_ context.Context, sink ChunkSink) error {
	go func() {
		err := pumpChunks(s.reader, ChannelPrimary, sink, s.opts.readBufferSize)
		s.endOnce.Do(func() { close(s.ended) })
		sink.Closed(err)
	}()
	return nil
}

// WriteFrame writes to the writer.
func (s *StreamBackend) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.writer.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Alive fails once the reader reached its end.
func (s *StreamBackend) Alive(_ context.Context) error {
	select {
	case <-s.ended:
		return errors.New("stream ended")
	default:
		return nil
	}
}

// Close closes the writer and the reader.
func (s *StreamBackend) Close(_ context.Context) error {
	var errs []error
	if c, ok := s.writer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := s.reader.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "failed to close stream")
	}
	return nil
}
