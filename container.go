package mcp

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultImageTag      = "latest"
	defaultAttachTimeout = 30 * time.Second
	containerOpTimeout   = 10 * time.Second
)

// ErrContainerNotFound is returned by a ContainerEngine for a missing container.
var ErrContainerNotFound = errors.New("container not found")

// ContainerEngine is the set of operations the container backend needs from a
// container runtime. The docker package provides the implementation for the
// Docker Engine API.
type ContainerEngine interface {
	ImageExists(ctx context.Context, ref ImageRef) (bool, error)
	PullImage(ctx context.Context, ref ImageRef, auth RegistryAuth) error
	CreateContainer(ctx context.Context, spec ContainerCreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	AttachContainer(ctx context.Context, id string) (ContainerStreams, error)
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	Close() error
}

// ImageRef is a parsed image reference.
type ImageRef struct {
	// Repository includes the registry host, e.g. "ghcr.io/acme/server".
	Repository string
	Tag        string
	Digest     string
}

// RegistryAuth holds the credentials used to pull from a private registry.
type RegistryAuth struct {
	Email         string
	Username      string
	Password      string
	ServerAddress string
}

// ContainerCreateSpec is what a ContainerEngine needs to create a container.
type ContainerCreateSpec struct {
	Name    string
	Image   string
	Command []string
	// Env holds KEY=VALUE pairs.
	Env   []string
	Binds []string
}

// ContainerStreams are the attached stdio streams of a container.
type ContainerStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	// Closer releases the attachment.
	Closer io.Closer
}

// ContainerState is the inspected state of a container.
type ContainerState struct {
	Running  bool
	Status   string
	ExitCode int
}

// ContainerSpec describes the container a ContainerBackend runs. It is copied
// by NewContainerBackend and never changes afterwards.
type ContainerSpec struct {
	Image   string
	Command []string
	Env     map[string]string
	// Binds are host:container[:options] mounts.
	Binds []string
	Auth  RegistryAuth
	// AttachTimeout bounds attaching to the started container. Exceeding it
	// fails Start. Defaults to 30s.
	AttachTimeout time.Duration
	// Name defaults to "mcp-" followed by a random uuid.
	Name string
}

// ContainerBackend runs the peer in a container: it pulls the image if
// needed, creates and starts the container, attaches to its stdio and on
// Close kills and removes it.
type ContainerBackend struct {
	engine ContainerEngine
	spec   ContainerSpec
	opts   backendOptions

	mu      sync.Mutex
	id      string
	streams ContainerStreams
	closed  bool
}

// ParseImageRef splits an image reference into repository, tag and digest.
// A reference with neither tag nor digest gets the "latest" tag.
func ParseImageRef(s string) (ImageRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ImageRef{}, errors.New("empty image reference")
	}

	var ref ImageRef
	if i := strings.Index(s, "@"); i >= 0 {
		ref.Digest = s[i+1:]
		s = s[:i]
		if ref.Digest == "" {
			return ImageRef{}, errors.Errorf("empty digest in image reference %q", s)
		}
	}

	// A colon after the last slash separates the tag; one before it belongs
	// to a registry host:port.
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		ref.Tag = s[i+1:]
		s = s[:i]
		if ref.Tag == "" {
			return ImageRef{}, errors.Errorf("empty tag in image reference %q", s)
		}
	}
	if s == "" {
		return ImageRef{}, errors.New("image reference has no repository")
	}
	ref.Repository = s

	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = defaultImageTag
	}
	return ref, nil
}

func (r ImageRef) String() string {
	s := r.Repository
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// NewContainerBackend creates a backend running spec on engine.
func NewContainerBackend(engine ContainerEngine, spec ContainerSpec, options ...BackendOption) *ContainerBackend {
	spec.Command = append([]string(nil), spec.Command...)
	spec.Binds = append([]string(nil), spec.Binds...)
	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}
	spec.Env = env
	if spec.AttachTimeout <= 0 {
		spec.AttachTimeout = defaultAttachTimeout
	}
	if spec.Name == "" {
		spec.Name = "mcp-" + uuid.New().String()
	}

	return &ContainerBackend{
		engine: engine,
		spec:   spec,
		opts:   newBackendOptions(options),
	}
}

func (c *ContainerBackend) Name() string { return "docker" }

// ContainerID returns the id of the created container, empty before Start.
func (c *ContainerBackend) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Start resolves and pulls the image if absent, then creates, starts and
// attaches to the container. If attaching does not finish within the attach
// timeout the container is removed and Start fails.
func (c *ContainerBackend) Start(ctx context.Context, sink ChunkSink) error {
	ref, err := ParseImageRef(c.spec.Image)
	if err != nil {
		return err
	}
	logger := c.opts.logger.With(zap.String("image", ref.String()), zap.String("name", c.spec.Name))

	exists, err := c.engine.ImageExists(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "failed to inspect image %s", ref)
	}
	if !exists {
		logger.Info("pulling image")
		if err := c.engine.PullImage(ctx, ref, c.spec.Auth); err != nil {
			return errors.Wrapf(err, "failed to pull image %s", ref)
		}
	}

	id, err := c.engine.CreateContainer(ctx, ContainerCreateSpec{
		Name:    c.spec.Name,
		Image:   ref.String(),
		Command: c.spec.Command,
		Env:     envList(c.spec.Env),
		Binds:   c.spec.Binds,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create container")
	}
	logger = logger.With(zap.String("container", shortID(id)))
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.id = id
	}
	c.mu.Unlock()
	if closed {
		c.discard(id, logger)
		return errors.Wrap(errBackendClosed, "container created after close")
	}
	logger.Info("container created")

	if err := c.engine.StartContainer(ctx, id); err != nil {
		c.discard(id, logger)
		return errors.Wrap(err, "failed to start container")
	}

	streams, err := c.attach(ctx, id)
	if err != nil {
		c.discard(id, logger)
		return err
	}
	c.mu.Lock()
	closed = c.closed
	if !closed {
		c.streams = streams
	}
	c.mu.Unlock()
	if closed {
		closeStreams(streams, logger)
		c.discard(id, logger)
		return errors.Wrap(errBackendClosed, "container attached after close")
	}
	logger.Info("container attached")

	go func() {
		err := pumpChunks(streams.Stdout, ChannelPrimary, sink, c.opts.readBufferSize)
		sink.Closed(err)
	}()
	if streams.Stderr != nil {
		go func() {
			if err := pumpChunks(streams.Stderr, ChannelDiagnostic, sink, c.opts.readBufferSize); err != nil {
				logger.Debug("container stderr closed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (c *ContainerBackend) attach(ctx context.Context, id string) (ContainerStreams, error) {
	type attachResult struct {
		streams ContainerStreams
		err     error
	}

	attachCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attachResult, 1)
	go func() {
		streams, err := c.engine.AttachContainer(attachCtx, id)
		results <- attachResult{streams: streams, err: err}
	}()

	timer := time.NewTimer(c.spec.AttachTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return ContainerStreams{}, errors.Wrap(res.err, "failed to attach to container")
		}
		return res.streams, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// A late attachment must still be released.
	go func() {
		if res := <-results; res.err == nil && res.streams.Closer != nil {
			res.streams.Closer.Close()
		}
	}()
	if ctx.Err() != nil {
		return ContainerStreams{}, errors.Wrap(ctx.Err(), "attach to container")
	}
	return ContainerStreams{}, errors.Errorf("attach to container timed out after %s", c.spec.AttachTimeout)
}

// WriteFrame writes to the container's stdin.
func (c *ContainerBackend) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	stdin := c.streams.Stdin
	c.mu.Unlock()
	if stdin == nil {
		return errors.New("container not attached")
	}

	if _, err := stdin.Write(frame); err != nil {
		return errors.Wrap(err, "failed to write to container stdin")
	}
	return nil
}

// Alive inspects the container. A container that is not running is not
// alive, whatever its exit code.
func (c *ContainerBackend) Alive(ctx context.Context) error {
	id := c.ContainerID()
	if id == "" {
		return errors.New("container not created")
	}

	state, err := c.engine.InspectContainer(ctx, id)
	if err != nil {
		return errors.Wrap(err, "failed to inspect container")
	}
	if !state.Running {
		return errors.Errorf("container is not alive (status %s, exit code %d)", state.Status, state.ExitCode)
	}
	return nil
}

// Close releases the attachment, then kills and removes the container. A
// container that is already gone is logged, not reported.
//
// A Start still in progress when Close runs removes its own container.
func (c *ContainerBackend) Close(ctx context.Context) error {
	c.mu.Lock()
	id, streams := c.id, c.streams
	c.id, c.streams = "", ContainerStreams{}
	c.closed = true
	c.mu.Unlock()

	closeStreams(streams, c.opts.logger)
	if id == "" {
		return nil
	}

	logger := c.opts.logger.With(zap.String("container", shortID(id)))
	var firstErr error
	if err := c.engine.KillContainer(ctx, id); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			logger.Info("container already gone before kill")
		} else {
			logger.Warn("failed to kill container", zap.Error(err))
			firstErr = errors.Wrap(err, "failed to kill container")
		}
	}
	if err := c.engine.RemoveContainer(ctx, id); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			logger.Info("container already removed")
		} else {
			logger.Warn("failed to remove container", zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Wrap(err, "failed to remove container")
			}
		}
	} else {
		logger.Info("container removed")
	}
	return firstErr
}

func closeStreams(streams ContainerStreams, logger *zap.Logger) {
	if streams.Stdin != nil {
		if err := streams.Stdin.Close(); err != nil {
			logger.Debug("failed to close container stdin", zap.Error(err))
		}
	}
	if streams.Closer != nil {
		if err := streams.Closer.Close(); err != nil {
			logger.Debug("failed to close attachment", zap.Error(err))
		}
	}
}

// discard removes a container whose start failed.
func (c *ContainerBackend) discard(id string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), containerOpTimeout)
	defer cancel()
	if err := c.engine.RemoveContainer(ctx, id); err != nil && !errors.Is(err, ErrContainerNotFound) {
		logger.Warn("failed to remove container after failed start", zap.Error(err))
	}
	c.mu.Lock()
	if c.id == id {
		c.id = ""
	}
	c.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
