// Package launcher turns a configured server into a connected MCP client.
package launcher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	mcp "github.com/TangGee/mcp-transport"
	"github.com/TangGee/mcp-transport/config"
	"github.com/TangGee/mcp-transport/docker"
	"github.com/TangGee/mcp-transport/metrics"
)

// EngineFactory creates the container engine of a docker server.
type EngineFactory func(cfg docker.Config, logger *zap.Logger) (mcp.ContainerEngine, error)

// Launcher builds backends, transports and clients from configuration.
type Launcher struct {
	info      mcp.Info
	logger    *zap.Logger
	metrics   metrics.Metrics
	newEngine EngineFactory
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the logger handed to everything the launcher builds.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics collector of the transports.
func WithMetrics(m metrics.Metrics) Option {
	return func(l *Launcher) {
		l.metrics = m
	}
}

// WithEngineFactory replaces the Docker engine used by docker servers.
func WithEngineFactory(f EngineFactory) Option {
	return func(l *Launcher) {
		l.newEngine = f
	}
}

// New creates a launcher whose clients announce info.
func New(info mcp.Info, options ...Option) *Launcher {
	l := &Launcher{
		info:      info,
		logger:    zap.NewNop(),
		metrics:   metrics.NewNoopMetrics(),
		newEngine: dockerEngine,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Backend creates the backend for srv without starting it.
func (l *Launcher) Backend(name string, srv config.ServerConfig) (mcp.Backend, error) {
	if err := srv.Validate(); err != nil {
		return nil, errors.Wrapf(err, "server %s", name)
	}
	logger := l.logger.With(zap.String("server", name))
	opts := []mcp.BackendOption{mcp.WithBackendLogger(logger)}

	switch srv.Transport {
	case config.TransportStdio:
		return mcp.NewProcessBackend(mcp.ProcessConfig{
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.EnvMap(),
			Dir:     srv.Dir,
		}, opts...), nil

	case config.TransportDocker:
		engine, err := l.newEngine(docker.Config{Host: srv.DockerHost, APIVersion: srv.APIVersion}, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "server %s", name)
		}
		var command []string
		if srv.Command != "" {
			command = append([]string{srv.Command}, srv.Args...)
		} else {
			command = srv.Args
		}
		backend := mcp.NewContainerBackend(engine, mcp.ContainerSpec{
			Image:   srv.Image,
			Command: command,
			Env:     srv.EnvMap(),
			Binds:   srv.Binds,
			Auth: mcp.RegistryAuth{
				Email:         srv.Registry.Email,
				Username:      srv.Registry.Username,
				Password:      srv.Registry.Password,
				ServerAddress: srv.Registry.URL,
			},
			AttachTimeout: srv.AttachTimeout,
		}, opts...)
		return &containerBackend{ContainerBackend: backend, engine: engine, logger: logger}, nil

	case config.TransportSocket:
		return mcp.NewSocketBackend(mcp.SocketConfig{
			Network:     srv.Network,
			Address:     srv.Address,
			DialTimeout: srv.Timeouts.Dial,
		}, opts...), nil

	case config.TransportWebSocket:
		return mcp.NewWebSocketBackend(mcp.WebSocketConfig{
			URL:            srv.URL,
			Headers:        srv.Headers,
			DialTimeout:    srv.Timeouts.Dial,
			MaxMessageSize: int64(srv.MaxFrameSize),
		}, opts...), nil

	case config.TransportSSE:
		return mcp.NewSSEBackend(mcp.SSEConfig{
			URL:          srv.URL,
			Headers:      srv.Headers,
			MaxEventSize: srv.MaxFrameSize,
		}, opts...), nil

	case config.TransportStreamableHTTP:
		return mcp.NewStreamableHTTPBackend(mcp.StreamableHTTPConfig{
			URL:          srv.URL,
			Headers:      srv.Headers,
			MaxEventSize: srv.MaxFrameSize,
			Subsidiary:   srv.Subsidiary,
		}, opts...), nil
	}
	return nil, errors.Errorf("server %s: unknown transport %q", name, srv.Transport)
}

// Transport creates an unstarted transport for srv.
func (l *Launcher) Transport(name string, srv config.ServerConfig) (*mcp.Transport, error) {
	backend, err := l.Backend(name, srv)
	if err != nil {
		return nil, err
	}
	logger := l.logger.With(zap.String("server", name))

	opts := []mcp.TransportOption{
		mcp.WithLogger(logger),
		mcp.WithMetrics(l.metrics),
		mcp.WithCloseTimeout(srv.Timeouts.Close),
		mcp.WithDiagnosticSink(func(line string) {
			logger.Info("server stderr", zap.String("line", line))
		}),
	}
	if srv.MaxFrameSize > 0 {
		opts = append(opts, mcp.WithMaxFrameSize(srv.MaxFrameSize))
	}
	return mcp.NewTransport(backend, opts...), nil
}

// Client creates an unconnected client for srv.
func (l *Launcher) Client(name string, srv config.ServerConfig, options ...mcp.ClientOption) (*mcp.Client, error) {
	transport, err := l.Transport(name, srv)
	if err != nil {
		return nil, err
	}

	t := srv.Timeouts
	opts := []mcp.ClientOption{
		mcp.WithClientLogger(l.logger.With(zap.String("server", name))),
		mcp.WithToolFilter(srv.AllowedTools...),
	}
	if srv.CacheToolList {
		opts = append(opts, mcp.WithToolListCache())
	}
	for _, timeout := range []struct {
		value time.Duration
		opt   func(time.Duration) mcp.ClientOption
	}{
		{t.Initialize, mcp.WithInitializeTimeout},
		{t.Tool, mcp.WithToolTimeout},
		{t.Resources, mcp.WithResourcesTimeout},
		{t.Prompts, mcp.WithPromptsTimeout},
		{t.Ping, mcp.WithPingTimeout},
		{t.HealthCheckInterval, mcp.WithHealthCheckInterval},
	} {
		if timeout.value > 0 {
			opts = append(opts, timeout.opt(timeout.value))
		}
	}
	opts = append(opts, options...)

	return mcp.NewClient(l.info, transport, opts...), nil
}

// Connect creates the client for srv and connects it. On failure the
// transport is closed.
func (l *Launcher) Connect(ctx context.Context, name string, srv config.ServerConfig, options ...mcp.ClientOption) (*mcp.Client, error) {
	client, err := l.Client(name, srv, options...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			l.logger.Warn("failed to close transport after failed connect", zap.String("server", name), zap.Error(cerr))
		}
		return nil, errors.Wrapf(err, "failed to connect to %s", name)
	}
	return client, nil
}

func dockerEngine(cfg docker.Config, logger *zap.Logger) (mcp.ContainerEngine, error) {
	engine, err := docker.NewEngine(cfg, docker.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// containerBackend closes the engine it owns after the container is gone.
type containerBackend struct {
	*mcp.ContainerBackend
	engine mcp.ContainerEngine
	logger *zap.Logger
}

func (c *containerBackend) Close(ctx context.Context) error {
	err := c.ContainerBackend.Close(ctx)
	if cerr := c.engine.Close(); cerr != nil {
		c.logger.Debug("failed to close container engine", zap.Error(cerr))
	}
	return err
}
