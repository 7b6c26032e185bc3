// Package docker implements mcp.ContainerEngine on top of the Docker Engine API.
package docker

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	mcp "github.com/TangGee/mcp-transport"
)

// API is the subset of the Docker client used by Engine.
type API interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Config selects the Docker daemon. Empty fields fall back to DOCKER_HOST,
// DOCKER_API_VERSION, DOCKER_CERT_PATH and DOCKER_TLS_VERIFY.
type Config struct {
	Host       string
	APIVersion string
}

// Engine talks to a Docker daemon.
type Engine struct {
	api    API
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine connects to the daemon described by cfg. The API version is
// negotiated unless cfg pins one.
func NewEngine(cfg Config, options ...Option) (*Engine, error) {
	opts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}
	return NewEngineWithAPI(cli, options...), nil
}

// NewEngineWithAPI wraps an existing client.
func NewEngineWithAPI(api API, options ...Option) *Engine {
	e := &Engine{
		api:    api,
		logger: zap.NewNop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// ImageExists reports whether the image is present locally.
func (e *Engine) ImageExists(ctx context.Context, ref mcp.ImageRef) (bool, error) {
	_, _, err := e.api.ImageInspectWithRaw(ctx, ref.String())
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "image inspect")
}

// PullImage pulls the image and waits for the pull to finish.
func (e *Engine) PullImage(ctx context.Context, ref mcp.ImageRef, auth mcp.RegistryAuth) error {
	opts := image.PullOptions{}
	if auth.Username != "" || auth.Password != "" {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      auth.Username,
			Password:      auth.Password,
			Email:         auth.Email,
			ServerAddress: auth.ServerAddress,
		})
		if err != nil {
			return errors.Wrap(err, "failed to encode registry credentials")
		}
		opts.RegistryAuth = encoded
	}

	progress, err := e.api.ImagePull(ctx, ref.String(), opts)
	if err != nil {
		return errors.Wrap(err, "image pull")
	}
	defer progress.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return errors.Wrap(err, "image pull progress")
	}
	e.logger.Info("image pulled", zap.String("image", ref.String()))
	return nil
}

// CreateContainer creates a container with stdin kept open and no TTY, so
// stdout and stderr stay separate.
func (e *Engine) CreateContainer(ctx context.Context, spec mcp.ContainerCreateSpec) (string, error) {
	resp, err := e.api.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Command,
			Env:          spec.Env,
			Tty:          false,
			OpenStdin:    true,
			StdinOnce:    false,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Binds: spec.Binds,
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", errors.Wrap(err, "container create")
	}
	for _, w := range resp.Warnings {
		e.logger.Warn("container create warning", zap.String("warning", w))
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return errors.Wrap(mapNotFound(err), "container start")
	}
	return nil
}

// AttachContainer attaches to stdin, stdout and stderr. The multiplexed
// output is split into separate readers.
func (e *Engine) AttachContainer(ctx context.Context, id string) (mcp.ContainerStreams, error) {
	hijacked, err := e.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return mcp.ContainerStreams{}, errors.Wrap(mapNotFound(err), "container attach")
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijacked.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return mcp.ContainerStreams{
		Stdin:  &hijackedStdin{resp: hijacked},
		Stdout: stdoutR,
		Stderr: stderrR,
		Closer: closerFunc(func() error {
			hijacked.Close()
			return nil
		}),
	}, nil
}

// InspectContainer reports whether the container is running.
func (e *Engine) InspectContainer(ctx context.Context, id string) (mcp.ContainerState, error) {
	info, err := e.api.ContainerInspect(ctx, id)
	if err != nil {
		return mcp.ContainerState{}, errors.Wrap(mapNotFound(err), "container inspect")
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return mcp.ContainerState{}, errors.New("container inspect returned no state")
	}
	return mcp.ContainerState{
		Running:  info.State.Running,
		Status:   info.State.Status,
		ExitCode: info.State.ExitCode,
	}, nil
}

// KillContainer sends SIGKILL. A container that is not running is not an error.
func (e *Engine) KillContainer(ctx context.Context, id string) error {
	err := e.api.ContainerKill(ctx, id, "SIGKILL")
	if err == nil || errdefs.IsConflict(err) {
		return nil
	}
	return errors.Wrap(mapNotFound(err), "container kill")
}

// RemoveContainer force-removes the container and its anonymous volumes.
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return errors.Wrap(mapNotFound(err), "container remove")
	}
	return nil
}

// Close closes the client.
func (e *Engine) Close() error {
	return e.api.Close()
}

func mapNotFound(err error) error {
	if errdefs.IsNotFound(err) {
		return errors.Wrap(mcp.ErrContainerNotFound, err.Error())
	}
	return err
}

type hijackedStdin struct {
	resp types.HijackedResponse
}

func (h *hijackedStdin) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

// Close half-closes the connection so the container sees EOF on stdin.
func (h *hijackedStdin) Close() error {
	return h.resp.CloseWrite()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
