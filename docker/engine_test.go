package docker_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/TangGee/mcp-transport"
	"github.com/TangGee/mcp-transport/docker"
)

type fakeAPI struct {
	inspectImageErr error
	pullOpts        image.PullOptions
	pulledRef       string
	config          *container.Config
	hostConfig      *container.HostConfig
	name            string
	attach          types.HijackedResponse
	state           *types.ContainerState
	killErr         error
	removeErr       error
	removeOpts      container.RemoveOptions
	closed          bool
}

func (f *fakeAPI) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, f.inspectImageErr
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.pulledRef = ref
	f.pullOpts = opts
	return io.NopCloser(strings.NewReader(`{"status":"Pulling"}` + "\n" + `{"status":"Done"}`)), nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string,
) (container.CreateResponse, error) {
	f.config, f.hostConfig, f.name = cfg, hostCfg, name
	return container.CreateResponse{ID: "abc123", Warnings: []string{"low memory"}}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeAPI) ContainerAttach(context.Context, string, container.AttachOptions) (types.HijackedResponse, error) {
	return f.attach, nil
}

func (f *fakeAPI) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	if f.state == nil {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{State: f.state}}, nil
}

func (f *fakeAPI) ContainerKill(context.Context, string, string) error {
	return f.killErr
}

func (f *fakeAPI) ContainerRemove(_ context.Context, _ string, opts container.RemoveOptions) error {
	f.removeOpts = opts
	return f.removeErr
}

func (f *fakeAPI) Close() error {
	f.closed = true
	return nil
}

func TestEngineImageExists(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    bool
		wantErr bool
	}{
		{name: "present", want: true},
		{name: "absent", err: errdefs.NotFound(errors.New("no such image")), want: false},
		{name: "daemon error", err: errors.New("daemon down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := docker.NewEngineWithAPI(&fakeAPI{inspectImageErr: tt.err})
			got, err := engine.ImageExists(context.Background(), mcp.ImageRef{Repository: "alpine", Tag: "3"})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnginePullImage(t *testing.T) {
	api := &fakeAPI{}
	engine := docker.NewEngineWithAPI(api)
	ref := mcp.ImageRef{Repository: "ghcr.io/acme/server", Tag: "1.0"}

	require.NoError(t, engine.PullImage(context.Background(), ref, mcp.RegistryAuth{}))
	assert.Equal(t, "ghcr.io/acme/server:1.0", api.pulledRef)
	assert.Empty(t, api.pullOpts.RegistryAuth)

	auth := mcp.RegistryAuth{Username: "bot", Password: "secret", ServerAddress: "ghcr.io"}
	require.NoError(t, engine.PullImage(context.Background(), ref, auth))
	require.NotEmpty(t, api.pullOpts.RegistryAuth)

	decoded, err := registry.DecodeAuthConfig(api.pullOpts.RegistryAuth)
	require.NoError(t, err)
	assert.Equal(t, "bot", decoded.Username)
	assert.Equal(t, "secret", decoded.Password)
	assert.Equal(t, "ghcr.io", decoded.ServerAddress)
}

func TestEngineCreateContainer(t *testing.T) {
	api := &fakeAPI{}
	engine := docker.NewEngineWithAPI(api)

	id, err := engine.CreateContainer(context.Background(), mcp.ContainerCreateSpec{
		Name:    "mcp-1",
		Image:   "server:latest",
		Command: []string{"serve"},
		Env:     []string{"A=1"},
		Binds:   []string{"/data:/data"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	assert.Equal(t, "mcp-1", api.name)
	assert.Equal(t, "server:latest", api.config.Image)
	assert.Equal(t, []string{"A=1"}, api.config.Env)
	assert.True(t, api.config.OpenStdin)
	assert.True(t, api.config.AttachStdin)
	assert.False(t, api.config.Tty, "a tty would merge stdout and stderr")
	assert.False(t, api.config.StdinOnce)
	assert.Equal(t, []string{"/data:/data"}, api.hostConfig.Binds)
}

func TestEngineAttachContainer(t *testing.T) {
	var muxed bytes.Buffer
	_, err := stdcopy.NewStdWriter(&muxed, stdcopy.Stdout).Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&muxed, stdcopy.Stderr).Write([]byte("warming up\n"))
	require.NoError(t, err)

	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	api := &fakeAPI{attach: types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&muxed)}}
	engine := docker.NewEngineWithAPI(api)

	streams, err := engine.AttachContainer(context.Background(), "abc123")
	require.NoError(t, err)

	// The demultiplexer blocks on whichever stream is not read, so drain both.
	stderr := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(streams.Stderr)
		stderr <- data
	}()
	stdout, err := io.ReadAll(streams.Stdout)
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n", string(stdout))
	assert.Equal(t, "warming up\n", string(<-stderr))

	go func() {
		_, _ = streams.Stdin.Write([]byte("ping\n"))
	}()
	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))

	require.NoError(t, streams.Stdin.Close())
	require.NoError(t, streams.Closer.Close())
}

func TestEngineInspectContainer(t *testing.T) {
	api := &fakeAPI{state: &types.ContainerState{Running: false, Status: "exited", ExitCode: 137}}
	engine := docker.NewEngineWithAPI(api)

	state, err := engine.InspectContainer(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, mcp.ContainerState{Running: false, Status: "exited", ExitCode: 137}, state)

	api.state = nil
	_, err = engine.InspectContainer(context.Background(), "abc123")
	require.ErrorIs(t, err, mcp.ErrContainerNotFound)
}

func TestEngineKillAndRemove(t *testing.T) {
	api := &fakeAPI{killErr: errdefs.Conflict(errors.New("container is not running"))}
	engine := docker.NewEngineWithAPI(api)
	ctx := context.Background()

	require.NoError(t, engine.KillContainer(ctx, "abc123"), "killing a stopped container is fine")

	api.killErr = errdefs.NotFound(errors.New("no such container"))
	require.ErrorIs(t, engine.KillContainer(ctx, "abc123"), mcp.ErrContainerNotFound)

	require.NoError(t, engine.RemoveContainer(ctx, "abc123"))
	assert.True(t, api.removeOpts.Force)
	assert.True(t, api.removeOpts.RemoveVolumes)

	api.removeErr = errdefs.NotFound(errors.New("no such container"))
	require.ErrorIs(t, engine.RemoveContainer(ctx, "abc123"), mcp.ErrContainerNotFound)

	require.NoError(t, engine.Close())
	assert.True(t, api.closed)
}
