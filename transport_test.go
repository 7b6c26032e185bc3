package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/TangGee/mcp-transport"
	"github.com/TangGee/mcp-transport/mcptest"
	"github.com/TangGee/mcp-transport/metrics"
)

const testTimeout = 5 * time.Second

// faultyBackend wraps a stream backend with injectable liveness and write failures.
type faultyBackend struct {
	*mcp.StreamBackend

	mu       sync.Mutex
	aliveErr error
	failOn   string
	startErr error
}

func (b *faultyBackend) Start(ctx context.Context, sink mcp.ChunkSink) error {
	if b.startErr != nil {
		return b.startErr
	}
	return b.StreamBackend.Start(ctx, sink)
}

func (b *faultyBackend) WriteFrame(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	failOn := b.failOn
	b.mu.Unlock()
	if failOn != "" && bytes.Contains(frame, []byte(failOn)) {
		return errors.New("write refused")
	}
	return b.StreamBackend.WriteFrame(ctx, frame)
}

func (b *faultyBackend) Alive(ctx context.Context) error {
	b.mu.Lock()
	err := b.aliveErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.StreamBackend.Alive(ctx)
}

func (b *faultyBackend) setAliveErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aliveErr = err
}

func newPeer(t *testing.T, options ...mcptest.Option) *mcptest.Peer {
	t.Helper()
	peer := mcptest.NewPeer(options...)
	t.Cleanup(func() { peer.Close() })
	return peer
}

func newTransport(t *testing.T, backend mcp.Backend, options ...mcp.TransportOption) *mcp.Transport {
	t.Helper()
	tr := mcp.NewTransport(backend, options...)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func initialize(t *testing.T, tr *mcp.Transport) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, tr.Start(ctx))
	res, err := tr.Initialize(ctx, mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.Info{Name: "test-client", Version: "1.0"},
	})
	require.NoError(t, err)
	return res
}

func nextHeld(t *testing.T, peer *mcptest.Peer) mcp.JSONRPCMessage {
	t.Helper()
	select {
	case msg := <-peer.Held():
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a held request")
		return mcp.JSONRPCMessage{}
	}
}

func waitResult(t *testing.T, op *mcp.PendingOperation) (json.RawMessage, error) {
	t.Helper()
	select {
	case <-op.Done():
		return op.Result()
	case <-time.After(testTimeout):
		t.Fatalf("operation %d did not complete", op.ID())
		return nil, nil
	}
}

func TestTransportInitialize(t *testing.T) {
	peer := newPeer(t, mcptest.WithServerInfo(mcp.Info{Name: "srv", Version: "2.0"}))
	tr := newTransport(t, peer.Pipe())

	assert.Equal(t, mcp.StateUninitialized, tr.State())
	res := initialize(t, tr)
	assert.Equal(t, mcp.StateReady, tr.State())

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res, &result))
	assert.Equal(t, "srv", result.ServerInfo.Name)
	assert.Equal(t, mcp.ProtocolVersion, result.ProtocolVersion)

	initialized, ok := peer.WaitForMethod(testTimeout, mcp.MethodNotificationsInitialized)
	require.True(t, ok)
	assert.Nil(t, initialized.ID, "initialized is a notification")

	received := peer.Received()
	require.Len(t, received, 2)
	assert.Equal(t, mcp.MethodInitialize, received[0].Method)
	assert.Equal(t, "1", received[0].ID.String())

	var params mcp.InitializeParams
	require.NoError(t, json.Unmarshal(received[0].Params, &params))
	assert.Equal(t, "test-client", params.ClientInfo.Name)
}

func TestTransportInitializeError(t *testing.T) {
	peer := newPeer(t, mcptest.WithHandler(mcp.MethodInitialize,
		func(context.Context, mcp.JSONRPCMessage) (any, error) {
			return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "unsupported protocol version"}
		}))
	tr := newTransport(t, peer.Pipe())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	_, err := tr.Initialize(ctx, mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion})
	require.Error(t, err)
	assert.True(t, mcp.IsProtocolError(err))
	assert.Equal(t, mcp.StateFailed, tr.State())

	assert.Never(t, func() bool {
		return len(peer.Messages(mcp.MethodNotificationsInitialized)) > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "initialized must not follow a failed handshake")
}

func TestTransportInitializeTimeout(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodInitialize)
	tr := newTransport(t, peer.Pipe())

	require.NoError(t, tr.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Initialize(ctx, mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion})
	require.ErrorIs(t, err, mcp.ErrTimeout)
	assert.Equal(t, mcp.StateFailed, tr.State())
}

func TestTransportNotReady(t *testing.T) {
	peer := newPeer(t)
	tr := newTransport(t, peer.Pipe())
	ctx := context.Background()

	_, err := tr.Request(ctx, mcp.MethodToolsList, nil)
	require.ErrorIs(t, err, mcp.ErrTransportNotReady)
	assert.True(t, mcp.IsTransportError(err))

	require.NoError(t, tr.Start(ctx))
	_, err = tr.Call(ctx, mcp.MethodToolsList, nil)
	require.ErrorIs(t, err, mcp.ErrTransportNotReady)
	require.ErrorIs(t, tr.Notify(ctx, mcp.MethodNotificationsRootsListChanged, nil), mcp.ErrTransportNotReady)

	assert.Equal(t, mcp.StateStarting, tr.State(), "a rejected request does not affect the session")

	initCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	_, err = tr.Initialize(initCtx, mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion})
	require.NoError(t, err)
	assert.Equal(t, mcp.StateReady, tr.State())
}

func TestTransportStartTwice(t *testing.T) {
	peer := newPeer(t)
	tr := newTransport(t, peer.Pipe())

	require.NoError(t, tr.Start(context.Background()))
	require.ErrorIs(t, tr.Start(context.Background()), mcp.ErrTransportNotReady)
}

func TestTransportStartFailure(t *testing.T) {
	peer := newPeer(t)
	backend := &faultyBackend{StreamBackend: peer.Pipe(), startErr: errors.New("no such image")}
	tr := newTransport(t, backend)

	err := tr.Start(context.Background())
	require.ErrorIs(t, err, mcp.ErrStartFailed)
	assert.Contains(t, err.Error(), "no such image")
	assert.Equal(t, mcp.StateFailed, tr.State())

	require.NoError(t, tr.Close())
	assert.Equal(t, mcp.StateClosed, tr.State())
}

func TestTransportOutOfOrderReplies(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsCall)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)
	ctx := context.Background()

	first, err := tr.Request(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: "first"})
	require.NoError(t, err)
	second, err := tr.Request(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: "second"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	req1 := nextHeld(t, peer)
	req2 := nextHeld(t, peer)

	// Answer the second request first.
	require.NoError(t, peer.Reply(*req2.ID, map[string]string{"answer": "second"}))
	res, err := waitResult(t, second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"second"}`, string(res))

	select {
	case <-first.Done():
		t.Fatal("the first request completed with the reply to the second")
	default:
	}

	require.NoError(t, peer.Reply(*req1.ID, map[string]string{"answer": "first"}))
	res, err = waitResult(t, first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"first"}`, string(res))
}

func TestTransportConcurrentCalls(t *testing.T) {
	peer := newPeer(t, mcptest.WithHandler(mcp.MethodToolsCall,
		func(_ context.Context, req mcp.JSONRPCMessage) (any, error) {
			var params mcp.CallToolParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, err
			}
			return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: params.Name}}}, nil
		}))
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			name := fmt.Sprintf("tool-%d", i)
			res, err := tr.Call(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: name})
			if err != nil {
				errs <- err
				return
			}
			var result mcp.CallToolResult
			if err := json.Unmarshal(res, &result); err != nil {
				errs <- err
				return
			}
			if len(result.Content) != 1 || result.Content[0].Text != name {
				errs <- errors.Errorf("call %s got %+v", name, result.Content)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestTransportNotifyCreatesNoPendingOperation(t *testing.T) {
	peer := newPeer(t)
	correlator := mcp.NewCorrelator()
	tr := newTransport(t, peer.Pipe(), mcp.WithCorrelator(correlator))
	initialize(t, tr)

	require.NoError(t, tr.Notify(context.Background(), mcp.MethodNotificationsRootsListChanged, nil))
	assert.Equal(t, 0, correlator.Len())

	msg, ok := peer.WaitForMethod(testTimeout, mcp.MethodNotificationsRootsListChanged)
	require.True(t, ok)
	assert.Nil(t, msg.ID)
}

func TestTransportErrorReply(t *testing.T) {
	peer := newPeer(t)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := tr.Call(ctx, "tools/unknown", nil)
	require.Error(t, err)

	var rpcErr *mcp.JSONRPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, mcp.CodeMethodNotFound, rpcErr.Code)
	assert.True(t, mcp.IsProtocolError(err))
	assert.False(t, mcp.IsTransportError(err))
	assert.Equal(t, mcp.StateReady, tr.State(), "an error reply does not affect the session")
}

func TestTransportCallTimeout(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsCall)
	correlator := mcp.NewCorrelator()
	tr := newTransport(t, peer.Pipe(), mcp.WithCorrelator(correlator))
	initialize(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Call(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: "slow"})
	require.ErrorIs(t, err, mcp.ErrTimeout)
	assert.Equal(t, 0, correlator.Len())

	req := nextHeld(t, peer)
	msg, ok := peer.WaitForMethod(testTimeout, mcp.MethodNotificationsCancelled)
	require.True(t, ok)

	var params mcp.CancelledParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, req.ID.String(), params.RequestID.String())
	assert.Equal(t, "Timeout", params.Reason)

	// A late reply is discarded and the session goes on.
	require.NoError(t, peer.Reply(*req.ID, struct{}{}))
	pingCtx, pingCancel := context.WithTimeout(context.Background(), testTimeout)
	defer pingCancel()
	_, err = tr.Call(pingCtx, mcp.MethodPing, nil)
	require.NoError(t, err)
}

func TestTransportCallCancelled(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsCall)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := tr.Call(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: "slow"})
		errs <- err
	}()
	nextHeld(t, peer)
	cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, mcp.ErrCancelled)
	case <-time.After(testTimeout):
		t.Fatal("call did not return after cancellation")
	}

	msg, ok := peer.WaitForMethod(testTimeout, mcp.MethodNotificationsCancelled)
	require.True(t, ok)
	var params mcp.CancelledParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, "User requested cancellation", params.Reason)
}

func TestTransportCancel(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsCall)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	op, err := tr.Request(context.Background(), mcp.MethodToolsCall, nil)
	require.NoError(t, err)

	assert.True(t, tr.Cancel(op.ID(), "changed my mind"))
	assert.False(t, tr.Cancel(op.ID(), "again"))

	_, err = waitResult(t, op)
	require.ErrorIs(t, err, mcp.ErrCancelled)
}

func TestTransportClose(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsCall)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	ops := make([]*mcp.PendingOperation, 3)
	for i := range ops {
		op, err := tr.Request(context.Background(), mcp.MethodToolsCall, nil)
		require.NoError(t, err)
		ops[i] = op
	}

	require.NoError(t, tr.Close())
	assert.Equal(t, mcp.StateClosed, tr.State())

	for _, op := range ops {
		_, err := waitResult(t, op)
		require.ErrorIs(t, err, mcp.ErrTransportClosed)
		assert.True(t, mcp.IsTransportError(err))
	}

	require.NoError(t, tr.Close(), "a second close is a no-op")
	_, err := tr.Request(context.Background(), mcp.MethodPing, nil)
	require.ErrorIs(t, err, mcp.ErrTransportNotReady)
	require.ErrorIs(t, tr.CheckHealth(context.Background()), mcp.ErrTransportClosed)
}

func TestTransportCloseBeforeStart(t *testing.T) {
	peer := newPeer(t)
	tr := newTransport(t, peer.Pipe())

	require.NoError(t, tr.Close())
	assert.Equal(t, mcp.StateClosed, tr.State())
	require.ErrorIs(t, tr.Start(context.Background()), mcp.ErrTransportNotReady)
}

func TestTransportPeerEndOfStream(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsCall)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	op, err := tr.Request(context.Background(), mcp.MethodToolsCall, nil)
	require.NoError(t, err)
	nextHeld(t, peer)

	require.NoError(t, peer.Close())

	_, err = waitResult(t, op)
	require.ErrorIs(t, err, mcp.ErrChannelClosed)
	assert.Eventually(t, func() bool { return tr.State() == mcp.StateFailed }, testTimeout, 10*time.Millisecond)
	require.ErrorIs(t, tr.Err(), mcp.ErrChannelClosed)

	require.NoError(t, tr.Close())
	assert.Equal(t, mcp.StateClosed, tr.State())
}

func TestTransportHealthCheck(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsCall)
	backend := &faultyBackend{StreamBackend: peer.Pipe()}
	tr := newTransport(t, backend)

	require.ErrorIs(t, tr.CheckHealth(context.Background()), mcp.ErrTransportNotReady)
	initialize(t, tr)
	require.NoError(t, tr.CheckHealth(context.Background()))

	op, err := tr.Request(context.Background(), mcp.MethodToolsCall, nil)
	require.NoError(t, err)

	backend.setAliveErr(errors.New("container is not alive"))
	err = tr.CheckHealth(context.Background())
	require.ErrorIs(t, err, mcp.ErrBackendNotAlive)
	assert.True(t, mcp.IsTransportError(err))
	assert.Equal(t, mcp.StateFailed, tr.State())

	_, err = waitResult(t, op)
	require.ErrorIs(t, err, mcp.ErrBackendNotAlive)

	_, err = tr.Request(context.Background(), mcp.MethodPing, nil)
	require.ErrorIs(t, err, mcp.ErrTransportNotReady)
}

func TestTransportWriteFailureIsIsolated(t *testing.T) {
	peer := newPeer(t)
	backend := &faultyBackend{StreamBackend: peer.Pipe()}
	tr := newTransport(t, backend)
	initialize(t, tr)

	backend.mu.Lock()
	backend.failOn = "unwritable"
	backend.mu.Unlock()

	op, err := tr.Request(context.Background(), mcp.MethodToolsCall, mcp.CallToolParams{Name: "unwritable"})
	require.NoError(t, err)
	_, err = waitResult(t, op)
	require.ErrorIs(t, err, mcp.ErrWriteFailed)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = tr.Call(ctx, mcp.MethodPing, nil)
	require.NoError(t, err)
	assert.Equal(t, mcp.StateReady, tr.State())
}

func TestTransportSplitAndMalformedFrames(t *testing.T) {
	peer := newPeer(t)
	peer.Hold(mcp.MethodToolsList)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	op, err := tr.Request(context.Background(), mcp.MethodToolsList, nil)
	require.NoError(t, err)
	req := nextHeld(t, peer)

	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo"}]}}`+"\n", req.ID.String())
	require.NoError(t, peer.WriteRaw([]byte("garbage line\n")))
	require.NoError(t, peer.WriteRaw([]byte(frame[:10])))
	require.NoError(t, peer.WriteRaw([]byte(frame[10:30])))
	require.NoError(t, peer.WriteRaw([]byte(frame[30:])))

	res, err := waitResult(t, op)
	require.NoError(t, err)

	var result mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(res, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
	assert.Equal(t, mcp.StateReady, tr.State())
}

func TestTransportUnmatchedResponseIsDiscarded(t *testing.T) {
	peer := newPeer(t)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	require.NoError(t, peer.Reply(mcp.NumericID(999), struct{}{}))
	require.NoError(t, peer.Reply(mcp.StringID("not-ours"), struct{}{}))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := tr.Call(ctx, mcp.MethodPing, nil)
	require.NoError(t, err)
}

func TestTransportAnswersPeerRequests(t *testing.T) {
	peer := newPeer(t)
	tr := newTransport(t, peer.Pipe())
	initialize(t, tr)

	require.NoError(t, peer.Request(mcp.StringID("srv-1"), mcp.MethodPing, nil))
	require.NoError(t, peer.Request(mcp.StringID("srv-2"), "sampling/createMessage", nil))

	reply, ok := peer.WaitFor(testTimeout, func(msg mcp.JSONRPCMessage) bool {
		return msg.Kind() == mcp.KindResult && msg.ID.String() == "srv-1"
	})
	require.True(t, ok)
	assert.True(t, reply.ID.IsString(), "the peer's id is echoed unchanged")

	reply, ok = peer.WaitFor(testTimeout, func(msg mcp.JSONRPCMessage) bool {
		return msg.Kind() == mcp.KindError && msg.ID.String() == "srv-2"
	})
	require.True(t, ok)
	assert.Equal(t, mcp.CodeMethodNotFound, reply.Error.Code)
}

func TestTransportNotificationHandler(t *testing.T) {
	peer := newPeer(t)
	got := make(chan mcp.JSONRPCMessage, 1)
	tr := newTransport(t, peer.Pipe(), mcp.WithNotificationHandler(func(_ context.Context, msg mcp.JSONRPCMessage) {
		got <- msg
	}))
	initialize(t, tr)

	require.NoError(t, peer.Notify(mcp.MethodNotificationsToolsListChanged, nil))

	select {
	case msg := <-got:
		assert.Equal(t, mcp.MethodNotificationsToolsListChanged, msg.Method)
	case <-time.After(testTimeout):
		t.Fatal("notification not delivered")
	}
}

func TestTransportDiagnosticSink(t *testing.T) {
	lines := make(chan string, 4)
	tr := mcp.NewTransport(&diagBackend{lines: []string{"warming up\n", "ready\n"}},
		mcp.WithDiagnosticSink(func(line string) { lines <- line }))
	t.Cleanup(func() { tr.Close() })

	require.NoError(t, tr.Start(context.Background()))
	for _, want := range []string{"warming up", "ready"} {
		select {
		case line := <-lines:
			assert.Equal(t, want, line)
		case <-time.After(testTimeout):
			t.Fatal("diagnostic line not delivered")
		}
	}
}

// diagBackend only writes to the diagnostic channel.
type diagBackend struct {
	lines []string
}

func (b *diagBackend) Name() string { return "diag" }

func (b *diagBackend) Start(_ context.Context, sink mcp.ChunkSink) error {
	go func() {
		for _, l := range b.lines {
			sink.Push(mcp.Chunk{Channel: mcp.ChannelDiagnostic, Data: []byte(l)})
		}
	}()
	return nil
}

func (b *diagBackend) WriteFrame(context.Context, []byte) error { return nil }
func (b *diagBackend) Alive(context.Context) error              { return nil }
func (b *diagBackend) Close(context.Context) error              { return nil }

func TestTransportMetrics(t *testing.T) {
	peer := newPeer(t)
	m := metrics.NewMetrics()
	tr := newTransport(t, peer.Pipe(), mcp.WithMetrics(m))
	initialize(t, tr)

	require.NoError(t, peer.WriteRaw([]byte("not a frame\n")))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := tr.Call(ctx, mcp.MethodPing, nil)
	require.NoError(t, err)

	reg := m.GetRegistry()
	assert.Equal(t, 1.0, metricValue(t, reg, "mcp_frames_discarded_total", map[string]string{"backend": "stream"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mcp_transport_requests_total",
		map[string]string{"backend": "stream", "method": mcp.MethodPing}))
	assert.Equal(t, 1.0, metricValue(t, reg, "mcp_transport_state_changes_total",
		map[string]string{"backend": "stream", "state": "ready"}))
}

// metricValue returns the value of the counter or gauge series with exactly
// the given labels.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if len(metric.GetLabel()) != len(labels) {
				continue
			}
			match := true
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					match = false
				}
			}
			if !match {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

// gatedBackend holds Start until gate is closed, then starts the wrapped
// backend whatever happened to ctx in the meantime.
type gatedBackend struct {
	mcp.Backend

	entered  chan struct{}
	gate     chan struct{}
	startErr error
}

func (b *gatedBackend) Start(ctx context.Context, sink mcp.ChunkSink) error {
	close(b.entered)
	<-b.gate
	select {
	case <-ctx.Done():
		b.startErr = ctx.Err()
	case <-time.After(testTimeout):
	}
	return b.Backend.Start(context.WithoutCancel(ctx), sink)
}

// releaseFixture is a backend plus the peer's view of it.
type releaseFixture struct {
	backend mcp.Backend
	// peerRead reads what the transport wrote.
	peerRead func(p []byte) (int, error)
	// released fails the test unless the backend handle was let go.
	released func(t *testing.T)
}

func requireEOF(t *testing.T, read func(p []byte) (int, error)) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			if _, err := read(buf); err != nil {
				done <- err
				return
			}
		}
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(testTimeout):
		t.Fatal("peer side is still open")
	}
}

func streamFixture(t *testing.T) releaseFixture {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		inW.Close()
		outR.Close()
	})
	return releaseFixture{
		backend:  mcp.NewStreamBackend(inR, outW),
		peerRead: outR.Read,
		released: func(t *testing.T) { requireEOF(t, outR.Read) },
	}
}

func socketFixture(t *testing.T) releaseFixture {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	var (
		once sync.Once
		conn net.Conn
	)
	t.Cleanup(func() {
		if conn != nil {
			conn.Close()
		}
	})
	read := func(p []byte) (int, error) {
		once.Do(func() {
			select {
			case conn = <-accepted:
				conn.SetReadDeadline(time.Now().Add(testTimeout))
			case <-time.After(testTimeout):
			}
		})
		if conn == nil {
			return 0, errors.New("no connection accepted")
		}
		return conn.Read(p)
	}
	return releaseFixture{
		backend:  mcp.NewSocketBackend(mcp.SocketConfig{Address: ln.Addr().String()}),
		peerRead: read,
		released: func(t *testing.T) { requireEOF(t, read) },
	}
}

func containerFixture(t *testing.T) releaseFixture {
	engine := &fakeEngine{peer: newPeer(t), imageExists: true, deafStdin: true}
	return releaseFixture{
		backend: mcp.NewContainerBackend(engine, mcp.ContainerSpec{Image: "server"}),
		peerRead: func(p []byte) (int, error) {
			var stdin *io.PipeReader
			if !assert.Eventually(t, func() bool {
				stdin = engine.attachedStdin()
				return stdin != nil
			}, testTimeout, 5*time.Millisecond) {
				return 0, errors.New("container not attached")
			}
			return stdin.Read(p)
		},
		released: func(t *testing.T) {
			calls := engine.Calls()
			require.NotEmpty(t, calls)
			assert.Equal(t, "remove", calls[len(calls)-1])
			if stdin := engine.attachedStdin(); stdin != nil {
				requireEOF(t, stdin.Read)
			}
		},
	}
}

func TestTransportCloseReleasesBackend(t *testing.T) {
	fixtures := []struct {
		name    string
		fixture func(t *testing.T) releaseFixture
	}{
		{"stream", streamFixture},
		{"socket", socketFixture},
		{"container", containerFixture},
	}

	for _, f := range fixtures {
		t.Run(f.name+"/during start", func(t *testing.T) {
			fx := f.fixture(t)
			gated := &gatedBackend{Backend: fx.backend, entered: make(chan struct{}), gate: make(chan struct{})}
			tr := newTransport(t, gated)

			errs := make(chan error, 1)
			go func() { errs <- tr.Start(context.Background()) }()
			select {
			case <-gated.entered:
			case <-time.After(testTimeout):
				t.Fatal("backend start was not called")
			}

			require.NoError(t, tr.Close())
			close(gated.gate)

			select {
			case err := <-errs:
				require.ErrorIs(t, err, mcp.ErrTransportClosed)
			case <-time.After(testTimeout):
				t.Fatal("start did not return")
			}
			require.ErrorIs(t, gated.startErr, context.Canceled, "close cancels the start context")
			assert.Equal(t, mcp.StateClosed, tr.State())
			fx.released(t)
		})

		t.Run(f.name+"/while write blocked", func(t *testing.T) {
			fx := f.fixture(t)
			tr := newTransport(t, fx.backend, mcp.WithCloseTimeout(2*time.Second))
			require.NoError(t, tr.Start(context.Background()))

			// Larger than any loopback socket buffer, so the peer must read to
			// let the write finish.
			params := map[string]string{"blob": strings.Repeat("x", 32<<20)}
			errs := make(chan error, 1)
			go func() {
				_, err := tr.Initialize(context.Background(), params)
				errs <- err
			}()

			n, err := fx.peerRead(make([]byte, 1))
			require.NoError(t, err)
			require.Equal(t, 1, n)

			require.NoError(t, tr.Close())
			select {
			case err := <-errs:
				require.ErrorIs(t, err, mcp.ErrTransportClosed)
			case <-time.After(testTimeout):
				t.Fatal("initialize did not return")
			}
			fx.released(t)
		})
	}
}
