package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/TangGee/mcp-transport"
	"github.com/TangGee/mcp-transport/mcptest"
)

// headerRecorder remembers one request header per method seen.
type headerRecorder struct {
	next   http.Handler
	header string

	mu     sync.Mutex
	values []string
}

func (h *headerRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.values = append(h.values, r.Method+" "+r.Header.Get(h.header))
	h.mu.Unlock()
	h.next.ServeHTTP(w, r)
}

func (h *headerRecorder) Values() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.values...)
}

func TestStreamableHTTPBackend(t *testing.T) {
	tests := []struct {
		name         string
		eventStreams bool
	}{
		{name: "json replies"},
		{name: "event stream replies", eventStreams: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := newPeer(t, mcptest.WithHandler(mcp.MethodToolsList,
				func(context.Context, mcp.JSONRPCMessage) (any, error) {
					return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "search"}}}, nil
				}))
			h := peer.StreamableHTTPHandler(tt.eventStreams)
			auth := &headerRecorder{next: h, header: "Authorization"}
			srv := httptest.NewServer(auth)
			t.Cleanup(srv.Close)

			backend := mcp.NewStreamableHTTPBackend(mcp.StreamableHTTPConfig{
				URL:        srv.URL,
				HTTPClient: srv.Client(),
				Headers:    map[string]string{"Authorization": "Bearer token"},
			})
			require.Error(t, backend.Alive(context.Background()), "not started")

			tr := newTransport(t, backend)
			initialize(t, tr)
			require.Len(t, h.Sessions(), 1)
			assert.Equal(t, h.Sessions()[0], backend.SessionID())

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			res, err := tr.Call(ctx, mcp.MethodToolsList, mcp.ListToolsParams{})
			require.NoError(t, err)

			var result mcp.ListToolsResult
			require.NoError(t, json.Unmarshal(res, &result))
			require.Len(t, result.Tools, 1)
			assert.Equal(t, "search", result.Tools[0].Name)
			require.NoError(t, tr.CheckHealth(ctx))

			for _, v := range auth.Values() {
				assert.Equal(t, "POST Bearer token", v)
			}

			require.NoError(t, tr.Close())
			require.Error(t, backend.Alive(context.Background()), "closed")
		})
	}
}

func TestStreamableHTTPBackendSessionExpiry(t *testing.T) {
	peer := newPeer(t)
	h := peer.StreamableHTTPHandler(false)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	backend := mcp.NewStreamableHTTPBackend(mcp.StreamableHTTPConfig{URL: srv.URL, HTTPClient: srv.Client()})
	tr := newTransport(t, backend)
	initialize(t, tr)

	h.ExpireSession()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := tr.Call(ctx, mcp.MethodPing, nil)
	require.NoError(t, err)

	sessions := h.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, sessions[1], backend.SessionID())
	assert.Len(t, peer.Messages(mcp.MethodInitialize), 2)
	assert.Len(t, peer.Messages(mcp.MethodNotificationsInitialized), 2)
	assert.Len(t, peer.Messages(mcp.MethodPing), 1, "the rejected ping never reached the peer")
}

func TestStreamableHTTPBackendSubsidiaryStream(t *testing.T) {
	peer := newPeer(t)
	h := peer.StreamableHTTPHandler(false)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	got := make(chan string, 4)
	backend := mcp.NewStreamableHTTPBackend(mcp.StreamableHTTPConfig{
		URL:             srv.URL,
		HTTPClient:      srv.Client(),
		Subsidiary:      true,
		SubsidiaryRetry: 20 * time.Millisecond,
	})
	tr := newTransport(t, backend, mcp.WithNotificationHandler(func(_ context.Context, msg mcp.JSONRPCMessage) {
		got <- msg.Method
	}))
	initialize(t, tr)

	notify := func(method string) {
		t.Helper()
		require.NoError(t, peer.Notify(method, nil))
		select {
		case m := <-got:
			assert.Equal(t, method, m)
		case <-time.After(testTimeout):
			t.Fatalf("%s not delivered", method)
		}
	}

	require.Eventually(t, h.StreamOpen, testTimeout, 5*time.Millisecond)
	notify("notifications/first")

	h.DropStream()
	require.Eventually(t, func() bool {
		return len(h.LastEventIDs()) == 2 && h.StreamOpen()
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"", "1"}, h.LastEventIDs())
	notify("notifications/second")

	require.NoError(t, tr.Close())
}

func TestStreamableHTTPBackendFailures(t *testing.T) {
	t.Run("server error fails the request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		tr := newTransport(t, mcp.NewStreamableHTTPBackend(mcp.StreamableHTTPConfig{URL: srv.URL, HTTPClient: srv.Client()}))
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, tr.Start(ctx))

		_, err := tr.Initialize(ctx, mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion})
		require.ErrorIs(t, err, mcp.ErrWriteFailed)
		assert.Contains(t, err.Error(), "500")
		assert.Equal(t, mcp.StateFailed, tr.State())
	})

	t.Run("subsidiary stream refused is not retried", func(t *testing.T) {
		peer := newPeer(t)
		h := peer.StreamableHTTPHandler(false)
		var gets atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				gets.Add(1)
				http.Error(w, "no stream", http.StatusMethodNotAllowed)
				return
			}
			h.ServeHTTP(w, r)
		}))
		t.Cleanup(srv.Close)

		backend := mcp.NewStreamableHTTPBackend(mcp.StreamableHTTPConfig{
			URL:             srv.URL,
			HTTPClient:      srv.Client(),
			Subsidiary:      true,
			SubsidiaryRetry: 5 * time.Millisecond,
		})
		tr := newTransport(t, backend)
		initialize(t, tr)

		require.Eventually(t, func() bool { return gets.Load() == 1 }, testTimeout, 5*time.Millisecond)
		assert.Never(t, func() bool { return gets.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_, err := tr.Call(ctx, mcp.MethodPing, nil)
		require.NoError(t, err, "requests still work without the stream")
	})
}
