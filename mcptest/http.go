package mcptest

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// SSEMessagePath is where the SSE handler accepts POSTed messages.
const SSEMessagePath = "/message"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketHandler serves the peer over a WebSocket, one message per frame.
// Only one connection is served at a time.
func (p *Peer) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		p.attach(func(frame []byte) error {
			mu.Lock()
			defer mu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, frame)
		}, conn)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p.handleFrame(data)
		}
	})
}

// SSEHandler serves the peer over HTTP+SSE. A GET opens the event stream and
// announces SSEMessagePath, with a session query parameter, as the endpoint;
// POSTs to that path carry the client's messages.
func (p *Peer) SSEHandler() http.Handler {
	var (
		mu      sync.Mutex
		session string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		id := uuid.New().String()
		mu.Lock()
		session = id
		mu.Unlock()

		endpoint := &sse.Message{Type: sse.Type("endpoint")}
		endpoint.AppendData(SSEMessagePath + "?sessionID=" + id)
		if err := sess.Send(endpoint); err != nil {
			return
		}
		if err := sess.Flush(); err != nil {
			return
		}

		done := make(chan struct{})
		var once sync.Once
		var sendMu sync.Mutex
		p.attach(func(frame []byte) error {
			sendMu.Lock()
			defer sendMu.Unlock()
			msg := &sse.Message{Type: sse.Type("message")}
			msg.AppendData(string(bytes.TrimRight(frame, "\n")))
			if err := sess.Send(msg); err != nil {
				return err
			}
			return sess.Flush()
		}, closerFunc(func() error {
			once.Do(func() { close(done) })
			return nil
		}))

		select {
		case <-done:
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("POST "+SSEMessagePath, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		current := session
		mu.Unlock()
		if id := r.URL.Query().Get("sessionID"); id == "" || id != current {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		p.handleFrame(body)
	})
	return mux
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
