package mcptest

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	mcp "github.com/TangGee/mcp-transport"
)

// StreamableHTTP serves the peer over the Streamable HTTP transport. A POST
// carries one client message; the reply to a request is written on the same
// response. A GET opens the stream the peer uses for everything else.
type StreamableHTTP struct {
	p            *Peer
	eventStreams bool

	mu           sync.Mutex
	session      string
	sessions     []string
	waiters      map[string]chan []byte
	stream       chan []byte
	streamDone   chan struct{}
	lastEventIDs []string
	nextEventID  int
}

// StreamableHTTPHandler attaches the peer to a Streamable HTTP handler.
// With eventStreams set replies are sent as an event stream, otherwise as a
// JSON body.
func (p *Peer) StreamableHTTPHandler(eventStreams bool) *StreamableHTTP {
	h := &StreamableHTTP{
		p:            p,
		eventStreams: eventStreams,
		waiters:      make(map[string]chan []byte),
	}
	p.attach(h.route, closerFunc(func() error {
		h.DropStream()
		return nil
	}))
	return h
}

func (h *StreamableHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.post(w, r)
	case http.MethodGet:
		h.get(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ExpireSession forgets the current session; the next message carrying it
// gets 404.
func (h *StreamableHTTP) ExpireSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = ""
}

// Sessions returns every session id handed out, oldest first.
func (h *StreamableHTTP) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sessions...)
}

// LastEventIDs returns the Last-Event-ID header of every GET, in order.
func (h *StreamableHTTP) LastEventIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lastEventIDs...)
}

// StreamOpen reports whether a GET stream is being served.
func (h *StreamableHTTP) StreamOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stream != nil
}

// DropStream ends the current GET stream, if any.
func (h *StreamableHTTP) DropStream() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streamDone != nil {
		close(h.streamDone)
		h.stream, h.streamDone = nil, nil
	}
}

// route delivers a frame written by the peer: a reply goes to the POST
// waiting for it, anything else to the GET stream.
func (h *StreamableHTTP) route(frame []byte) error {
	msg, err := mcp.DecodeMessage(bytes.TrimSpace(frame))
	if err != nil {
		return err
	}

	h.mu.Lock()
	if (msg.Kind() == mcp.KindResult || msg.Kind() == mcp.KindError) && msg.ID != nil {
		if reply, ok := h.waiters[msg.ID.String()]; ok {
			delete(h.waiters, msg.ID.String())
			h.mu.Unlock()
			reply <- frame
			return nil
		}
	}
	stream, done := h.stream, h.streamDone
	h.mu.Unlock()

	if stream == nil {
		return errors.New("no event stream open")
	}
	select {
	case stream <- frame:
		return nil
	case <-done:
		return errors.New("event stream closed")
	}
}

func (h *StreamableHTTP) post(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
		http.Error(w, "client must accept application/json and text/event-stream", http.StatusNotAcceptable)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := mcp.DecodeMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	if msg.Method == mcp.MethodInitialize {
		h.session = uuid.New().String()
		h.sessions = append(h.sessions, h.session)
	} else if h.session == "" || r.Header.Get("Mcp-Session-Id") != h.session {
		h.mu.Unlock()
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	session := h.session
	var reply chan []byte
	if msg.Kind() == mcp.KindRequest {
		reply = make(chan []byte, 1)
		h.waiters[msg.ID.String()] = reply
	}
	h.mu.Unlock()

	w.Header().Set("Mcp-Session-Id", session)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		h.p.handleFrame(body)
		return
	}

	h.p.handleFrame(body)
	var frame []byte
	select {
	case frame = <-reply:
	case <-r.Context().Done():
		h.mu.Lock()
		delete(h.waiters, msg.ID.String())
		h.mu.Unlock()
		return
	}
	frame = bytes.TrimRight(frame, "\n")

	if !h.eventStreams {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(frame); err != nil {
			h.p.logger.Debug("failed to write reply", zap.Error(err))
		}
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ev := &sse.Message{Type: sse.Type("message")}
	ev.AppendData(string(frame))
	if err := sess.Send(ev); err != nil {
		return
	}
	if err := sess.Flush(); err != nil {
		h.p.logger.Debug("failed to flush reply", zap.Error(err))
	}
}

func (h *StreamableHTTP) get(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}

	h.mu.Lock()
	if h.session == "" || r.Header.Get("Mcp-Session-Id") != h.session {
		h.mu.Unlock()
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if h.stream != nil {
		h.mu.Unlock()
		http.Error(w, "event stream already open", http.StatusConflict)
		return
	}
	stream, done := make(chan []byte), make(chan struct{})
	h.stream, h.streamDone = stream, done
	h.lastEventIDs = append(h.lastEventIDs, r.Header.Get("Last-Event-ID"))
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.streamDone == done {
			h.stream, h.streamDone = nil, nil
		}
		h.mu.Unlock()
	}()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}

	for {
		select {
		case frame := <-stream:
			h.mu.Lock()
			h.nextEventID++
			id := strconv.Itoa(h.nextEventID)
			h.mu.Unlock()

			ev := &sse.Message{ID: sse.ID(id), Type: sse.Type("message")}
			ev.AppendData(string(bytes.TrimRight(frame, "\n")))
			if err := sess.Send(ev); err != nil {
				return
			}
			if err := sess.Flush(); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
