package mcp

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// Channel tells the Reassembler how to treat a chunk.
type Channel int

const (
	// ChannelPrimary carries newline-delimited protocol messages.
	ChannelPrimary Channel = iota
	// ChannelDiagnostic carries free-form peer output such as stderr.
	ChannelDiagnostic
)

// DefaultMaxFrameSize bounds a single frame on the primary channel.
const DefaultMaxFrameSize = 16 << 20

// Chunk is a piece of raw backend output. The receiver owns Data.
type Chunk struct {
	Channel Channel
	Data    []byte
}

// FrameHandler receives each decoded message in wire order.
type FrameHandler func(JSONRPCMessage)

// DiagnosticSink receives diagnostic output one line at a time.
type DiagnosticSink func(line string)

// Reassembler turns arbitrarily split chunks into messages. At any time it
// holds at most one unterminated frame per channel.
type Reassembler struct {
	handler   FrameHandler
	diagSink  DiagnosticSink
	onDiscard func(reason string)
	logger    *zap.Logger
	maxFrame  int

	mu         sync.Mutex
	frame      []byte
	diag       []byte
	discarding bool
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithReassemblerLogger sets the logger for discarded frames.
func WithReassemblerLogger(logger *zap.Logger) ReassemblerOption {
	return func(r *Reassembler) {
		r.logger = logger
	}
}

// WithFrameLimit caps the size of a primary frame. Non-positive values keep the default.
func WithFrameLimit(size int) ReassemblerOption {
	return func(r *Reassembler) {
		if size > 0 {
			r.maxFrame = size
		}
	}
}

// WithDiagnostics routes diagnostic lines to sink.
func WithDiagnostics(sink DiagnosticSink) ReassemblerOption {
	return func(r *Reassembler) {
		r.diagSink = sink
	}
}

// WithDiscardHook is called once for every frame that is dropped.
func WithDiscardHook(fn func(reason string)) ReassemblerOption {
	return func(r *Reassembler) {
		r.onDiscard = fn
	}
}

// NewReassembler creates a Reassembler delivering frames to handler.
func NewReassembler(handler FrameHandler, options ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		handler:  handler,
		logger:   zap.NewNop(),
		maxFrame: DefaultMaxFrameSize,
	}
	for _, opt := range options {
		opt(r)
	}
	if r.diagSink == nil {
		logger := r.logger
		r.diagSink = func(line string) {
			logger.Info("peer diagnostic output", zap.String("line", line))
		}
	}
	return r
}

// Feed consumes one chunk. Complete frames are decoded and handed to the
// FrameHandler before Feed returns.
func (r *Reassembler) Feed(c Chunk) {
	if len(c.Data) == 0 {
		return
	}
	if c.Channel == ChannelDiagnostic {
		r.feedDiagnostic(c.Data)
		return
	}

	var (
		frames   [][]byte
		oversize int
	)

	r.mu.Lock()
	data := c.Data
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if !r.discarding {
				r.frame = append(r.frame, data...)
				if len(r.frame) > r.maxFrame {
					oversize++
					r.frame = nil
					r.discarding = true
				}
			}
			break
		}

		segment := data[:i]
		data = data[i+1:]
		if r.discarding {
			r.discarding = false
			continue
		}
		frame := append(r.frame, segment...)
		r.frame = nil
		if len(frame) > r.maxFrame {
			oversize++
			continue
		}
		frames = append(frames, frame)
	}
	r.mu.Unlock()

	for i := 0; i < oversize; i++ {
		r.discard("frame exceeds size limit", zap.Int("limit", r.maxFrame))
	}
	for _, frame := range frames {
		r.deliver(frame)
	}
}

// Flush ends the stream. A trailing unterminated frame is discarded and a
// trailing diagnostic line is emitted.
func (r *Reassembler) Flush() {
	r.mu.Lock()
	partial := len(bytes.TrimSpace(r.frame))
	r.frame = nil
	r.discarding = false
	diag := r.diag
	r.diag = nil
	r.mu.Unlock()

	if len(diag) > 0 {
		r.diagSink(string(bytes.TrimRight(diag, "\r")))
	}
	if partial > 0 {
		r.discard("unterminated frame at end of stream", zap.Int("size", partial))
	}
}

// Buffered returns the size of the unterminated primary frame.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frame)
}

func (r *Reassembler) deliver(frame []byte) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return
	}
	msg, err := DecodeMessage(frame)
	if err != nil {
		r.discard("malformed frame", zap.Error(err), zap.ByteString("frame", truncate(frame, 256)))
		return
	}
	r.handler(msg)
}

func (r *Reassembler) discard(reason string, fields ...zap.Field) {
	r.logger.Warn("discarding frame", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
	if r.onDiscard != nil {
		r.onDiscard(reason)
	}
}

func (r *Reassembler) feedDiagnostic(data []byte) {
	var lines []string

	r.mu.Lock()
	r.diag = append(r.diag, data...)
	for {
		i := bytes.IndexByte(r.diag, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(r.diag[:i], "\r")))
		r.diag = r.diag[i+1:]
	}
	if len(r.diag) > r.maxFrame {
		lines = append(lines, string(r.diag))
		r.diag = nil
	}
	r.mu.Unlock()

	for _, line := range lines {
		r.diagSink(line)
	}
}

func truncate(bs []byte, n int) []byte {
	if len(bs) <= n {
		return bs
	}
	return bs[:n]
}
