package mcp

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultReadBufferSize = 32 * 1024

// errBackendClosed is returned by a Start that finished after Close.
var errBackendClosed = errors.New("backend closed")

// BackendOption configures the backends in this package.
type BackendOption func(*backendOptions)

type backendOptions struct {
	logger         *zap.Logger
	readBufferSize int
}

// WithBackendLogger sets the logger of a backend.
func WithBackendLogger(logger *zap.Logger) BackendOption {
	return func(o *backendOptions) {
		o.logger = logger
	}
}

// WithReadBufferSize sets the size of the buffer a backend reads into. It
// bounds the size of a single Chunk, not of a frame.
func WithReadBufferSize(size int) BackendOption {
	return func(o *backendOptions) {
		if size > 0 {
			o.readBufferSize = size
		}
	}
}

func newBackendOptions(options []BackendOption) backendOptions {
	o := backendOptions{
		logger:         zap.NewNop(),
		readBufferSize: defaultReadBufferSize,
	}
	for _, opt := range options {
		opt(&o)
	}
	return o
}

// pumpChunks copies r into sink as chunks of whatever size each Read returns.
// It returns nil on EOF.
func pumpChunks(r io.Reader, ch Channel, sink ChunkSink, bufSize int) error {
	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sink.Push(Chunk{Channel: ch, Data: data})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
