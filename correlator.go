package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Correlator matches replies to the requests that are waiting for them. Each
// Transport owns exactly one; ids are unique for the lifetime of the Correlator.
type Correlator struct {
	logger *zap.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*PendingOperation
	sealed  bool

	observer func(*PendingOperation)
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// PendingOperation is the caller's handle on an in-flight request. It completes
// exactly once, with either a result or an error.
type PendingOperation struct {
	id        int64
	method    string
	createdAt time.Time

	done   chan struct{}
	result json.RawMessage
	err    error
}

// WithCorrelatorLogger sets the logger used to report duplicate completions.
func WithCorrelatorLogger(logger *zap.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// NewCorrelator creates an empty Correlator whose first id is 1.
func NewCorrelator(options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		logger:  zap.NewNop(),
		pending: make(map[int64]*PendingOperation),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Register allocates a fresh id and records a pending operation for it.
func (c *Correlator) Register(method string) (*PendingOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return nil, ErrTransportClosed
	}

	op := &PendingOperation{
		id:        c.nextID.Add(1),
		method:    method,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.pending[op.id] = op
	return op, nil
}

// Resolve completes the operation with a result. It returns false when no
// operation with that id is pending.
func (c *Correlator) Resolve(id int64, result json.RawMessage) bool {
	return c.complete(id, result, nil)
}

// Fail completes the operation with err. It returns false when no operation
// with that id is pending.
func (c *Correlator) Fail(id int64, err error) bool {
	if err == nil {
		err = errors.New("operation failed without a reason")
	}
	return c.complete(id, nil, err)
}

// Cancel completes the operation locally with ErrCancelled. It does not
// contact the peer.
func (c *Correlator) Cancel(id int64, reason string) bool {
	var err error = ErrCancelled
	if reason != "" {
		err = errors.WithMessage(ErrCancelled, reason)
	}
	return c.complete(id, nil, err)
}

// FailAll completes every pending operation with err and clears the registry.
// It returns how many operations were failed.
func (c *Correlator) FailAll(err error) int {
	return c.failAll(err, false)
}

// Shutdown behaves like FailAll and also rejects every later Register.
func (c *Correlator) Shutdown(err error) int {
	return c.failAll(err, true)
}

// Len returns the number of pending operations.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sealed reports whether Shutdown was called.
func (c *Correlator) Sealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

// observe installs a callback run after each completion, outside the lock.
func (c *Correlator) observe(fn func(*PendingOperation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

func (c *Correlator) complete(id int64, result json.RawMessage, err error) bool {
	c.mu.Lock()
	op, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("completion for unknown or finished operation ignored",
			zap.Int64("id", id), zap.Error(err))
		return false
	}
	delete(c.pending, id)
	op.finish(result, err)
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(op)
	}
	return true
}

func (c *Correlator) failAll(err error, seal bool) int {
	if err == nil {
		err = ErrTransportClosed
	}

	c.mu.Lock()
	if seal {
		c.sealed = true
	}
	ops := make([]*PendingOperation, 0, len(c.pending))
	for id, op := range c.pending {
		op.finish(nil, err)
		ops = append(ops, op)
		delete(c.pending, id)
	}
	observer := c.observer
	c.mu.Unlock()

	if len(ops) > 0 {
		c.logger.Debug("failed pending operations", zap.Int("count", len(ops)), zap.Error(err))
	}
	if observer != nil {
		for _, op := range ops {
			observer(op)
		}
	}
	return len(ops)
}

// ID returns the request id sent on the wire.
func (p *PendingOperation) ID() int64 { return p.id }

// Method returns the request method.
func (p *PendingOperation) Method() string { return p.method }

// CreatedAt returns the registration time.
func (p *PendingOperation) CreatedAt() time.Time { return p.createdAt }

// Done is closed when the operation completes.
func (p *PendingOperation) Done() <-chan struct{} { return p.done }

// Result blocks until the operation completes and returns its outcome.
func (p *PendingOperation) Result() (json.RawMessage, error) {
	<-p.done
	return p.result, p.err
}

// Wait blocks until the operation completes or ctx is done. Giving up on ctx
// leaves the operation pending; use Transport.Cancel to release it.
func (p *PendingOperation) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish must be called with the owning Correlator's lock held.
func (p *PendingOperation) finish(result json.RawMessage, err error) {
	p.result = result
	p.err = err
	close(p.done)
}
