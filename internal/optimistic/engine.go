// Package optimistic shows a candidate value before the server confirms it and
// rolls back to the prior value when the call fails.
package optimistic

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/request"
	"github.com/agentworkforce/marketsync/internal/transport"
)

var ErrPending = errors.New("optimistic transaction already open")

type Resolution int

const (
	Idle Resolution = iota
	Pending
	Confirmed
	RolledBack
)

func (r Resolution) String() string {
	switch r {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Policy decides what Update does while a transaction is still open.
type Policy int

const (
	// RejectConcurrent fails the second Update with ErrPending.
	RejectConcurrent Policy = iota
	// QueueConcurrent waits for the open transaction to resolve first.
	QueueConcurrent
)

type Option[S any] func(*Engine[S])

// WithClone sets the deep copy used for the rollback snapshot. Values holding
// maps, slices or pointers need one.
func WithClone[S any](clone func(S) S) Option[S] {
	return func(e *Engine[S]) { e.clone = clone }
}

func WithPolicy[S any](p Policy) Option[S] {
	return func(e *Engine[S]) { e.policy = p }
}

// WithObserver is called, outside any lock, every time the visible value changes.
func WithObserver[S any](fn func(value S, res Resolution)) Option[S] {
	return func(e *Engine[S]) { e.observer = fn }
}

func WithNotifier[S any](n notify.Notifier) Option[S] {
	return func(e *Engine[S]) { e.handleOpts = append(e.handleOpts, request.WithNotifier(n)) }
}

func WithLogger[S any](logger *slog.Logger) Option[S] {
	return func(e *Engine[S]) {
		e.logger = logger
		e.handleOpts = append(e.handleOpts, request.WithLogger(logger))
	}
}

type Engine[S any] struct {
	clone      func(S) S
	policy     Policy
	observer   func(S, Resolution)
	handleOpts []request.Option
	logger     *slog.Logger
	handle     *request.Handle[S]

	mu         sync.Mutex
	visible    S
	previous   S
	resolution Resolution
	err        error
	settled    chan struct{}
	closed     bool
}

func New[S any](initial S, opts ...Option[S]) *Engine[S] {
	e := &Engine[S]{visible: initial}
	for _, opt := range opts {
		opt(e)
	}
	if e.clone == nil {
		e.clone = func(s S) S { return s }
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.handle = request.New[S](append(e.handleOpts, request.WithName("optimistic"))...)
	return e
}

func (e *Engine[S]) Value() S {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible
}

func (e *Engine[S]) Resolution() Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolution
}

// Err is the failure that caused the last rollback.
func (e *Engine[S]) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Set replaces the visible value outside of any transaction, for example when
// a fresh server copy arrives. It fails with ErrPending while one is open.
func (e *Engine[S]) Set(value S) error {
	e.mu.Lock()
	if e.resolution == Pending {
		e.mu.Unlock()
		return ErrPending
	}
	e.visible = value
	res := e.resolution
	e.mu.Unlock()
	e.observe(value, res)
	return nil
}

// Update shows candidate immediately and runs op. On success the visible value
// becomes op's result; on failure, cancellation included, the value seen
// before Update is restored.
func (e *Engine[S]) Update(ctx context.Context, candidate S, op request.Call[S]) (S, error) {
	var zero S
	if err := e.begin(ctx, candidate); err != nil {
		return zero, err
	}
	e.observe(candidate, Pending)

	result, err := e.handle.Execute(ctx, op, request.Options[S]{
		NotifyErrors: true,
		Commit: func(value S) {
			e.settle(value, Confirmed, nil)
		},
		Fail: func(err error) {
			e.rollback(err)
		},
	})
	if err != nil {
		e.rollback(err)
	}
	value, res := e.snapshot()
	e.observe(value, res)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// Close aborts the open transaction, which rolls back, and rejects later
// updates with request.ErrClosed.
func (e *Engine[S]) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.handle.Close()
}

func (e *Engine[S]) begin(ctx context.Context, candidate S) error {
	e.mu.Lock()
	for e.resolution == Pending && !e.closed {
		if e.policy == RejectConcurrent {
			e.mu.Unlock()
			return ErrPending
		}
		settled := e.settled
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return transport.ErrAborted
		case <-settled:
		}
		e.mu.Lock()
	}
	if e.closed {
		e.mu.Unlock()
		return request.ErrClosed
	}
	e.previous = e.clone(e.visible)
	e.visible = candidate
	e.resolution = Pending
	e.err = nil
	e.settled = make(chan struct{})
	e.mu.Unlock()
	return nil
}

func (e *Engine[S]) rollback(err error) {
	e.mu.Lock()
	if e.resolution != Pending {
		e.mu.Unlock()
		return
	}
	previous := e.previous
	e.mu.Unlock()
	e.logger.Debug("rolling back optimistic value", slog.String("error", err.Error()))
	if transport.IsAborted(err) {
		err = nil
	}
	e.settle(previous, RolledBack, err)
}

func (e *Engine[S]) settle(value S, res Resolution, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolution != Pending {
		return
	}
	e.visible = value
	e.resolution = res
	e.err = err
	var zero S
	e.previous = zero
	close(e.settled)
}

func (e *Engine[S]) snapshot() (S, Resolution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visible, e.resolution
}

func (e *Engine[S]) observe(value S, res Resolution) {
	if e.observer != nil {
		e.observer(value, res)
	}
}
