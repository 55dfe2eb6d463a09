// Package request runs one logical call at a time per Handle. Issuing a new
// call cancels the pending one, and only the latest call may touch state.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/transport"
)

var ErrClosed = errors.New("request handle closed")

// Call is any unit of work that honours ctx cancellation.
type Call[T any] func(ctx context.Context) (T, error)

// Options tune a single Execute. Commit and Fail run under the handle lock and
// only for the call that still owns the handle, so engines can apply their own
// state atomically with that check.
type Options[T any] struct {
	Transform      func(T) T
	Commit         func(T)
	Fail           func(error)
	SuccessMessage string
	NotifyErrors   bool
	OnSuccess      func(T)
	OnError        func(error)
}

type Option func(*settings)

type settings struct {
	notifier notify.Notifier
	logger   *slog.Logger
	name     string
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *settings) { s.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithName labels log lines from this handle.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

type Handle[T any] struct {
	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	loading    bool
	err        error
	closed     bool

	notifier notify.Notifier
	logger   *slog.Logger
}

func New[T any](opts ...Option) *Handle[T] {
	cfg := settings{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.name != "" {
		logger = logger.With(slog.String("handle", cfg.name))
	}
	return &Handle[T]{
		notifier: notify.OrDiscard(cfg.notifier),
		logger:   logger,
	}
}

func (h *Handle[T]) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// Err is the failure of the last call that completed on this handle, or nil.
func (h *Handle[T]) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Failure is the structured view of Err.
func (h *Handle[T]) Failure() transport.Failure {
	return transport.Describe(h.Err())
}

// Execute cancels any pending call on h and runs call. A call that is
// superseded, cancelled, or whose ctx is cancelled returns an error matching
// transport.ErrAborted and leaves state alone.
func (h *Handle[T]) Execute(ctx context.Context, call Call[T], opts Options[T]) (T, error) {
	var zero T
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return zero, ErrClosed
	}
	if h.cancel != nil {
		h.cancel()
		h.logger.Debug("superseded pending call")
	}
	h.generation++
	generation := h.generation
	callCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.loading = true
	h.mu.Unlock()

	result, err := call(callCtx)
	cancelled := errors.Is(callCtx.Err(), context.Canceled)

	h.mu.Lock()
	cancel()
	if h.generation != generation {
		h.mu.Unlock()
		return zero, fmt.Errorf("%w: superseded", transport.ErrAborted)
	}
	h.loading = false
	h.cancel = nil
	if err != nil && (transport.IsAborted(err) || cancelled) {
		h.mu.Unlock()
		if !errors.Is(err, transport.ErrAborted) {
			err = fmt.Errorf("%w: %w", transport.ErrAborted, err)
		}
		return zero, err
	}

	if err != nil {
		h.err = err
		if opts.Fail != nil {
			opts.Fail(err)
		}
		h.mu.Unlock()
		h.logger.Debug("call failed", slog.String("kind", transport.Classify(err).String()), slog.String("error", err.Error()))
		if opts.NotifyErrors {
			failure := transport.Describe(err)
			h.notifier.Notify(notify.Notice{
				Level:   notify.LevelError,
				Message: failure.Message,
				Code:    failure.Code,
				Fields:  failure.FieldErrors,
			})
		}
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return zero, err
	}

	h.err = nil
	if opts.Transform != nil {
		result = opts.Transform(result)
	}
	if opts.Commit != nil {
		opts.Commit(result)
	}
	h.mu.Unlock()
	if opts.SuccessMessage != "" {
		h.notifier.Notify(notify.Notice{Level: notify.LevelSuccess, Message: opts.SuccessMessage})
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(result)
	}
	return result, nil
}

// Cancel aborts the in-flight call, if any. The handle stays usable.
func (h *Handle[T]) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelLocked()
}

// Close cancels the in-flight call and rejects later calls with ErrClosed.
func (h *Handle[T]) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelLocked()
	h.closed = true
	return nil
}

func (h *Handle[T]) cancelLocked() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	h.generation++
	h.loading = false
}
