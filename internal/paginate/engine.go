// Package paginate accumulates ordered item lists from successive pages.
package paginate

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/request"
	"github.com/agentworkforce/marketsync/internal/transport"
)

const DefaultPageSize = 20

// Fetcher loads one page. transport.Resource.List satisfies it.
type Fetcher[T any] func(ctx context.Context, query url.Values, page, pageSize int) (transport.Page[T], error)

type State[T any] struct {
	Items   []T
	Page    int
	HasMore bool
	Total   int
	Loading bool
	Err     error
}

type Option[T any] func(*Engine[T])

func WithPageSize[T any](size int) Option[T] {
	return func(e *Engine[T]) {
		if size > 0 {
			e.pageSize = size
		}
	}
}

// WithKey turns on de-duplication by identity: items of a later page whose key
// was already seen are dropped on LoadMore.
func WithKey[T any](key func(T) string) Option[T] {
	return func(e *Engine[T]) { e.key = key }
}

func WithNotifier[T any](n notify.Notifier) Option[T] {
	return func(e *Engine[T]) { e.handleOpts = append(e.handleOpts, request.WithNotifier(n)) }
}

func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(e *Engine[T]) {
		e.logger = logger
		e.handleOpts = append(e.handleOpts, request.WithLogger(logger))
	}
}

// WithNotifyErrors routes load failures to the notifier.
func WithNotifyErrors[T any]() Option[T] {
	return func(e *Engine[T]) { e.notifyErrors = true }
}

type Engine[T any] struct {
	fetch        Fetcher[T]
	pageSize     int
	key          func(T) string
	notifyErrors bool
	handleOpts   []request.Option
	logger       *slog.Logger
	handle       *request.Handle[transport.Page[T]]

	mu       sync.Mutex
	items    []T
	page     int
	hasMore  bool
	total    int
	query    url.Values
	reserved bool
}

func New[T any](fetch Fetcher[T], opts ...Option[T]) *Engine[T] {
	e := &Engine[T]{fetch: fetch, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.handle = request.New[transport.Page[T]](append(e.handleOpts, request.WithName("paginate"))...)
	return e
}

func (e *Engine[T]) State() State[T] {
	loading := e.handle.Loading()
	err := e.handle.Err()
	e.mu.Lock()
	defer e.mu.Unlock()
	return State[T]{
		Items:   append([]T(nil), e.items...),
		Page:    e.page,
		HasMore: e.hasMore,
		Total:   e.total,
		Loading: loading,
		Err:     err,
	}
}

func (e *Engine[T]) Loading() bool { return e.handle.Loading() }

func (e *Engine[T]) Err() error { return e.handle.Err() }

// Load fetches page 1 for query and replaces the item list. It supersedes any
// pending Load or LoadMore.
func (e *Engine[T]) Load(ctx context.Context, query url.Values) error {
	query = cloneQuery(query)
	e.mu.Lock()
	e.query = query
	e.mu.Unlock()
	return e.run(ctx, query, 1, false)
}

// LoadMore fetches the next page and appends it. It issues no request while a
// load is pending or when there is nothing more to fetch.
func (e *Engine[T]) LoadMore(ctx context.Context) error {
	if e.handle.Loading() {
		return nil
	}
	e.mu.Lock()
	if e.reserved || !e.hasMore {
		e.mu.Unlock()
		return nil
	}
	e.reserved = true
	next := e.page + 1
	query := e.query
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.reserved = false
		e.mu.Unlock()
	}()
	return e.run(ctx, query, next, true)
}

// Refresh reloads page 1 with the last query.
func (e *Engine[T]) Refresh(ctx context.Context) error {
	e.mu.Lock()
	query := e.query
	e.mu.Unlock()
	return e.run(ctx, query, 1, false)
}

// Reset cancels any pending load and forgets all items.
func (e *Engine[T]) Reset() {
	e.handle.Cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = nil
	e.page = 0
	e.hasMore = false
	e.total = 0
	e.query = nil
}

func (e *Engine[T]) Close() error {
	return e.handle.Close()
}

func (e *Engine[T]) run(ctx context.Context, query url.Values, page int, appendItems bool) error {
	pageSize := e.pageSize
	_, err := e.handle.Execute(ctx, func(ctx context.Context) (transport.Page[T], error) {
		return e.fetch(ctx, query, page, pageSize)
	}, request.Options[transport.Page[T]]{
		NotifyErrors: e.notifyErrors,
		Commit: func(result transport.Page[T]) {
			e.apply(result, page, appendItems)
		},
	})
	return err
}

func (e *Engine[T]) apply(result transport.Page[T], requested int, appendItems bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if appendItems {
		e.items = e.merge(e.items, result.Items)
	} else {
		e.items = append([]T(nil), result.Items...)
	}
	e.page = requested
	e.total = len(e.items)
	if p := result.Pagination; p != nil {
		if p.Current > 0 {
			e.page = p.Current
		}
		if p.Total > 0 {
			e.total = p.Total
		}
	}
	e.hasMore = computeHasMore(result.Pagination, len(result.Items), e.pageSize)
	e.logger.Debug("page applied",
		slog.Int("page", e.page),
		slog.Int("items", len(e.items)),
		slog.Bool("has_more", e.hasMore),
	)
}

func (e *Engine[T]) merge(existing, incoming []T) []T {
	if e.key == nil {
		return append(existing, incoming...)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[e.key(item)] = struct{}{}
	}
	for _, item := range incoming {
		k := e.key(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		existing = append(existing, item)
	}
	return existing
}

// computeHasMore prefers an explicit hasMore, then current < pages, then the
// full-page heuristic.
func computeHasMore(p *transport.Pagination, received, pageSize int) bool {
	if p != nil {
		if p.HasMore != nil {
			return *p.HasMore
		}
		if p.Pages > 0 || p.Current > 0 {
			return p.Current < p.Pages
		}
	}
	return pageSize > 0 && received == pageSize
}

func cloneQuery(query url.Values) url.Values {
	if query == nil {
		return nil
	}
	out := make(url.Values, len(query))
	for key, values := range query {
		out[key] = append([]string(nil), values...)
	}
	return out
}
