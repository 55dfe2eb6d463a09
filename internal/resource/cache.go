// Package resource caches a single entity with independent get, save and
// delete indicators.
package resource

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/request"
	"github.com/agentworkforce/marketsync/internal/transport"
)

// Service is the CRUD transport for one resource kind. transport.Resource
// implements it over HTTP.
type Service[T any] interface {
	Get(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, data T) (T, error)
	Update(ctx context.Context, id string, data T) (T, error)
	Delete(ctx context.Context, id string) error
}

var _ Service[struct{}] = (*transport.Resource[struct{}])(nil)

type State[T any] struct {
	// Item is nil when nothing is cached.
	Item     *T
	Loading  bool
	Saving   bool
	Deleting bool
	Err      error
}

type Option[T any] func(*Cache[T])

// WithTransform rewrites every server payload before it is stored.
func WithTransform[T any](fn func(T) T) Option[T] {
	return func(c *Cache[T]) { c.transform = fn }
}

func WithNotifier[T any](n notify.Notifier) Option[T] {
	return func(c *Cache[T]) { c.handleOpts = append(c.handleOpts, request.WithNotifier(n)) }
}

func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(c *Cache[T]) { c.handleOpts = append(c.handleOpts, request.WithLogger(logger)) }
}

// WithMessages sets the success notices for create, update and remove.
func WithMessages[T any](created, updated, removed string) Option[T] {
	return func(c *Cache[T]) {
		c.messages = messages{created: created, updated: updated, removed: removed}
	}
}

type messages struct {
	created string
	updated string
	removed string
}

type Cache[T any] struct {
	service    Service[T]
	transform  func(T) T
	messages   messages
	handleOpts []request.Option

	get    *request.Handle[T]
	create *request.Handle[T]
	update *request.Handle[T]
	remove *request.Handle[struct{}]

	mu      sync.Mutex
	item    T
	present bool
	err     error
}

func New[T any](service Service[T], opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{service: service}
	for _, opt := range opts {
		opt(c)
	}
	c.get = request.New[T](append(c.handleOpts, request.WithName("get"))...)
	c.create = request.New[T](append(c.handleOpts, request.WithName("create"))...)
	c.update = request.New[T](append(c.handleOpts, request.WithName("update"))...)
	c.remove = request.New[struct{}](append(c.handleOpts, request.WithName("remove"))...)
	return c
}

func (c *Cache[T]) State() State[T] {
	out := State[T]{
		Loading:  c.get.Loading(),
		Saving:   c.create.Loading() || c.update.Loading(),
		Deleting: c.remove.Loading(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.present {
		item := c.item
		out.Item = &item
	}
	out.Err = c.err
	return out
}

// Item returns the cached entity and whether there is one.
func (c *Cache[T]) Item() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.item, c.present
}

// Set replaces the cached entity without a server call.
func (c *Cache[T]) Set(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.item = item
	c.present = true
}

func (c *Cache[T]) Get(ctx context.Context, id string) (T, error) {
	return c.get.Execute(ctx, func(ctx context.Context) (T, error) {
		return c.service.Get(ctx, id)
	}, c.storeOptions("", false))
}

// Create, Update and Remove cancel a pending Get so its older payload cannot
// replace theirs.
func (c *Cache[T]) Create(ctx context.Context, data T) (T, error) {
	c.get.Cancel()
	return c.create.Execute(ctx, func(ctx context.Context) (T, error) {
		return c.service.Create(ctx, data)
	}, c.storeOptions(c.messages.created, true))
}

func (c *Cache[T]) Update(ctx context.Context, id string, data T) (T, error) {
	c.get.Cancel()
	return c.update.Execute(ctx, func(ctx context.Context) (T, error) {
		return c.service.Update(ctx, id, data)
	}, c.storeOptions(c.messages.updated, true))
}

func (c *Cache[T]) Remove(ctx context.Context, id string) error {
	c.get.Cancel()
	_, err := c.remove.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.service.Delete(ctx, id)
	}, request.Options[struct{}]{
		SuccessMessage: c.messages.removed,
		NotifyErrors:   true,
		Commit: func(struct{}) {
			c.mu.Lock()
			defer c.mu.Unlock()
			var zero T
			c.item = zero
			c.present = false
			c.err = nil
		},
		Fail: c.fail,
	})
	return err
}

// Close cancels every in-flight operation.
func (c *Cache[T]) Close() error {
	_ = c.get.Close()
	_ = c.create.Close()
	_ = c.update.Close()
	return c.remove.Close()
}

// Writes notify on failure; reads leave that to the caller.
func (c *Cache[T]) storeOptions(successMessage string, notifyErrors bool) request.Options[T] {
	return request.Options[T]{
		Transform:      c.transform,
		SuccessMessage: successMessage,
		NotifyErrors:   notifyErrors,
		Commit: func(item T) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.item = item
			c.present = true
			c.err = nil
		},
		Fail: c.fail,
	}
}

func (c *Cache[T]) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
