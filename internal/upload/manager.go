// Package upload tracks one file transfer at a time with percentage progress.
package upload

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/request"
	"github.com/agentworkforce/marketsync/internal/transport"
)

const DefaultField = "file"

type File struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// Payload is the transfer body handed to a Sender.
type Payload struct {
	Field string
	File  File
}

type ProgressFunc func(pct int)

// Sender performs the transfer and calls onProgress for every chunk.
type Sender[T any] func(ctx context.Context, payload Payload, onProgress ProgressFunc) (T, error)

type Options[T any] struct {
	// Field defaults to DefaultField.
	Field          string
	OnProgress     ProgressFunc
	SuccessMessage string
	NotifyErrors   bool
	OnSuccess      func(T)
	OnError        func(error)
}

type Manager[T any] struct {
	handle *request.Handle[T]

	mu         sync.Mutex
	generation uint64
	file       *File
	progress   int
}

type Option func(*[]request.Option)

func WithNotifier(n notify.Notifier) Option {
	return func(opts *[]request.Option) { *opts = append(*opts, request.WithNotifier(n)) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(opts *[]request.Option) { *opts = append(*opts, request.WithLogger(logger)) }
}

func New[T any](opts ...Option) *Manager[T] {
	handleOpts := []request.Option{request.WithName("upload")}
	for _, opt := range opts {
		opt(&handleOpts)
	}
	return &Manager[T]{handle: request.New[T](handleOpts...)}
}

// Progress is the percentage of the current transfer, 0 when idle.
func (m *Manager[T]) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// File is the file being transferred, or nil.
func (m *Manager[T]) File() *File {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	f := *m.file
	return &f
}

func (m *Manager[T]) Uploading() bool { return m.handle.Loading() }

func (m *Manager[T]) Err() error { return m.handle.Err() }

// Upload cancels any transfer in flight and sends file through send.
func (m *Manager[T]) Upload(ctx context.Context, send Sender[T], file File, opts Options[T]) (T, error) {
	field := opts.Field
	if field == "" {
		field = DefaultField
	}
	m.mu.Lock()
	m.generation++
	generation := m.generation
	m.progress = 0
	m.file = &file
	m.mu.Unlock()

	report := func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		m.mu.Lock()
		if m.generation != generation {
			m.mu.Unlock()
			return
		}
		m.progress = pct
		m.mu.Unlock()
		if opts.OnProgress != nil {
			opts.OnProgress(pct)
		}
	}

	result, err := m.handle.Execute(ctx, func(ctx context.Context) (T, error) {
		return send(ctx, Payload{Field: field, File: file}, report)
	}, request.Options[T]{
		SuccessMessage: opts.SuccessMessage,
		NotifyErrors:   opts.NotifyErrors,
		OnSuccess:      opts.OnSuccess,
		OnError:        opts.OnError,
	})

	m.mu.Lock()
	if m.generation == generation {
		m.generation++
		m.progress = 0
		m.file = nil
	}
	m.mu.Unlock()
	return result, err
}

// Cancel aborts the transfer in flight.
func (m *Manager[T]) Cancel() {
	m.handle.Cancel()
	m.reset()
}

func (m *Manager[T]) Close() error {
	err := m.handle.Close()
	m.reset()
	return err
}

func (m *Manager[T]) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.progress = 0
	m.file = nil
}

// HTTPSender posts payloads as multipart/form-data to path on client.
func HTTPSender(client *transport.HTTPClient, path string) Sender[transport.StoredFile] {
	return func(ctx context.Context, payload Payload, onProgress ProgressFunc) (transport.StoredFile, error) {
		var out struct {
			Data transport.StoredFile `json:"data"`
		}
		err := client.Upload(ctx, path, transport.UploadFile{
			Field:       payload.Field,
			Name:        payload.File.Name,
			ContentType: payload.File.ContentType,
			Body:        payload.File.Reader,
			Size:        payload.File.Size,
		}, onProgress, &out)
		return out.Data, err
	}
}
