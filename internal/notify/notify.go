// Package notify is the user-visible notification sink. The core only pushes
// notices into it; rendering them is the caller's business.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

type Level int

const (
	LevelSuccess Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	default:
		return "error"
	}
}

type Notice struct {
	Level   Level
	Message string
	Code    string
	// Fields carries per-field validation messages when the server sent any.
	Fields map[string]string
}

type Notifier interface {
	Notify(Notice)
}

// Func adapts a plain function to Notifier.
type Func func(Notice)

func (f Func) Notify(n Notice) {
	f(n)
}

// Discard drops every notice.
var Discard Notifier = Func(func(Notice) {})

// OrDiscard returns n, or Discard when n is nil.
func OrDiscard(n Notifier) Notifier {
	if n == nil {
		return Discard
	}
	return n
}

// Log writes notices to logger. Used by the CLI where there is no UI toast.
func Log(logger *slog.Logger) Notifier {
	if logger == nil {
		return Discard
	}
	return Func(func(n Notice) {
		level := slog.LevelInfo
		switch n.Level {
		case LevelWarning:
			level = slog.LevelWarn
		case LevelError:
			level = slog.LevelError
		}
		attrs := []slog.Attr{slog.String("kind", n.Level.String())}
		if n.Code != "" {
			attrs = append(attrs, slog.String("code", n.Code))
		}
		for field, msg := range n.Fields {
			attrs = append(attrs, slog.String("field."+field, msg))
		}
		logger.LogAttrs(context.Background(), level, n.Message, attrs...)
	})
}

// Recorder keeps every notice it receives. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
