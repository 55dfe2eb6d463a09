package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrAborted marks a call that was superseded or cancelled. It is never a
	// user-visible failure.
	ErrAborted  = errors.New("request aborted")
	ErrConflict = errors.New("revision conflict")
)

// Kind is the closed set of failure classes a call can end with.
type Kind int

const (
	KindNone Kind = iota
	KindAborted
	KindNetwork
	KindHTTP
	KindConnection
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAborted:
		return "aborted"
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	case KindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// NetworkError means no response was received: dial failures, resets and
// transport timeouts all land here.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network error: %v", e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

type HTTPError struct {
	StatusCode  int
	Code        string
	Message     string
	FieldErrors map[string]string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// IsValidation reports whether the server rejected the payload field by field.
func (e *HTTPError) IsValidation() bool {
	return e.StatusCode == http.StatusUnprocessableEntity || len(e.FieldErrors) > 0
}

// Failure is the structured, UI-facing view of an error.
type Failure struct {
	Kind        Kind
	StatusCode  int
	Code        string
	Message     string
	FieldErrors map[string]string
}

// IsAborted reports whether err is a cancellation that callers should ignore.
func IsAborted(err error) bool {
	return err != nil && (errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled))
}

// Classify maps err onto the failure taxonomy. Deadlines are network errors:
// the transport enforces the per-call ceiling.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if IsAborted(err) {
		return KindAborted
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return KindHTTP
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var connErr interface{ ConnectionFailure() bool }
	if errors.As(err, &connErr) && connErr.ConnectionFailure() {
		return KindConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var opErr net.Error
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindUnknown
}

// Describe flattens err into a Failure. A nil error yields the zero Failure.
func Describe(err error) Failure {
	kind := Classify(err)
	if kind == KindNone {
		return Failure{}
	}
	out := Failure{Kind: kind, Message: err.Error()}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		out.StatusCode = httpErr.StatusCode
		out.Code = httpErr.Code
		out.Message = httpErr.Message
		if out.Message == "" {
			out.Message = http.StatusText(httpErr.StatusCode)
		}
		if len(httpErr.FieldErrors) > 0 {
			out.FieldErrors = make(map[string]string, len(httpErr.FieldErrors))
			for field, msg := range httpErr.FieldErrors {
				out.FieldErrors[field] = msg
			}
		}
	}
	return out
}

func (f Failure) String() string {
	if len(f.FieldErrors) == 0 {
		return f.Message
	}
	fields := make([]string, 0, len(f.FieldErrors))
	for field := range f.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+f.FieldErrors[field])
	}
	return f.Message + " (" + strings.Join(parts, "; ") + ")"
}
