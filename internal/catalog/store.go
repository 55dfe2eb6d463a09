// Package catalog is the record store behind the development server. Records
// live in per-kind collections, carry a revision that changes on every write,
// and are persisted through a pluggable StateBackend.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
)

type ConflictError struct {
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict: expected %s, current %s", e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// ValidationError lists the offending fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

type Record struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Status     string            `json:"status,omitempty"`
	Revision   string            `json:"revision"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func (r Record) clone() Record {
	if r.Attributes != nil {
		attrs := make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		r.Attributes = attrs
	}
	return r
}

// Snapshot is the persisted form of a Store.
type Snapshot struct {
	RevCounter  uint64                       `json:"revCounter"`
	Collections map[string]map[string]Record `json:"collections"`
}

type ListFilter struct {
	Status string
	// Query matches a case-insensitive substring of the name.
	Query string
}

type ListResult struct {
	Items []Record
	Page  int
	Pages int
	Total int
}

type StoreOptions struct {
	StateBackend StateBackend
	Now          func() time.Time
}

type Store struct {
	mu           sync.RWMutex
	collections  map[string]map[string]Record
	revCounter   uint64
	stateBackend StateBackend
	now          func() time.Time
	closeOnce    sync.Once
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

// NewStoreWithOptions loads any persisted snapshot from the backend.
func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		collections:  map[string]map[string]Record{},
		stateBackend: opts.StateBackend,
		now:          now,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load catalog state: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			err = closer.Close()
		}
	})
	return err
}

// List returns one page of kind in creation order. Page numbers start at 1;
// a page past the end is empty.
func (s *Store) List(kind string, filter ListFilter, page, pageSize int) (ListResult, error) {
	kind = normalizeKind(kind)
	if kind == "" || page < 1 || pageSize < 1 {
		return ListResult{}, ErrInvalidInput
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	s.mu.RLock()
	matched := make([]Record, 0, len(s.collections[kind]))
	for _, rec := range s.collections[kind] {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(rec.Name), query) {
			continue
		}
		matched = append(matched, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	pages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return ListResult{Items: matched[start:end], Page: page, Pages: pages, Total: total}, nil
}

func (s *Store) Get(kind, id string) (Record, error) {
	kind = normalizeKind(kind)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// Create assigns the id, revision and timestamps; caller-supplied values for
// those fields are ignored.
func (s *Store) Create(kind string, rec Record) (Record, error) {
	kind = normalizeKind(kind)
	if kind == "" {
		return Record{}, ErrInvalidInput
	}
	if err := validate(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec = rec.clone()
	rec.ID = uuid.NewString()
	rec.Kind = kind
	rec.Revision = s.nextRevisionLocked()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if s.collections[kind] == nil {
		s.collections[kind] = map[string]Record{}
	}
	s.collections[kind][rec.ID] = rec
	if err := s.saveLocked(); err != nil {
		delete(s.collections[kind], rec.ID)
		return Record{}, err
	}
	return rec.clone(), nil
}

// Update replaces name, status and attributes. A non-empty ifMatch must equal
// the current revision.
func (s *Store) Update(kind, id, ifMatch string, rec Record) (Record, error) {
	kind = normalizeKind(kind)
	if err := validate(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.collections[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if ifMatch != "" && ifMatch != existing.Revision {
		return Record{}, &ConflictError{ExpectedRevision: ifMatch, CurrentRevision: existing.Revision}
	}
	previous := existing
	updated := rec.clone()
	updated.ID = existing.ID
	updated.Kind = kind
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()
	updated.Revision = s.nextRevisionLocked()
	s.collections[kind][id] = updated
	if err := s.saveLocked(); err != nil {
		s.collections[kind][id] = previous
		return Record{}, err
	}
	return updated.clone(), nil
}

func (s *Store) Delete(kind, id, ifMatch string) error {
	kind = normalizeKind(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.collections[kind][id]
	if !ok {
		return ErrNotFound
	}
	if ifMatch != "" && ifMatch != existing.Revision {
		return &ConflictError{ExpectedRevision: ifMatch, CurrentRevision: existing.Revision}
	}
	delete(s.collections[kind], id)
	if err := s.saveLocked(); err != nil {
		s.collections[kind][id] = existing
		return err
	}
	return nil
}

func validate(rec Record) error {
	if strings.TrimSpace(rec.Name) == "" {
		return &ValidationError{Fields: map[string]string{"name": "is required"}}
	}
	return nil
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(kind), "/"))
}

func (s *Store) nextRevisionLocked() string {
	s.revCounter++
	return fmt.Sprintf("rev_%d", s.revCounter)
}

func (s *Store) load() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	for kind, records := range snapshot.Collections {
		if records == nil {
			records = map[string]Record{}
		}
		s.collections[kind] = records
	}
	s.revCounter = snapshot.RevCounter
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&Snapshot{
		RevCounter:  s.revCounter,
		Collections: s.collections,
	})
}
