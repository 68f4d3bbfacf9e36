package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidPath reports a malformed path or a path at the wrong depth for the operation.
	ErrInvalidPath = errors.New("datastore: invalid path")
	// ErrInvalidValue reports a value that cannot be represented in the JSON data model.
	ErrInvalidValue = errors.New("datastore: invalid value")
	// ErrNotFound is returned by backends when a record does not exist.
	ErrNotFound = errors.New("datastore: record not found")

	errMissingBackend = errors.New("datastore: backend is required")
	noOpLogger        = zap.NewNop()
)

// Record is a stored document with its identifier.
type Record struct {
	ID       string
	Document map[string]any
}

// RecordChange describes one committed record mutation. A nil Previous means the record was created, a nil
// Current means it was removed.
type RecordChange struct {
	Collection  string         `json:"collection"`
	RecordID    string         `json:"record_id"`
	Previous    map[string]any `json:"previous,omitempty"`
	Current     map[string]any `json:"current,omitempty"`
	CommittedAt time.Time      `json:"committed_at"`
}

// MutateFunc computes the next document from the previous one. Returning nil removes the record.
type MutateFunc func(previous map[string]any) (map[string]any, error)

// Backend persists record documents. Mutate must apply fn atomically for a single record.
type Backend interface {
	Load(ctx context.Context, collection, recordID string) (map[string]any, error)
	Mutate(ctx context.Context, collection, recordID string, fn MutateFunc) (previous, current map[string]any, err error)
	List(ctx context.Context, collection string) ([]Record, error)
	QueryEqual(ctx context.Context, collection, field string, value any) ([]Record, error)
}

// CommitHook observes committed changes. Hooks run synchronously after the backend commit.
type CommitHook func(ctx context.Context, change RecordChange)

// Config wires a Store.
type Config struct {
	Backend Backend
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Store is the path addressed view over a Backend. Every mutation that changes a record is reported to the
// registered commit hooks.
type Store struct {
	backend Backend
	clock   func() time.Time
	logger  *zap.Logger

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{backend: cfg.Backend, clock: clock, logger: logger}, nil
}

// OnCommit registers a hook invoked after every committed change.
func (s *Store) OnCommit(hook CommitHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Read returns the value at path, or nil when nothing is stored there. Reading a collection path returns a
// map of record identifiers to documents.
func (s *Store) Read(ctx context.Context, path Path) (any, error) {
	if path.IsZero() {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if path.Depth() == 1 {
		records, err := s.backend.List(ctx, path.Collection())
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		collection := make(map[string]any, len(records))
		for _, record := range records {
			collection[record.ID] = record.Document
		}
		return collection, nil
	}

	doc, err := s.backend.Load(ctx, path.Collection(), path.RecordID())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lookup(doc, path.Fields()), nil
}

// Write replaces the value at path. A nil value removes it.
func (s *Store) Write(ctx context.Context, path Path, value any) error {
	if path.Depth() < 2 {
		return fmt.Errorf("%w: write requires a record path, got %s", ErrInvalidPath, path)
	}
	normalized, err := Normalize(value)
	if err != nil {
		return err
	}
	return s.mutate(ctx, path, func(previous map[string]any) (map[string]any, error) {
		return assign(previous, path.Fields(), normalized)
	})
}

// Update sets several children below path in one atomic record mutation. Keys may contain slashes to address
// deeper descendants. A nil value removes that child.
func (s *Store) Update(ctx context.Context, path Path, values map[string]any) error {
	if path.Depth() < 2 {
		return fmt.Errorf("%w: update requires a record path, got %s", ErrInvalidPath, path)
	}
	if len(values) == 0 {
		return nil
	}

	type assignment struct {
		fields []string
		value  any
	}
	assignments := make([]assignment, 0, len(values))
	for _, key := range SortedKeys(values) {
		relative, err := NewPath(strings.Split(strings.Trim(key, pathSeparator), pathSeparator)...)
		if err != nil {
			return err
		}
		normalized, err := Normalize(values[key])
		if err != nil {
			return err
		}
		fields := append(path.Fields(), relative.Segments()...)
		assignments = append(assignments, assignment{fields: fields, value: normalized})
	}

	return s.mutate(ctx, path, func(previous map[string]any) (map[string]any, error) {
		next := cloneDocument(previous)
		for _, item := range assignments {
			var err error
			next, err = assign(next, item.fields, item.value)
			if err != nil {
				return nil, err
			}
		}
		return next, nil
	})
}

// Remove deletes the value at path. Removing an absent path is a no-op.
func (s *Store) Remove(ctx context.Context, path Path) error {
	return s.Write(ctx, path, nil)
}

// QueryEqual returns the records of collection whose top-level field equals value, ordered by identifier.
func (s *Store) QueryEqual(ctx context.Context, collection, field string, value any) ([]Record, error) {
	if err := validateSegment(collection); err != nil {
		return nil, err
	}
	if err := validateSegment(field); err != nil {
		return nil, err
	}
	normalized, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	return s.backend.QueryEqual(ctx, collection, field, normalized)
}

// List returns every record of collection, ordered by identifier.
func (s *Store) List(ctx context.Context, collection string) ([]Record, error) {
	if err := validateSegment(collection); err != nil {
		return nil, err
	}
	return s.backend.List(ctx, collection)
}

func (s *Store) mutate(ctx context.Context, path Path, fn MutateFunc) error {
	previous, current, err := s.backend.Mutate(ctx, path.Collection(), path.RecordID(), fn)
	if err != nil {
		s.logger.Error("record mutation failed",
			zap.String("path", path.String()),
			zap.Error(err))
		return err
	}
	if documentsEqual(previous, current) {
		return nil
	}

	change := RecordChange{
		Collection:  path.Collection(),
		RecordID:    path.RecordID(),
		Previous:    previous,
		Current:     current,
		CommittedAt: s.clock().UTC(),
	}
	s.hooksMu.RLock()
	hooks := append([]CommitHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, change)
	}
	return nil
}
