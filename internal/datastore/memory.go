package datastore

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in process memory. It backs dry runs and tests.
type MemoryBackend struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]map[string]map[string]any)}
}

func (b *MemoryBackend) Load(_ context.Context, collection, recordID string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.collections[collection][recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (b *MemoryBackend) Mutate(_ context.Context, collection, recordID string, fn MutateFunc) (map[string]any, map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	previous := cloneDocument(b.collections[collection][recordID])
	next, err := fn(cloneDocument(previous))
	if err != nil {
		return nil, nil, err
	}
	if next == nil {
		delete(b.collections[collection], recordID)
		return previous, nil, nil
	}
	records, ok := b.collections[collection]
	if !ok {
		records = make(map[string]map[string]any)
		b.collections[collection] = records
	}
	records[recordID] = cloneDocument(next)
	return previous, cloneDocument(next), nil
}

func (b *MemoryBackend) List(_ context.Context, collection string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedRecords(collection, func(map[string]any) bool { return true }), nil
}

func (b *MemoryBackend) QueryEqual(_ context.Context, collection, field string, value any) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedRecords(collection, func(doc map[string]any) bool {
		candidate, ok := doc[field]
		return ok && ValuesEqual(candidate, value)
	}), nil
}

func (b *MemoryBackend) sortedRecords(collection string, keep func(map[string]any) bool) []Record {
	records := b.collections[collection]
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	result := make([]Record, 0, len(ids))
	for _, id := range ids {
		if keep(records[id]) {
			result = append(result, Record{ID: id, Document: cloneDocument(records[id])})
		}
	}
	return result
}
