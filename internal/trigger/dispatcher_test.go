package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) *datastore.Store {
	t.Helper()
	store, err := datastore.New(datastore.Config{Backend: datastore.NewMemoryBackend()})
	require.NoError(t, err)
	return store
}

func startDispatcher(t *testing.T, store *datastore.Store, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = time.Millisecond
	}
	dispatcher, err := NewDispatcher(cfg)
	require.NoError(t, err)
	if store != nil {
		store.OnCommit(dispatcher.Publish)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = dispatcher.Close()
		<-done
	})

	select {
	case <-dispatcher.Running():
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not start")
	}
	return dispatcher
}

func waitIdle(t *testing.T, dispatcher *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.WaitIdle(ctx))
}

type recordedChanges struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recordedChanges) handle(_ context.Context, change Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

func (r *recordedChanges) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestNewDispatcherValidatesBindings(t *testing.T) {
	_, err := NewDispatcher(Config{})
	require.Error(t, err)

	_, err = NewDispatcher(Config{Bindings: []Binding{{Name: "a", Pattern: MustParsePattern("/a/{id}")}}})
	require.ErrorIs(t, err, errMissingHandler)

	noop := func(context.Context, Change) error { return nil }
	_, err = NewDispatcher(Config{Bindings: []Binding{
		{Name: "a", Pattern: MustParsePattern("/a/{id}"), Handler: noop},
		{Name: "a", Pattern: MustParsePattern("/b/{id}"), Handler: noop},
	}})
	require.ErrorIs(t, err, errDuplicateName)
}

func TestDispatcherDeliversMatchingChanges(t *testing.T) {
	store := newMemoryStore(t)
	observations := &recordedChanges{}
	likes := &recordedChanges{}
	dispatcher := startDispatcher(t, store, Config{Bindings: []Binding{
		{Name: "observations", Pattern: MustParsePattern("/observations/{obsId}"), Handler: observations.handle},
		{Name: "observation-likes", Pattern: MustParsePattern("/observations/{obsId}/likes/{userId}"), Handler: likes.handle},
	}})

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, datastore.MustParsePath("/observations/obs1"), map[string]any{"observer": "u1"}))
	waitIdle(t, dispatcher)
	require.NoError(t, store.Write(ctx, datastore.MustParsePath("/observations/obs1/likes/u2"), true))
	waitIdle(t, dispatcher)
	require.NoError(t, store.Write(ctx, datastore.MustParsePath("/sites/ACES"), map[string]any{"name": "Aspen"}))
	waitIdle(t, dispatcher)

	assert.Len(t, observations.snapshot(), 2)
	recorded := likes.snapshot()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Created())
	assert.Equal(t, "u2", recorded[0].Param("userId"))
	assert.Equal(t, int64(0), dispatcher.Pending())
}

func TestDispatcherRetriesFailedHandlers(t *testing.T) {
	store := newMemoryStore(t)
	var calls atomic.Int32
	dispatcher := startDispatcher(t, store, Config{
		RetryMaxRetries: 3,
		Bindings: []Binding{{
			Name:    "flaky",
			Pattern: MustParsePattern("/ideas/{ideaId}"),
			Handler: func(context.Context, Change) error {
				if calls.Add(1) < 3 {
					return errors.New("transient")
				}
				return nil
			},
		}},
	})

	require.NoError(t, store.Write(context.Background(), datastore.MustParsePath("/ideas/i1"), map[string]any{"content": "x"}))
	waitIdle(t, dispatcher)

	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcherPoisonsExhaustedDeliveries(t *testing.T) {
	store := newMemoryStore(t)
	var calls atomic.Int32
	dispatcher := startDispatcher(t, store, Config{
		RetryMaxRetries: 1,
		Bindings: []Binding{{
			Name:    "broken",
			Pattern: MustParsePattern("/ideas/{ideaId}"),
			Handler: func(context.Context, Change) error {
				calls.Add(1)
				return errors.New("permanent")
			},
		}},
	})

	require.NoError(t, store.Write(context.Background(), datastore.MustParsePath("/ideas/i1"), map[string]any{"content": "x"}))
	waitIdle(t, dispatcher)

	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcherRecoversHandlerPanics(t *testing.T) {
	store := newMemoryStore(t)
	var calls atomic.Int32
	dispatcher := startDispatcher(t, store, Config{
		RetryMaxRetries: 2,
		Bindings: []Binding{{
			Name:    "panicky",
			Pattern: MustParsePattern("/ideas/{ideaId}"),
			Handler: func(context.Context, Change) error {
				if calls.Add(1) == 1 {
					panic("boom")
				}
				return nil
			},
		}},
	})

	require.NoError(t, store.Write(context.Background(), datastore.MustParsePath("/ideas/i1"), map[string]any{"content": "x"}))
	waitIdle(t, dispatcher)

	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcherReentrantWritesConverge(t *testing.T) {
	store := newMemoryStore(t)
	var passes atomic.Int32
	dispatcher := startDispatcher(t, store, Config{Bindings: []Binding{{
		Name:    "backfill",
		Pattern: MustParsePattern("/observations/{obsId}"),
		Handler: func(ctx context.Context, change Change) error {
			passes.Add(1)
			doc := change.CurrentDocument()
			if doc == nil {
				return nil
			}
			path := datastore.MustParsePath("/observations/" + change.Param("obsId"))
			if _, ok := doc["site"]; !ok {
				return store.Update(ctx, path, map[string]any{"site": "ACES"})
			}
			if _, ok := doc["l"]; !ok {
				return store.Update(ctx, path, map[string]any{"l": []any{-106.8, 39.2}})
			}
			return nil
		},
	}}})

	require.NoError(t, store.Write(context.Background(), datastore.MustParsePath("/observations/obs1"), map[string]any{"observer": "u1"}))
	waitIdle(t, dispatcher)

	value, err := store.Read(context.Background(), datastore.MustParsePath("/observations/obs1"))
	require.NoError(t, err)
	doc := value.(map[string]any)
	assert.Equal(t, "ACES", doc["site"])
	assert.Equal(t, []any{-106.8, 39.2}, doc["l"])
	assert.Equal(t, int32(3), passes.Load())
}

func TestDispatcherDeliversEvents(t *testing.T) {
	received := make(chan string, 1)
	dispatcher := startDispatcher(t, nil, Config{Events: []EventBinding{{
		Name:  "accounts",
		Topic: "accounts.created",
		Handler: func(_ context.Context, payload []byte) error {
			received <- string(payload)
			return nil
		},
	}}})

	require.NoError(t, dispatcher.PublishEvent(context.Background(), "accounts.created", map[string]string{"uid": "u1"}))
	require.NoError(t, dispatcher.PublishEvent(context.Background(), "accounts.unknown", map[string]string{"uid": "u2"}))
	waitIdle(t, dispatcher)

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"uid":"u1"}`, payload)
	case <-time.After(time.Second):
		t.Fatalf("event was not delivered")
	}
}

func TestDispatcherHoldsChangesPublishedBeforeRun(t *testing.T) {
	store := newMemoryStore(t)
	recorder := &recordedChanges{}
	dispatcher, err := NewDispatcher(Config{
		Bindings: []Binding{{
			Name:    "observations",
			Pattern: MustParsePattern("/observations/{obsId}"),
			Handler: recorder.handle,
		}},
		Events: []EventBinding{{
			Name:    "accounts",
			Topic:   "accounts.created",
			Handler: func(context.Context, []byte) error { return nil },
		}},
		RetryInitialInterval: time.Millisecond,
	})
	require.NoError(t, err)
	store.OnCommit(dispatcher.Publish)

	require.NoError(t, store.Write(context.Background(), datastore.MustParsePath("/observations/obs1"), map[string]any{"observer": "u1"}))
	require.NoError(t, dispatcher.PublishEvent(context.Background(), "accounts.created", map[string]string{"uid": "u1"}))
	assert.Equal(t, int64(2), dispatcher.Pending())
	assert.Empty(t, recorder.snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = dispatcher.Close()
		<-done
	})

	waitIdle(t, dispatcher)
	changes := recorder.snapshot()
	require.Len(t, changes, 1)
	assert.Equal(t, "obs1", changes[0].Param("obsId"))
	assert.Equal(t, int64(0), dispatcher.Pending())
}

func TestDispatcherListsBoundCollections(t *testing.T) {
	noop := func(context.Context, Change) error { return nil }
	dispatcher, err := NewDispatcher(Config{
		Bindings: []Binding{
			{Name: "observation-likes", Pattern: MustParsePattern("/observations/{obsId}/likes/{userId}"), Handler: noop},
			{Name: "comments", Pattern: MustParsePattern("/comments/{commentId}"), Handler: noop},
			{Name: "observations", Pattern: MustParsePattern("/observations/{obsId}"), Handler: noop},
		},
		Events: []EventBinding{{
			Name:    "accounts",
			Topic:   "accounts.created",
			Handler: func(context.Context, []byte) error { return nil },
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dispatcher.Close() })

	assert.Equal(t, []string{"comments", "observations"}, dispatcher.Collections())
}
