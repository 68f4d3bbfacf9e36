package propagation

import (
	"context"
	"reflect"
	"testing"
)

func TestLikeFeedFollowsLikeTransitions(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.mustWrite("/observations/obs1", map[string]any{"observer": "u1"})
	params := map[string]string{"entityId": "obs1", "userId": "u2"}
	handler := h.engine.likeHandler(collectionObservations)

	steps := []struct {
		name     string
		previous any
		current  any
		want     any
	}{
		{name: "created", previous: nil, current: true, want: true},
		{name: "changed", previous: true, current: false, want: false},
		{name: "removed", previous: false, current: nil},
	}
	for _, step := range steps {
		change := recordChange(t, "/observations/obs1/likes/u2", params, step.previous, step.current)
		if err := handler(context.Background(), change); err != nil {
			t.Fatalf("%s: handler failed: %v", step.name, err)
		}
		keys := h.keys("/users-private/u1/likes")
		if step.current == nil {
			if len(keys) != 0 {
				t.Fatalf("%s: expected no likes entry, got %v", step.name, keys)
			}
			continue
		}
		if !reflect.DeepEqual(keys, []string{"obs1_u2"}) {
			t.Fatalf("%s: expected a single likes entry, got %v", step.name, keys)
		}
		entry := h.readDoc("/users-private/u1/likes/obs1_u2")
		if entry["value"] != step.want || entry["seen"] != false {
			t.Fatalf("%s: unexpected entry %v", step.name, entry)
		}
		if entry["post"] != "obs1" || entry["user"] != "u2" || entry["context"] != collectionObservations {
			t.Fatalf("%s: entry lost its identity fields: %v", step.name, entry)
		}
	}
	if h.notifier.emailCount() != 0 {
		t.Fatalf("likes must not notify")
	}
}

func TestLikeOnIdeaThroughDispatcher(t *testing.T) {
	h := newHarness(t)
	dispatcher := h.startDispatcher()
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.mustWrite("/ideas/idea1", map[string]any{"submitter": "u1", "status": "open", "content": "benches"})
	h.waitIdle(dispatcher)

	h.mustWrite("/ideas/idea1/likes/u2", true)
	h.waitIdle(dispatcher)
	if entry := h.readDoc("/users-private/u1/likes/idea1_u2"); entry["value"] != true || entry["context"] != collectionIdeas {
		t.Fatalf("unexpected likes entry %v", entry)
	}

	h.mustRemove("/ideas/idea1/likes/u2")
	h.waitIdle(dispatcher)
	if entry := h.read("/users-private/u1/likes/idea1_u2"); entry != nil {
		t.Fatalf("expected likes entry removed, got %v", entry)
	}
}

func TestLikeWithoutOwnerIsSkipped(t *testing.T) {
	h := newHarness(t)
	change := recordChange(t, "/observations/missing/likes/u2", map[string]string{"entityId": "missing", "userId": "u2"}, nil, true)

	if err := h.engine.likeHandler(collectionObservations)(context.Background(), change); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if feeds := h.read("/users-private"); feeds != nil {
		t.Fatalf("expected no feed writes, got %v", feeds)
	}
}

func TestLikeChangeRestoresMissingFeedEntry(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.mustWrite("/ideas/idea1", map[string]any{"submitter": "u1"})

	params := map[string]string{"entityId": "idea1", "userId": "u2"}
	change := recordChange(t, "/ideas/idea1/likes/u2", params, true, false)
	if err := h.engine.likeHandler(collectionIdeas)(context.Background(), change); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	entry := h.readDoc("/users-private/u1/likes/idea1_u2")
	if entry["context"] != collectionIdeas || entry["post"] != "idea1" || entry["user"] != "u2" {
		t.Fatalf("expected a complete likes entry, got %v", entry)
	}
	if entry["value"] != false || entry["seen"] != false || entry["created_at"] == nil {
		t.Fatalf("unexpected likes entry %v", entry)
	}
}
