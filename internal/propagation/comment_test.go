package propagation

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func commentDoc(commenter, parent, text string) map[string]any {
	return map[string]any{"commenter": commenter, "parent": parent, "context": "observations", "comment": text}
}

func TestCommentCreateThenDelete(t *testing.T) {
	h := newHarness(t)
	dispatcher := h.startDispatcher()
	h.addUser("u1", map[string]any{"display_name": "Owner", "notification_token": "token-u1"})
	h.addUser("u2", map[string]any{"display_name": "Commenter"})
	h.mustWrite("/observations/obs1", map[string]any{"observer": "u1", "site": "ACES", "l": []any{-106.82, 39.19}})
	h.waitIdle(dispatcher)

	h.mustWrite("/comments/c1", commentDoc("u2", "obs1", "Nice heron"))
	h.waitIdle(dispatcher)

	entry := h.readDoc("/users-private/u1/comments/obs1_u2")
	if entry["text"] != "Nice heron" || entry["seen"] != false || entry["post"] != "obs1" || entry["user"] != "u2" {
		t.Fatalf("unexpected comments feed entry %v", entry)
	}
	if backlink := h.read("/observations/obs1/comments/c1"); backlink != true {
		t.Fatalf("expected backlink on parent, got %v", backlink)
	}
	ownerEmails := h.notifier.emailsWithSubject("u1@example.org", "Commenter commented on your NatureNet contribution")
	if len(ownerEmails) != 1 {
		t.Fatalf("expected one owner email, got %+v", ownerEmails)
	}
	if !strings.Contains(ownerEmails[0].Body, "your observation") {
		t.Fatalf("expected singular context in body, got %q", ownerEmails[0].Body)
	}
	if pushes := h.notifier.pushesTo("token-u1"); len(pushes) != 1 || pushes[0].Body != "Commenter commented on your observation." {
		t.Fatalf("expected one owner push, got %+v", pushes)
	}

	preDelete := h.readDoc("/comments/c1")
	h.mustRemove("/comments/c1")
	h.waitIdle(dispatcher)

	if removed := h.read("/users-private/u1/comments/obs1_u2"); removed != nil {
		t.Fatalf("expected comments feed entry removed, got %v", removed)
	}
	if copied := h.readDoc("/comments-deleted/c1"); !reflect.DeepEqual(copied, preDelete) {
		t.Fatalf("quarantine copy differs from the deleted comment: %v vs %v", copied, preDelete)
	}
	if backlink := h.read("/observations/obs1/comments/c1"); backlink != nil {
		t.Fatalf("expected backlink removed, got %v", backlink)
	}
}

func TestCommentSoftDeleteRemovesOriginal(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.mustWrite("/observations/obs1", map[string]any{"observer": "u1", "comments": map[string]any{"c1": true}})
	deleted := commentDoc("u2", "obs1", "oops")
	deleted["status"] = "Deleted"
	h.mustWrite("/comments/c1", deleted)
	h.mustWrite("/users-private/u1/comments/obs1_u2", map[string]any{"text": "oops"})

	change := recordChange(t, "/comments/c1", map[string]string{"commentId": "c1"}, commentDoc("u2", "obs1", "oops"), deleted)
	if err := h.engine.HandleComment(context.Background(), change); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if h.read("/comments/c1") != nil {
		t.Fatalf("expected original removed")
	}
	if h.read("/comments-deleted/c1") == nil {
		t.Fatalf("expected quarantine copy")
	}
	if h.read("/users-private/u1/comments/obs1_u2") != nil {
		t.Fatalf("expected feed entry removed")
	}
	if h.read("/observations/obs1/comments/c1") != nil {
		t.Fatalf("expected backlink removed")
	}
}

func TestCommentQuarantineFailureKeepsBacklink(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.mustWrite("/observations/obs1", map[string]any{"observer": "u1", "comments": map[string]any{"c1": true}})

	engine := h.newEngine(func(cfg *EngineConfig) {
		cfg.Store = &failingStore{Datastore: h.store, failPrefix: "/comments-deleted/"}
	})
	change := recordChange(t, "/comments/c1", map[string]string{"commentId": "c1"}, commentDoc("u2", "obs1", "hi"), nil)
	if err := engine.HandleComment(context.Background(), change); !errors.Is(err, ErrQuarantineAbandoned) {
		t.Fatalf("expected ErrQuarantineAbandoned, got %v", err)
	}
	if h.read("/observations/obs1/comments/c1") != true {
		t.Fatalf("backlink must stay while the deletion is abandoned")
	}
}

func TestCommentFanOutDeduplicatesParticipants(t *testing.T) {
	testCases := []struct {
		name       string
		owner      string
		wantOwner  int
		wantReply  map[string]int
		wantSilent []string
	}{
		{
			name:       "distinct owner",
			owner:      "uo",
			wantOwner:  1,
			wantReply:  map[string]int{"ua": 1, "ub": 1},
			wantSilent: []string{"uc"},
		},
		{
			name:       "owner took part in the thread",
			owner:      "ua",
			wantOwner:  1,
			wantReply:  map[string]int{"ub": 1},
			wantSilent: []string{"uc"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newHarness(t)
			for _, id := range []string{"ua", "ub", "uc", "uo"} {
				h.addUser(id, map[string]any{"display_name": strings.ToUpper(id), "notification_token": "token-" + id})
			}
			h.mustWrite("/observations/obs1", map[string]any{"observer": testCase.owner})
			h.mustWrite("/comments/c1", commentDoc("ua", "obs1", "first"))
			h.mustWrite("/comments/c2", commentDoc("ub", "obs1", "second"))
			h.mustWrite("/comments/c3", commentDoc("ua", "obs1", "third"))
			h.mustWrite("/comments/c4", commentDoc("uc", "obs1", "fourth"))
			h.mustWrite("/comments/c9", commentDoc("ub", "obs2", "elsewhere"))

			change := recordChange(t, "/comments/c4", map[string]string{"commentId": "c4"}, nil, commentDoc("uc", "obs1", "fourth"))
			if err := h.engine.HandleComment(context.Background(), change); err != nil {
				t.Fatalf("handler failed: %v", err)
			}

			ownerEmails := 0
			replies := make(map[string]int)
			for _, id := range []string{"ua", "ub", "uc", "uo"} {
				for _, email := range h.notifier.emailsTo(id + "@example.org") {
					if strings.Contains(email.Subject, "commented on your NatureNet contribution") {
						if id != testCase.owner {
							t.Fatalf("owner email sent to non-owner %s", id)
						}
						ownerEmails++
						continue
					}
					replies[id]++
				}
			}
			if ownerEmails != testCase.wantOwner {
				t.Fatalf("expected %d owner emails, got %d", testCase.wantOwner, ownerEmails)
			}
			if !reflect.DeepEqual(replies, testCase.wantReply) {
				t.Fatalf("expected reply emails %v, got %v", testCase.wantReply, replies)
			}
			for _, id := range testCase.wantSilent {
				if sent := h.notifier.emailsTo(id + "@example.org"); len(sent) != 0 {
					t.Fatalf("expected no email to %s, got %d", id, len(sent))
				}
				if pushes := h.notifier.pushesTo("token-" + id); len(pushes) != 0 {
					t.Fatalf("expected no push to %s, got %d", id, len(pushes))
				}
			}
			for id, count := range testCase.wantReply {
				if pushes := h.notifier.pushesTo("token-" + id); len(pushes) != count {
					t.Fatalf("expected %d pushes to %s, got %d", count, id, len(pushes))
				}
			}
		})
	}
}

func TestCommentFeedCreationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.addUser("u2", map[string]any{"display_name": "Commenter"})
	h.mustWrite("/observations/obs1", map[string]any{"observer": "u1"})

	first := recordChange(t, "/comments/c1", map[string]string{"commentId": "c1"}, nil, commentDoc("u2", "obs1", "first"))
	if err := h.engine.HandleComment(context.Background(), first); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	createdAt := h.read("/users-private/u1/comments/obs1_u2/created_at")

	h.advance(60_000_000_000)
	second := recordChange(t, "/comments/c2", map[string]string{"commentId": "c2"}, nil, commentDoc("u2", "obs1", "second"))
	if err := h.engine.HandleComment(context.Background(), second); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if err := h.engine.HandleComment(context.Background(), second); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if keys := h.keys("/users-private/u1/comments"); !reflect.DeepEqual(keys, []string{"obs1_u2"}) {
		t.Fatalf("expected one feed entry per thread participant, got %v", keys)
	}
	entry := h.readDoc("/users-private/u1/comments/obs1_u2")
	if entry["text"] != "second" {
		t.Fatalf("expected entry refreshed with the latest comment, got %v", entry["text"])
	}
	if entry["created_at"] != createdAt {
		t.Fatalf("expected created_at preserved, got %v want %v", entry["created_at"], createdAt)
	}
	if entry["updated_at"] == createdAt {
		t.Fatalf("expected updated_at refreshed")
	}
}

func TestCommentEditUpdatesFeedWithoutNotifying(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.mustWrite("/ideas/idea1", map[string]any{"submitter": "u1"})
	h.mustWrite("/users-private/u1/comments/idea1_u2", map[string]any{"text": "old", "seen": true, "created_at": 1})

	previous := map[string]any{"commenter": "u2", "parent": "idea1", "context": "ideas", "comment": "old"}
	current := map[string]any{"commenter": "u2", "parent": "idea1", "context": "ideas", "comment": "new"}
	change := recordChange(t, "/comments/c1", map[string]string{"commentId": "c1"}, previous, current)
	if err := h.engine.HandleComment(context.Background(), change); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	entry := h.readDoc("/users-private/u1/comments/idea1_u2")
	if entry["text"] != "new" || entry["seen"] != false || entry["created_at"] != float64(1) {
		t.Fatalf("unexpected edited entry %v", entry)
	}
	if h.notifier.emailCount() != 0 {
		t.Fatalf("edits must not notify")
	}
}

func TestCommentEditRestoresMissingFeedEntry(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Owner"})
	h.mustWrite("/observations/obs1", map[string]any{"observer": "u1"})

	previous := commentDoc("u2", "obs1", "first draft")
	current := commentDoc("u2", "obs1", "second draft")
	change := recordChange(t, "/comments/c2", map[string]string{"commentId": "c2"}, previous, current)
	if err := h.engine.HandleComment(context.Background(), change); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	entry := h.readDoc("/users-private/u1/comments/obs1_u2")
	if entry["context"] != "observations" || entry["post"] != "obs1" || entry["user"] != "u2" {
		t.Fatalf("expected a complete feed entry, got %v", entry)
	}
	if entry["text"] != "second draft" || entry["seen"] != false {
		t.Fatalf("unexpected feed content %v", entry)
	}
	if entry["created_at"] == nil || entry["created_at"] != entry["updated_at"] {
		t.Fatalf("expected created_at set with the entry, got %v", entry)
	}
	if h.notifier.emailCount() != 0 {
		t.Fatalf("edits must not notify")
	}
}
