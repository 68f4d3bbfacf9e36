package propagation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/naturenet/naturenet-node/internal/users"
)

func TestWelcomeIsSentOnce(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Ada"})
	event := users.AccountCreated{UserID: "u1", Email: "ada@example.org"}

	for i := 0; i < 2; i++ {
		if err := h.engine.Welcome(context.Background(), event); err != nil {
			t.Fatalf("welcome failed: %v", err)
		}
	}

	sent := h.notifier.emailsTo("ada@example.org")
	if len(sent) != 1 {
		t.Fatalf("expected one welcome email, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Body, "Dear Ada,") {
		t.Fatalf("expected display name in greeting, got %q", sent[0].Body)
	}
	if marker := h.readDoc("/users-private/u1/notices/welcome"); marker["sent_at"] == nil {
		t.Fatalf("expected welcome marker, got %v", marker)
	}
}

func TestWelcomeFallsBackToEmailLocalPart(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Welcome(context.Background(), users.AccountCreated{UserID: "u9", Email: "grace.h@example.org"}); err != nil {
		t.Fatalf("welcome failed: %v", err)
	}
	sent := h.notifier.emailsTo("grace.h@example.org")
	if len(sent) != 1 || !strings.Contains(sent[0].Body, "Dear grace.h,") {
		t.Fatalf("expected greeting with the local part, got %+v", sent)
	}
}

func TestWelcomeUsesDirectoryAddress(t *testing.T) {
	h := newHarness(t)
	h.addUser("u1", map[string]any{"display_name": "Ada"})
	if err := h.engine.Welcome(context.Background(), users.AccountCreated{UserID: "u1"}); err != nil {
		t.Fatalf("welcome failed: %v", err)
	}
	if sent := h.notifier.emailsTo("u1@example.org"); len(sent) != 1 {
		t.Fatalf("expected welcome to the directory address, got %d", len(sent))
	}
}

func TestWelcomeWaitHonoursCancellation(t *testing.T) {
	h := newHarness(t, func(cfg *EngineConfig) {
		cfg.WelcomeAttempts = 3
		cfg.WelcomeRetryDelay = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.engine.Welcome(ctx, users.AccountCreated{UserID: "u1", Email: "ada@example.org"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "propagation.account.display_name_wait_cancelled" {
		t.Fatalf("expected cancelled wait, got %v", err)
	}
	if h.notifier.emailCount() != 0 {
		t.Fatalf("no email may be sent after cancellation")
	}
	if marker := h.read("/users-private/u1/notices/welcome"); marker != nil {
		t.Fatalf("marker must not be written, got %v", marker)
	}
}

func TestAccountCreatedEventThroughDispatcher(t *testing.T) {
	h := newHarness(t)
	dispatcher := h.startDispatcher()
	h.addUser("u1", map[string]any{"display_name": "Ada"})

	event := users.AccountCreated{UserID: "u1", Email: "ada@example.org", CreatedAt: h.clock()}
	if err := dispatcher.PublishEvent(context.Background(), users.TopicAccountCreated, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	h.waitIdle(dispatcher)

	if sent := h.notifier.emailsTo("ada@example.org"); len(sent) != 1 {
		t.Fatalf("expected one welcome email, got %d", len(sent))
	}
}

func TestAccountCreatedEventRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.handleAccountCreatedEvent(context.Background(), []byte("{not json")); err != nil {
		t.Fatalf("invalid payloads must be acknowledged, got %v", err)
	}
	if h.notifier.emailCount() != 0 {
		t.Fatalf("expected no email")
	}
}
