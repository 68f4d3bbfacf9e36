package propagation

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/naturenet/naturenet-node/internal/metrics"
	"github.com/naturenet/naturenet-node/internal/notify"
	"github.com/naturenet/naturenet-node/internal/users"
	"go.uber.org/zap"
)

const noticeWelcome = "welcome"

func (e *Engine) handleAccountCreatedEvent(ctx context.Context, payload []byte) error {
	var event users.AccountCreated
	if err := json.Unmarshal(payload, &event); err != nil {
		e.logError(opAccountRule, "invalid_event", fmt.Errorf("%w: %v", errInvalidEventBody, err))
		return nil
	}
	return e.Welcome(ctx, event)
}

// Welcome sends the one-time welcome email for a newly provisioned account. The display name is written by the
// app shortly after sign-up, so it is polled for a bounded number of attempts before the address's local part
// is used instead.
func (e *Engine) Welcome(ctx context.Context, event users.AccountCreated) error {
	userID := strings.TrimSpace(event.UserID)
	if userID == "" {
		e.logError(opAccountRule, "missing_user_id", errInvalidEventBody)
		return nil
	}
	metrics.RecordBranch(RuleAccount, branchCreated)

	var waitErr error
	e.sendOnce(ctx, opAccountRule, RuleAccount, userID, noticeWelcome, func() bool {
		address := strings.TrimSpace(event.Email)
		if address == "" {
			address = e.resolveRecipient(ctx, opAccountRule, userID).Email
		}
		if address == "" {
			e.logLookupMiss(opAccountRule, "email_missing", nil, zap.String("user_id", userID))
			return false
		}

		displayName, err := e.awaitDisplayName(ctx, userID)
		if err != nil {
			waitErr = err
			return false
		}
		if displayName == "" {
			displayName = userProfile{ID: userID, Email: address}.name()
		}
		return e.notifier.Email(ctx, notify.WelcomeEmail(address, displayName))
	})
	if waitErr != nil {
		return newServiceError(opAccountRule, "display_name_wait_cancelled", waitErr)
	}
	return nil
}

func (e *Engine) awaitDisplayName(ctx context.Context, userID string) (string, error) {
	for attempt := 1; attempt <= e.welcomeAttempts; attempt++ {
		profile, _ := e.readProfile(ctx, opAccountRule, userID)
		if profile.DisplayName != "" {
			return profile.DisplayName, nil
		}
		if attempt == e.welcomeAttempts || e.welcomeRetryDelay == 0 {
			continue
		}
		timer := time.NewTimer(e.welcomeRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	e.logger.Info("display name unavailable, using email", zap.String("user_id", userID))
	return "", nil
}
