package propagation

import (
	"context"

	"github.com/naturenet/naturenet-node/internal/metrics"
	"github.com/naturenet/naturenet-node/internal/notify"
	"github.com/naturenet/naturenet-node/internal/trigger"
	"go.uber.org/zap"
)

const (
	branchAbsent        = "absent"
	branchCreated       = "created"
	branchStatusChanged = "status_changed"
	branchUnchanged     = "unchanged"
)

// HandleIdea reacts to a write of /ideas/{ideaId}. Creation and status change are mutually exclusive: the
// status a new idea is created with never produces a status-change notification.
func (e *Engine) HandleIdea(ctx context.Context, change trigger.Change) error {
	id := change.Param("ideaId")
	current := change.CurrentDocument()
	if current == nil {
		metrics.RecordBranch(RuleIdea, branchAbsent)
		return nil
	}
	submitter := stringField(current, fieldSubmitter)

	if change.Previous == nil {
		metrics.RecordBranch(RuleIdea, branchCreated)
		e.ideaCreated(ctx, id, submitter, current)
		return nil
	}

	status := stringField(current, fieldStatus)
	if status == "" || status == stringField(change.PreviousDocument(), fieldStatus) {
		metrics.RecordBranch(RuleIdea, branchUnchanged)
		return nil
	}

	if isDeleted(current) {
		metrics.RecordBranch(RuleIdea, branchQuarantine)
		if submitter != "" {
			e.removeFeed(ctx, opIdeaRule, RuleIdea, submitter, feedMyPosts, id)
		}
		_, err := e.quarantine(ctx, opIdeaRule, RuleIdea, collectionIdeas, id, current, true)
		return err
	}

	metrics.RecordBranch(RuleIdea, branchStatusChanged)
	e.ideaStatusChanged(ctx, id, submitter, status, stringField(current, "content"))
	return nil
}

func (e *Engine) ideaCreated(ctx context.Context, id, submitter string, current map[string]any) {
	content := stringField(current, "content")

	if submitter != "" {
		entry := map[string]any{"context": collectionIdeas}
		if createdAt, ok := current[fieldCreatedAt]; ok {
			entry["time"] = createdAt
		}
		e.writeFeed(ctx, opIdeaRule, RuleIdea, submitter, feedMyPosts, id, entry)
	}

	for _, address := range e.devEmails {
		e.notifier.Email(ctx, notify.NewIdeaDevEmail(address, id, content))
	}

	if submitter != "" {
		e.sendOnce(ctx, opIdeaRule, RuleIdea, submitter, "thanks_idea_"+id, func() bool {
			target := e.resolveRecipient(ctx, opIdeaRule, submitter)
			if target.Email == "" {
				e.logLookupMiss(opIdeaRule, "submitter_email_missing", nil, zap.String("user_id", submitter))
				return false
			}
			return e.notifier.Email(ctx, notify.IdeaThanksEmail(target.Email, target.name(), content))
		})
	}

	e.notifier.PushToTopic(ctx, notify.TopicIdeas, notify.NewIdeaPush(id))
}

func (e *Engine) ideaStatusChanged(ctx context.Context, id, submitter, status, content string) {
	if submitter == "" {
		e.logLookupMiss(opIdeaRule, "submitter_missing", nil, zap.String("idea_id", id))
		return
	}
	target := e.resolveRecipient(ctx, opIdeaRule, submitter)
	if target.Email != "" {
		e.notifier.Email(ctx, notify.IdeaStatusChangeEmail(target.Email, target.name(), status, content))
	} else {
		e.logLookupMiss(opIdeaRule, "submitter_email_missing", nil, zap.String("user_id", submitter))
	}
	if target.NotificationToken != "" {
		e.notifier.PushToUser(ctx, target.NotificationToken, notify.IdeaStatusChangePush(id, status))
	}
}
