package propagation

import (
	"context"

	"github.com/naturenet/naturenet-node/internal/metrics"
	"github.com/naturenet/naturenet-node/internal/notify"
	"github.com/naturenet/naturenet-node/internal/trigger"
	"go.uber.org/zap"
)

const (
	branchEdited  = "edited"
	branchDeleted = "deleted"
)

// commentView is the part of a comment record the rule reads.
type commentView struct {
	ID        string
	Commenter string
	Parent    string
	Context   string
	Text      string
}

func decodeComment(id string, doc map[string]any) commentView {
	return commentView{
		ID:        id,
		Commenter: stringField(doc, "commenter"),
		Parent:    stringField(doc, "parent"),
		Context:   stringField(doc, "context"),
		Text:      stringField(doc, "comment"),
	}
}

// HandleComment reacts to a write of /comments/{commentId}.
func (e *Engine) HandleComment(ctx context.Context, change trigger.Change) error {
	id := change.Param("commentId")
	current := change.CurrentDocument()
	previous := change.PreviousDocument()

	switch {
	case current == nil || isDeleted(current):
		snapshot := current
		if snapshot == nil {
			snapshot = previous
		}
		if snapshot == nil {
			return nil
		}
		metrics.RecordBranch(RuleComment, branchDeleted)
		return e.commentDeleted(ctx, decodeComment(id, snapshot), snapshot, current != nil)
	case previous == nil:
		metrics.RecordBranch(RuleComment, branchCreated)
		e.commentCreated(ctx, decodeComment(id, current))
	default:
		metrics.RecordBranch(RuleComment, branchEdited)
		e.commentEdited(ctx, decodeComment(id, current))
	}
	return nil
}

func (e *Engine) commentCreated(ctx context.Context, comment commentView) {
	fields := []zap.Field{zap.String("comment_id", comment.ID), zap.String("parent", comment.Parent)}
	if comment.Commenter == "" || comment.Parent == "" {
		e.logLookupMiss(opCommentRule, "incomplete_comment", nil, fields...)
		return
	}

	owner := e.resolveOwner(ctx, opCommentRule, comment.Context, comment.Parent)
	if owner != "" {
		e.upsertCommentFeed(ctx, owner, comment)
		e.writeBacklink(ctx, comment)
	}

	if owner != "" && owner != comment.Commenter {
		e.notifyOwner(ctx, owner, comment)
	}
	e.notifyThread(ctx, owner, comment)
}

// upsertCommentFeed keeps one entry per (parent, commenter) under the owner's comments feed. A later comment
// or an edit by the same commenter in the same thread refreshes the entry instead of replacing it.
func (e *Engine) upsertCommentFeed(ctx context.Context, owner string, comment commentView) {
	e.upsertFeed(ctx, opCommentRule, RuleComment, owner, feedComments, threadKey(comment.Parent, comment.Commenter),
		map[string]any{
			"context": comment.Context,
			"post":    comment.Parent,
			"user":    comment.Commenter,
		},
		map[string]any{
			fieldUpdatedAt: e.nowMillis(),
			"text":         comment.Text,
			"seen":         false,
		})
}

func (e *Engine) writeBacklink(ctx context.Context, comment commentView) {
	if _, ok := ownerField(comment.Context); !ok {
		return
	}
	path, err := recordPath(comment.Context, comment.Parent, fieldComments, comment.ID)
	if err != nil {
		e.logLookupMiss(opCommentRule, "invalid_backlink", err, zap.String("comment_id", comment.ID))
		return
	}
	e.writeEffect(ctx, opCommentRule, RuleComment, "backlink_write", path, true)
}

func (e *Engine) notifyOwner(ctx context.Context, owner string, comment commentView) {
	target := e.resolveRecipient(ctx, opCommentRule, owner)
	commenter, _ := e.readProfile(ctx, opCommentRule, comment.Commenter)

	if target.Email != "" {
		e.notifier.Email(ctx, notify.NewCommentEmail(target.Email, commenter.name(), target.name(),
			notify.SingularContext(comment.Context), comment.Text))
	} else {
		e.logLookupMiss(opCommentRule, "owner_email_missing", nil, zap.String("user_id", owner))
	}
	if target.NotificationToken != "" {
		e.notifier.PushToUser(ctx, target.NotificationToken,
			notify.NewCommentPush(commenter.name(), comment.Context, comment.Parent))
	}
}

// notifyThread tells every earlier participant of the thread about the new comment. Each distinct participant
// is notified at most once; the commenter and the owner are never notified here.
func (e *Engine) notifyThread(ctx context.Context, owner string, comment commentView) {
	records, err := e.store.QueryEqual(ctx, collectionComments, "parent", comment.Parent)
	if err != nil {
		e.logLookupMiss(opCommentRule, "thread_query_failed", err, zap.String("parent", comment.Parent))
		return
	}

	var commenter userProfile
	commenterResolved := false
	notified := make(map[string]struct{})
	for _, record := range records {
		if record.ID == comment.ID {
			continue
		}
		participant := stringField(record.Document, "commenter")
		if participant == "" || participant == comment.Commenter || participant == owner {
			continue
		}
		if _, seen := notified[participant]; seen {
			continue
		}
		notified[participant] = struct{}{}

		if !commenterResolved {
			commenter, _ = e.readProfile(ctx, opCommentRule, comment.Commenter)
			commenterResolved = true
		}
		target := e.resolveRecipient(ctx, opCommentRule, participant)
		if target.Email != "" {
			e.notifier.Email(ctx, notify.NewReplyEmail(target.Email, commenter.name(), target.name(), comment.Text))
		} else {
			e.logLookupMiss(opCommentRule, "participant_email_missing", nil, zap.String("user_id", participant))
		}
		if target.NotificationToken != "" {
			e.notifier.PushToUser(ctx, target.NotificationToken,
				notify.NewReplyPush(commenter.name(), comment.Context, comment.Parent))
		}
	}
}

func (e *Engine) commentEdited(ctx context.Context, comment commentView) {
	if comment.Commenter == "" || comment.Parent == "" {
		e.logLookupMiss(opCommentRule, "incomplete_comment", nil, zap.String("comment_id", comment.ID))
		return
	}
	owner := e.resolveOwner(ctx, opCommentRule, comment.Context, comment.Parent)
	if owner == "" {
		return
	}
	e.upsertCommentFeed(ctx, owner, comment)
}

// commentDeleted removes the feed entry, quarantines the comment and drops the parent's backlink. The original
// is removed only when it still exists and only after the copy is stored.
func (e *Engine) commentDeleted(ctx context.Context, comment commentView, snapshot map[string]any, originalExists bool) error {
	if comment.Commenter != "" && comment.Parent != "" {
		if owner := e.resolveOwner(ctx, opCommentRule, comment.Context, comment.Parent); owner != "" {
			e.removeFeed(ctx, opCommentRule, RuleComment, owner, feedComments, threadKey(comment.Parent, comment.Commenter))
		}
	}

	if _, err := e.quarantine(ctx, opCommentRule, RuleComment, collectionComments, comment.ID, snapshot, originalExists); err != nil {
		return err
	}

	if _, ok := ownerField(comment.Context); ok && comment.Parent != "" {
		path, err := recordPath(comment.Context, comment.Parent, fieldComments, comment.ID)
		if err != nil {
			e.logLookupMiss(opCommentRule, "invalid_backlink", err, zap.String("comment_id", comment.ID))
			return nil
		}
		e.removeEffect(ctx, opCommentRule, RuleComment, "backlink_remove", path)
	}
	return nil
}
