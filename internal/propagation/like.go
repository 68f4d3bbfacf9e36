package propagation

import (
	"context"

	"github.com/naturenet/naturenet-node/internal/metrics"
	"github.com/naturenet/naturenet-node/internal/trigger"
	"go.uber.org/zap"
)

const branchOwnerMissing = "owner_missing"

func (e *Engine) likeHandler(collection string) trigger.Handler {
	return func(ctx context.Context, change trigger.Change) error {
		e.handleLike(ctx, collection, change)
		return nil
	}
}

// handleLike keeps the owner's likes feed in lockstep with /{collection}/{entityId}/likes/{userId}. Likes never
// notify anyone.
func (e *Engine) handleLike(ctx context.Context, collection string, change trigger.Change) {
	entityID := change.Param("entityId")
	likerID := change.Param("userId")
	key := threadKey(entityID, likerID)

	owner := e.resolveOwner(ctx, opLikeRule, collection, entityID)
	if owner == "" {
		metrics.RecordBranch(RuleLike, branchOwnerMissing)
		e.logger.Info("like skipped, owner unresolved",
			zap.String("context", collection),
			zap.String("entity_id", entityID),
			zap.String("user_id", likerID))
		return
	}

	now := e.nowMillis()
	identity := map[string]any{
		"context": collection,
		"post":    entityID,
		"user":    likerID,
	}
	switch {
	case change.Created():
		metrics.RecordBranch(RuleLike, branchCreated)
		entry := map[string]any{
			fieldCreatedAt: now,
			fieldUpdatedAt: now,
			"value":        change.Current,
			"seen":         false,
		}
		for field, value := range identity {
			entry[field] = value
		}
		e.writeFeed(ctx, opLikeRule, RuleLike, owner, feedLikes, key, entry)
	case change.Removed():
		metrics.RecordBranch(RuleLike, branchRemoved)
		e.removeFeed(ctx, opLikeRule, RuleLike, owner, feedLikes, key)
	default:
		metrics.RecordBranch(RuleLike, branchEdited)
		e.upsertFeed(ctx, opLikeRule, RuleLike, owner, feedLikes, key, identity, map[string]any{
			fieldUpdatedAt: now,
			"value":        change.Current,
			"seen":         false,
		})
	}
}
