package propagation

import (
	"context"
	"fmt"

	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/metrics"
	"go.uber.org/zap"
)

// Private feed kinds under /users-private/{owner}.
const (
	feedMyPosts  = "my_posts"
	feedComments = "comments"
	feedLikes    = "likes"
	noticesNode  = "notices"
	noticeSentAt = "sent_at"
)

// threadKey identifies one participant in one thread, or one liker of one entity.
func threadKey(parentID, userID string) string {
	return parentID + "_" + userID
}

func feedPath(owner, kind, key string) (datastore.Path, error) {
	return datastore.NewPath(collectionUsersPrivate, owner, kind, key)
}

// sideEffectFailed records a swallowed side-effect write failure.
func (e *Engine) sideEffectFailed(operation, rule, effect string, err error, fields ...zap.Field) {
	metrics.RecordSideEffectFailure(rule, effect)
	e.logError(operation, effect+"_failed", err, fields...)
}

// writeEffect writes value at path as a best-effort side effect and reports whether it succeeded.
func (e *Engine) writeEffect(ctx context.Context, operation, rule, effect string, path datastore.Path, value any) bool {
	if err := e.store.Write(ctx, path, value); err != nil {
		e.sideEffectFailed(operation, rule, effect, err, zap.String("path", path.String()))
		return false
	}
	return true
}

func (e *Engine) updateEffect(ctx context.Context, operation, rule, effect string, path datastore.Path, values map[string]any) bool {
	if err := e.store.Update(ctx, path, values); err != nil {
		e.sideEffectFailed(operation, rule, effect, err, zap.String("path", path.String()))
		return false
	}
	return true
}

func (e *Engine) removeEffect(ctx context.Context, operation, rule, effect string, path datastore.Path) bool {
	if err := e.store.Remove(ctx, path); err != nil {
		e.sideEffectFailed(operation, rule, effect, err, zap.String("path", path.String()))
		return false
	}
	return true
}

func (e *Engine) feedEntryPath(operation, owner, kind, key string) (datastore.Path, bool) {
	path, err := feedPath(owner, kind, key)
	if err != nil {
		e.logLookupMiss(operation, "invalid_feed_path", err,
			zap.String("owner", owner), zap.String("kind", kind), zap.String("key", key))
		return datastore.Path{}, false
	}
	return path, true
}

func (e *Engine) writeFeed(ctx context.Context, operation, rule, owner, kind, key string, entry map[string]any) bool {
	path, ok := e.feedEntryPath(operation, owner, kind, key)
	if !ok {
		return false
	}
	return e.writeEffect(ctx, operation, rule, "feed_write", path, entry)
}

func (e *Engine) updateFeed(ctx context.Context, operation, rule, owner, kind, key string, values map[string]any) bool {
	path, ok := e.feedEntryPath(operation, owner, kind, key)
	if !ok {
		return false
	}
	return e.updateEffect(ctx, operation, rule, "feed_update", path, values)
}

func (e *Engine) removeFeed(ctx context.Context, operation, rule, owner, kind, key string) bool {
	path, ok := e.feedEntryPath(operation, owner, kind, key)
	if !ok {
		return false
	}
	return e.removeEffect(ctx, operation, rule, "feed_remove", path)
}

// upsertFeed applies refresh to an existing feed entry. An absent entry is written whole from identity and
// refresh, with created_at set to the refresh time.
func (e *Engine) upsertFeed(ctx context.Context, operation, rule, owner, kind, key string, identity, refresh map[string]any) bool {
	if e.feedEntryExists(ctx, operation, owner, kind, key) {
		return e.updateFeed(ctx, operation, rule, owner, kind, key, refresh)
	}
	entry := make(map[string]any, len(identity)+len(refresh)+1)
	for field, value := range identity {
		entry[field] = value
	}
	for field, value := range refresh {
		entry[field] = value
	}
	if _, ok := entry[fieldCreatedAt]; !ok {
		entry[fieldCreatedAt] = refresh[fieldUpdatedAt]
	}
	return e.writeFeed(ctx, operation, rule, owner, kind, key, entry)
}

// feedEntryExists reports whether the entry is present. Read failures count as absent.
func (e *Engine) feedEntryExists(ctx context.Context, operation, owner, kind, key string) bool {
	path, ok := e.feedEntryPath(operation, owner, kind, key)
	if !ok {
		return false
	}
	value, err := e.store.Read(ctx, path)
	if err != nil {
		e.logLookupMiss(operation, "feed_read_failed", err, zap.String("path", path.String()))
		return false
	}
	return value != nil
}

// quarantine copies snapshot to /{collection}-deleted/{id} and, once the copy is stored, removes the original
// when removeOriginal is set. It reports whether the original is gone. A failed copy leaves the original
// untouched and returns an error wrapping ErrQuarantineAbandoned.
func (e *Engine) quarantine(ctx context.Context, operation, rule, collection, id string, snapshot map[string]any, removeOriginal bool) (bool, error) {
	fields := []zap.Field{zap.String("collection", collection), zap.String("id", id)}

	target, err := recordPath(collection+quarantineSuffix, id)
	if err != nil {
		metrics.RecordQuarantine(collection, false)
		e.logError(operation, "quarantine_path_invalid", err, fields...)
		return false, newServiceError(operation, "quarantine_copy_failed", fmt.Errorf("%w: %w", ErrQuarantineAbandoned, err))
	}
	if err := e.store.Write(ctx, target, snapshot); err != nil {
		metrics.RecordQuarantine(collection, false)
		e.logError(operation, "quarantine_copy_failed", err, fields...)
		return false, newServiceError(operation, "quarantine_copy_failed", fmt.Errorf("%w: %w", ErrQuarantineAbandoned, err))
	}
	metrics.RecordQuarantine(collection, true)

	if !removeOriginal {
		return true, nil
	}
	original, err := recordPath(collection, id)
	if err != nil {
		e.logError(operation, "original_path_invalid", err, fields...)
		return false, nil
	}
	if !e.removeEffect(ctx, operation, rule, "original_remove", original) {
		return false, nil
	}
	e.logger.Info("record quarantined", fields...)
	return true, nil
}

// sendOnce runs send unless the notice marker /users-private/{userID}/notices/{notice} exists, and stores the
// marker after a successful delivery.
func (e *Engine) sendOnce(ctx context.Context, operation, rule, userID, notice string, send func() bool) {
	path, err := datastore.NewPath(collectionUsersPrivate, userID, noticesNode, notice)
	if err != nil {
		e.logLookupMiss(operation, "invalid_notice_path", err, zap.String("user_id", userID), zap.String("notice", notice))
		return
	}
	existing, err := e.store.Read(ctx, path)
	if err != nil {
		e.logLookupMiss(operation, "notice_read_failed", err, zap.String("path", path.String()))
		return
	}
	if existing != nil {
		e.logger.Debug("notice already sent", zap.String("user_id", userID), zap.String("notice", notice))
		return
	}
	if !send() {
		return
	}
	e.writeEffect(ctx, operation, rule, "notice_marker", path, map[string]any{noticeSentAt: e.nowMillis()})
}

// markContributor records that userID just contributed. Only differing values are written.
func (e *Engine) markContributor(ctx context.Context, operation, rule, userID string, contribution map[string]any) {
	at, ok := millisField(contribution, fieldUpdatedAt)
	if !ok {
		at, ok = millisField(contribution, fieldCreatedAt)
	}
	if !ok {
		at = e.nowMillis()
	}

	path, err := recordPath(collectionUsers, userID)
	if err != nil {
		e.logLookupMiss(operation, "invalid_user", err, zap.String("user_id", userID))
		return
	}
	doc, err := e.readDocument(ctx, path)
	if err != nil {
		e.logLookupMiss(operation, "user_lookup_failed", err, zap.String("user_id", userID))
	}

	updates := make(map[string]any, 2)
	if stringField(doc, fieldStatus) != statusActive {
		updates[fieldStatus] = statusActive
	}
	if latest, known := millisField(doc, fieldLatestContribution); !known || latest < at {
		updates[fieldLatestContribution] = at
	}
	if len(updates) == 0 {
		return
	}
	e.updateEffect(ctx, operation, rule, "contributor_update", path, updates)
}
