package propagation

import (
	"context"

	"github.com/naturenet/naturenet-node/internal/geoindex"
	"github.com/naturenet/naturenet-node/internal/metrics"
	"github.com/naturenet/naturenet-node/internal/notify"
	"github.com/naturenet/naturenet-node/internal/trigger"
	"go.uber.org/zap"
)

// Observation branches.
const (
	branchRemoved          = "removed"
	branchQuarantine       = "quarantine"
	branchBackfillSite     = "backfill_site"
	branchBackfillLocation = "backfill_location"
	branchIndexLocation    = "index_location"
	branchInvalidLocation  = "invalid_location"
)

// HandleObservation reacts to a write of /observations/{obsId}. First-creation effects and the contributor
// update run on every matching pass; after them exactly one branch of the chain runs: quarantine, site
// backfill, location backfill or geo indexing. Backfill writes re-enter this handler for the next branch.
func (e *Engine) HandleObservation(ctx context.Context, change trigger.Change) error {
	id := change.Param("obsId")
	current := change.CurrentDocument()
	if current == nil {
		e.observationRemoved(ctx, id, change.PreviousDocument())
		metrics.RecordBranch(RuleObservation, branchRemoved)
		return nil
	}

	observer := stringField(current, fieldObserver)
	if change.Previous == nil && observer != "" {
		e.observationCreated(ctx, id, observer, current)
	}
	if observer != "" {
		e.markContributor(ctx, opObservationRule, RuleObservation, observer, current)
	}

	switch {
	case isDeleted(current):
		metrics.RecordBranch(RuleObservation, branchQuarantine)
		return e.quarantineObservation(ctx, id, observer, current)
	case !truthy(current[fieldSite]):
		metrics.RecordBranch(RuleObservation, branchBackfillSite)
		e.backfillSite(ctx, id, observer)
	case current[fieldLocation] == nil:
		metrics.RecordBranch(RuleObservation, branchBackfillLocation)
		e.backfillLocation(ctx, id, stringField(current, fieldSite))
	default:
		location, ok := geoindex.ParseLocation(current[fieldLocation])
		if !ok {
			metrics.RecordBranch(RuleObservation, branchInvalidLocation)
			e.logLookupMiss(opObservationRule, "invalid_location", nil,
				zap.String("observation_id", id), zap.Any("l", current[fieldLocation]))
			return nil
		}
		metrics.RecordBranch(RuleObservation, branchIndexLocation)
		if err := e.geo.Upsert(ctx, id, location); err != nil {
			e.sideEffectFailed(opObservationRule, RuleObservation, "geo_upsert", err, zap.String("observation_id", id))
		}
	}
	return nil
}

func (e *Engine) observationCreated(ctx context.Context, id, observer string, current map[string]any) {
	entry := map[string]any{"context": collectionObservations}
	if createdAt, ok := current[fieldCreatedAt]; ok {
		entry["time"] = createdAt
	}
	e.writeFeed(ctx, opObservationRule, RuleObservation, observer, feedMyPosts, id, entry)

	e.sendOnce(ctx, opObservationRule, RuleObservation, observer, "thanks_observation_"+id, func() bool {
		target := e.resolveRecipient(ctx, opObservationRule, observer)
		if target.Email == "" {
			e.logLookupMiss(opObservationRule, "observer_email_missing", nil, zap.String("user_id", observer))
			return false
		}
		return e.notifier.Email(ctx, notify.ObservationThanksEmail(target.Email, target.name(), id))
	})
}

// quarantineObservation drops the observer's feed entry, copies the record to /observations-deleted and, once
// the copy is stored, removes the original and its geo entry.
func (e *Engine) quarantineObservation(ctx context.Context, id, observer string, current map[string]any) error {
	if observer != "" {
		e.removeFeed(ctx, opObservationRule, RuleObservation, observer, feedMyPosts, id)
	}
	removed, err := e.quarantine(ctx, opObservationRule, RuleObservation, collectionObservations, id, current, true)
	if err != nil {
		return err
	}
	if removed {
		if err := e.geo.Remove(ctx, id); err != nil {
			e.sideEffectFailed(opObservationRule, RuleObservation, "geo_remove", err, zap.String("observation_id", id))
		}
	}
	return nil
}

// observationRemoved clears the derived entries of an observation that no longer exists.
func (e *Engine) observationRemoved(ctx context.Context, id string, previous map[string]any) {
	if err := e.geo.Remove(ctx, id); err != nil {
		e.sideEffectFailed(opObservationRule, RuleObservation, "geo_remove", err, zap.String("observation_id", id))
	}
	if observer := stringField(previous, fieldObserver); observer != "" {
		e.removeFeed(ctx, opObservationRule, RuleObservation, observer, feedMyPosts, id)
	}
}

func (e *Engine) backfillSite(ctx context.Context, id, observer string) {
	site := e.elsewhereSite
	if observer != "" {
		profile, _ := e.readProfile(ctx, opObservationRule, observer)
		if profile.Affiliation != "" {
			site = profile.Affiliation
		} else {
			e.logger.Info("observer has no affiliation", zap.String("user_id", observer), zap.String("observation_id", id))
		}
	}

	path, err := recordPath(collectionObservations, id, fieldSite)
	if err != nil {
		e.logError(opObservationRule, "invalid_observation_path", err, zap.String("observation_id", id))
		return
	}
	e.writeEffect(ctx, opObservationRule, RuleObservation, "site_backfill", path, site)
}

func (e *Engine) backfillLocation(ctx context.Context, id, site string) {
	sitePath, err := recordPath(collectionSites, site, fieldLocation)
	if err != nil {
		e.logLookupMiss(opObservationRule, "invalid_site", err, zap.String("observation_id", id), zap.String("site", site))
		return
	}
	value, err := e.store.Read(ctx, sitePath)
	if err != nil {
		e.logLookupMiss(opObservationRule, "site_lookup_failed", err, zap.String("site", site))
		return
	}
	location, ok := geoindex.ParseLocation(value)
	if !ok {
		e.logger.Info("site has no location", zap.String("site", site), zap.String("observation_id", id))
		return
	}

	path, err := recordPath(collectionObservations, id, fieldLocation)
	if err != nil {
		e.logError(opObservationRule, "invalid_observation_path", err, zap.String("observation_id", id))
		return
	}
	e.writeEffect(ctx, opObservationRule, RuleObservation, "location_backfill", path, location.Value())
}
