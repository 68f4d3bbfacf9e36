package propagation

import (
	"context"
	"strings"

	"github.com/naturenet/naturenet-node/internal/geoindex"
	"github.com/naturenet/naturenet-node/internal/metrics"
	"go.uber.org/zap"
)

// Repair fix kinds.
const (
	RepairCommentBacklink = "comment_backlink"
	RepairGeoEntry        = "geo_entry"
	RepairImageURL        = "image_url"
)

// RepairReport summarizes one repair sweep.
type RepairReport struct {
	CommentsScanned     int `json:"comments_scanned"`
	BacklinksRepaired   int `json:"backlinks_repaired"`
	ObservationsScanned int `json:"observations_scanned"`
	GeoEntriesRepaired  int `json:"geo_entries_repaired"`
	ImageURLsUpgraded   int `json:"image_urls_upgraded"`
	Failed              int `json:"failed"`
}

// Repair regenerates derived data that incremental propagation may have missed: comment backlinks on their
// parents, geo entries of located observations and plain-http image links. It writes only what is missing or
// wrong.
func (e *Engine) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	if err := e.repairBacklinks(ctx, &report); err != nil {
		return report, err
	}
	if err := e.repairObservations(ctx, &report); err != nil {
		return report, err
	}
	metrics.RecordSweepCompleted(SweepRepair, e.now())
	e.logger.Info("repair sweep completed",
		zap.Int("backlinks_repaired", report.BacklinksRepaired),
		zap.Int("geo_entries_repaired", report.GeoEntriesRepaired),
		zap.Int("image_urls_upgraded", report.ImageURLsUpgraded),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (e *Engine) repairBacklinks(ctx context.Context, report *RepairReport) error {
	comments, err := e.store.List(ctx, collectionComments)
	if err != nil {
		e.logError(opRepair, "list_comments_failed", err)
		return newServiceError(opRepair, "list_comments_failed", err)
	}

	for _, record := range comments {
		if err := ctx.Err(); err != nil {
			return newServiceError(opRepair, "cancelled", err)
		}
		report.CommentsScanned++
		if isDeleted(record.Document) {
			continue
		}
		comment := decodeComment(record.ID, record.Document)
		if comment.Parent == "" {
			continue
		}

		contexts := []string{collectionObservations, collectionIdeas}
		if _, ok := ownerField(comment.Context); ok {
			contexts = []string{comment.Context}
		}
		for _, collection := range contexts {
			parentPath, err := recordPath(collection, comment.Parent)
			if err != nil {
				break
			}
			parent, err := e.readDocument(ctx, parentPath)
			if err != nil {
				report.Failed++
				e.logLookupMiss(opRepair, "parent_lookup_failed", err, zap.String("path", parentPath.String()))
				continue
			}
			if parent == nil {
				continue
			}
			if backlinks := asDocument(parent[fieldComments]); backlinks != nil && backlinks[comment.ID] == true {
				continue
			}
			linkPath, err := recordPath(collection, comment.Parent, fieldComments, comment.ID)
			if err != nil {
				break
			}
			if !e.writeEffect(ctx, opRepair, SweepRepair, "backlink_write", linkPath, true) {
				report.Failed++
				continue
			}
			report.BacklinksRepaired++
			metrics.RecordRepairFix(RepairCommentBacklink)
			e.logger.Info("repaired comment reference",
				zap.String("parent", parentPath.String()),
				zap.String("comment_id", comment.ID))
		}
	}
	return nil
}

func (e *Engine) repairObservations(ctx context.Context, report *RepairReport) error {
	observations, err := e.store.List(ctx, collectionObservations)
	if err != nil {
		e.logError(opRepair, "list_observations_failed", err)
		return newServiceError(opRepair, "list_observations_failed", err)
	}

	for _, record := range observations {
		if err := ctx.Err(); err != nil {
			return newServiceError(opRepair, "cancelled", err)
		}
		report.ObservationsScanned++
		if isDeleted(record.Document) {
			continue
		}
		e.repairImageURL(ctx, record.ID, record.Document, report)

		location, ok := geoindex.ParseLocation(record.Document[fieldLocation])
		if !ok {
			continue
		}
		entry, found, err := e.geo.Lookup(ctx, record.ID)
		if err != nil {
			report.Failed++
			e.logLookupMiss(opRepair, "geo_lookup_failed", err, zap.String("observation_id", record.ID))
			continue
		}
		if found && entry.Location == location {
			continue
		}
		if err := e.geo.Upsert(ctx, record.ID, location); err != nil {
			report.Failed++
			e.sideEffectFailed(opRepair, SweepRepair, "geo_upsert", err, zap.String("observation_id", record.ID))
			continue
		}
		report.GeoEntriesRepaired++
		metrics.RecordRepairFix(RepairGeoEntry)
	}
	return nil
}

func (e *Engine) repairImageURL(ctx context.Context, id string, doc map[string]any, report *RepairReport) {
	data := asDocument(doc["data"])
	image, _ := data["image"].(string)
	if !strings.HasPrefix(image, "http:") {
		return
	}
	path, err := recordPath(collectionObservations, id, "data", "image")
	if err != nil {
		return
	}
	if !e.writeEffect(ctx, opRepair, SweepRepair, "image_url_write", path, "https:"+strings.TrimPrefix(image, "http:")) {
		report.Failed++
		return
	}
	report.ImageURLsUpgraded++
	metrics.RecordRepairFix(RepairImageURL)
}
