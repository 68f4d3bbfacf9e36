package propagation

import (
	"context"
	"errors"
	"time"

	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/metrics"
	"github.com/naturenet/naturenet-node/internal/users"
	"go.uber.org/zap"
)

// Sweep names used for metrics.
const (
	SweepInactive = "inactive"
	SweepRepair   = "repair"
)

const (
	sweepResultActivated   = "activated"
	sweepResultDeactivated = "deactivated"
	sweepResultUnchanged   = "unchanged"
	sweepResultSkipped     = "skipped"
	sweepResultFailed      = "failed"
)

// SweepReport summarizes one inactivity sweep.
type SweepReport struct {
	Scanned     int `json:"scanned"`
	Activated   int `json:"activated"`
	Deactivated int `json:"deactivated"`
	Unchanged   int `json:"unchanged"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

// SweepInactive marks every account whose last contribution, or creation when it never contributed, is older
// than the inactivity threshold as inactive and every other account as active. Accounts without any timestamp
// count as active. An account is skipped only when the directory lookup fails. Only differing statuses are
// written, so the sweep can be re-run at any time.
func (e *Engine) SweepInactive(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	records, err := e.store.List(ctx, collectionUsers)
	if err != nil {
		e.logError(opSweepInactive, "list_users_failed", err)
		return report, newServiceError(opSweepInactive, "list_users_failed", err)
	}

	now := e.now()
	cutoff := now.Add(-e.inactivity).UnixMilli()
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, newServiceError(opSweepInactive, "cancelled", err)
		}
		report.Scanned++

		reference, known, err := e.referenceTime(ctx, record)
		if err != nil {
			report.Skipped++
			metrics.RecordSweepAccount(sweepResultSkipped)
			continue
		}

		target := statusActive
		if known && reference < cutoff {
			target = statusInactive
		}
		if stringField(record.Document, fieldStatus) == target {
			report.Unchanged++
			metrics.RecordSweepAccount(sweepResultUnchanged)
			continue
		}

		path, err := recordPath(collectionUsers, record.ID, fieldStatus)
		if err == nil {
			err = e.store.Write(ctx, path, target)
		}
		if err != nil {
			report.Failed++
			metrics.RecordSweepAccount(sweepResultFailed)
			e.logError(opSweepInactive, "status_write_failed", err, zap.String("user_id", record.ID))
			continue
		}
		if target == statusActive {
			report.Activated++
			metrics.RecordSweepAccount(sweepResultActivated)
		} else {
			report.Deactivated++
			metrics.RecordSweepAccount(sweepResultDeactivated)
		}
	}

	metrics.RecordSweepCompleted(SweepInactive, now)
	e.logger.Info("inactivity sweep completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("activated", report.Activated),
		zap.Int("deactivated", report.Deactivated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

// referenceTime returns the latest contribution, falling back to the stored creation time and then to the
// account directory. known is false when none of them records a time.
func (e *Engine) referenceTime(ctx context.Context, record datastore.Record) (at int64, known bool, err error) {
	if at, ok := millisField(record.Document, fieldLatestContribution); ok {
		return at, true, nil
	}
	if at, ok := millisField(record.Document, fieldCreatedAt); ok {
		return at, true, nil
	}
	account, err := e.accounts.Lookup(ctx, record.ID)
	if errors.Is(err, users.ErrAccountNotFound) {
		return 0, false, nil
	}
	if err != nil {
		e.logLookupMiss(opSweepInactive, "account_lookup_failed", err, zap.String("user_id", record.ID))
		return 0, false, err
	}
	if account.CreatedAt.IsZero() {
		return 0, false, nil
	}
	return account.CreatedAt.UnixMilli(), true, nil
}

// RunPeriodicSweep runs SweepInactive every interval until ctx is done.
func (e *Engine) RunPeriodicSweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.SweepInactive(ctx); err != nil && ctx.Err() == nil {
				e.logError(opSweepInactive, "periodic_sweep_failed", err)
			}
		}
	}
}
