package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultFollowPollInterval = 250 * time.Millisecond
	defaultFollowBatchSize    = 256
)

var errMissingConsumer = errors.New("datastore: change feed consumer name is required")

// ChangeFeed is implemented by backends that report every committed change, including changes written by
// other processes sharing the same database.
type ChangeFeed interface {
	// Follow hands changes to handle in commit order until ctx is done. The consumer's position is saved
	// as it advances, so a later Follow with the same consumer resumes after the last handled change.
	Follow(ctx context.Context, cfg FollowConfig, handle CommitHook) error
}

// FollowConfig selects what a Follow call reads.
type FollowConfig struct {
	// Consumer names the saved position.
	Consumer string
	// Collections limits the feed. Empty means every collection.
	Collections []string
	// PollInterval applies to backends that poll for new changes.
	PollInterval time.Duration
	BatchSize    int
	Logger       *zap.Logger
}

func (cfg FollowConfig) withDefaults() (FollowConfig, error) {
	if cfg.Consumer == "" {
		return cfg, errMissingConsumer
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultFollowPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultFollowBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return cfg, nil
}

func (cfg FollowConfig) watches(collection string) bool {
	if len(cfg.Collections) == 0 {
		return true
	}
	for _, candidate := range cfg.Collections {
		if candidate == collection {
			return true
		}
	}
	return false
}

// ChangeRow is one entry of the commit log written in the same transaction as the record it describes.
type ChangeRow struct {
	Sequence          uint64         `gorm:"column:seq;primaryKey;autoIncrement"`
	Collection        string         `gorm:"column:collection;size:190;not null"`
	RecordID          string         `gorm:"column:record_id;size:190;not null"`
	Previous          datatypes.JSON `gorm:"column:previous"`
	Current           datatypes.JSON `gorm:"column:current"`
	CommittedAtMillis int64          `gorm:"column:committed_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRow) TableName() string {
	return "record_changes"
}

// FeedCursorRow stores how far a consumer has read the commit log.
type FeedCursorRow struct {
	Consumer        string `gorm:"column:consumer;primaryKey;size:190;not null"`
	Sequence        uint64 `gorm:"column:seq;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeedCursorRow) TableName() string {
	return "change_feed_cursors"
}

func appendChange(tx *gorm.DB, collection, recordID string, previous, current map[string]any, committedAt int64) error {
	row := ChangeRow{Collection: collection, RecordID: recordID, CommittedAtMillis: committedAt}
	for _, side := range []struct {
		doc    map[string]any
		target *datatypes.JSON
	}{{previous, &row.Previous}, {current, &row.Current}} {
		if side.doc == nil {
			continue
		}
		encoded, err := json.Marshal(side.doc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*side.target = datatypes.JSON(encoded)
	}
	return tx.Create(&row).Error
}

func (row ChangeRow) change() (RecordChange, error) {
	previous, err := decodeDocument(row.Previous)
	if err != nil {
		return RecordChange{}, err
	}
	current, err := decodeDocument(row.Current)
	if err != nil {
		return RecordChange{}, err
	}
	return RecordChange{
		Collection:  row.Collection,
		RecordID:    row.RecordID,
		Previous:    previous,
		Current:     current,
		CommittedAt: time.UnixMilli(row.CommittedAtMillis).UTC(),
	}, nil
}

// Follow polls the commit log. Entries every consumer has read are pruned.
func (b *SQLiteBackend) Follow(ctx context.Context, cfg FollowConfig, handle CommitHook) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	position, err := b.loadCursor(ctx, cfg.Consumer)
	if err != nil {
		return err
	}
	cfg.Logger.Info("following sqlite commit log",
		zap.String("consumer", cfg.Consumer),
		zap.Uint64("position", position))

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			var rows []ChangeRow
			err := b.db.WithContext(ctx).
				Where("seq > ?", position).
				Order("seq ASC").
				Limit(cfg.BatchSize).
				Find(&rows).Error
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read commit log: %w", err)
			}
			if len(rows) == 0 {
				break
			}
			for _, row := range rows {
				position = row.Sequence
				if !cfg.watches(row.Collection) {
					continue
				}
				change, err := row.change()
				if err != nil {
					cfg.Logger.Error("commit log entry decode failed",
						zap.Uint64("seq", row.Sequence),
						zap.String("collection", row.Collection),
						zap.String("record_id", row.RecordID),
						zap.Error(err))
					continue
				}
				handle(ctx, change)
			}
			if err := b.saveCursor(ctx, cfg.Consumer, position); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if len(rows) < cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *SQLiteBackend) loadCursor(ctx context.Context, consumer string) (uint64, error) {
	var cursor FeedCursorRow
	err := b.db.WithContext(ctx).Where("consumer = ?", consumer).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load change feed cursor: %w", err)
	}
	return cursor.Sequence, nil
}

func (b *SQLiteBackend) saveCursor(ctx context.Context, consumer string, position uint64) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cursor := FeedCursorRow{Consumer: consumer, Sequence: position, UpdatedAtMillis: b.clock().UTC().UnixMilli()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consumer"}},
			DoUpdates: clause.AssignmentColumns([]string{"seq", "updated_at_ms"}),
		}).Create(&cursor).Error; err != nil {
			return fmt.Errorf("save change feed cursor: %w", err)
		}
		if err := tx.Exec("DELETE FROM record_changes WHERE seq <= (SELECT MIN(seq) FROM change_feed_cursors)").Error; err != nil {
			return fmt.Errorf("prune commit log: %w", err)
		}
		return nil
	})
}
