package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("datastore: database handle is required")

// RecordRow stores one record document of the tree.
type RecordRow struct {
	Collection      string         `gorm:"column:collection;primaryKey;size:190;not null"`
	RecordID        string         `gorm:"column:record_id;primaryKey;size:190;not null"`
	Document        datatypes.JSON `gorm:"column:document;not null"`
	UpdatedAtMillis int64          `gorm:"column:updated_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (RecordRow) TableName() string {
	return "records"
}

// JSONFieldExpression is the SQL expression reading a top-level document field. The path is a literal so that
// expression indexes built from the same text match the query. field must be a valid path segment.
func JSONFieldExpression(field string) string {
	return "json_extract(document, '$." + field + "')"
}

// SQLiteBackend keeps record documents in a single GORM table keyed by collection and record identifier.
type SQLiteBackend struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteBackend wraps a migrated GORM handle.
func NewSQLiteBackend(db *gorm.DB, clock func() time.Time) (*SQLiteBackend, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteBackend{db: db, clock: clock}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, collection, recordID string) (map[string]any, error) {
	var row RecordRow
	err := b.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, recordID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(row.Document)
}

func (b *SQLiteBackend) Mutate(ctx context.Context, collection, recordID string, fn MutateFunc) (map[string]any, map[string]any, error) {
	var previous, current map[string]any
	txErr := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row RecordRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND record_id = ?", collection, recordID).
			Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			previous = nil
		case err != nil:
			return err
		default:
			previous, err = decodeDocument(row.Document)
			if err != nil {
				return err
			}
		}

		next, err := fn(cloneDocument(previous))
		if err != nil {
			return err
		}
		current = next

		if documentsEqual(previous, current) {
			return nil
		}
		now := b.clock().UTC().UnixMilli()
		if current == nil {
			if err := tx.Where("collection = ? AND record_id = ?", collection, recordID).
				Delete(&RecordRow{}).Error; err != nil {
				return err
			}
			return appendChange(tx, collection, recordID, previous, nil, now)
		}

		encoded, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		replacement := RecordRow{
			Collection:      collection,
			RecordID:        recordID,
			Document:        datatypes.JSON(encoded),
			UpdatedAtMillis: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document", "updated_at_ms"}),
		}).Create(&replacement).Error; err != nil {
			return err
		}
		return appendChange(tx, collection, recordID, previous, current, now)
	})
	if txErr != nil {
		return nil, nil, txErr
	}
	return previous, cloneDocument(current), nil
}

func (b *SQLiteBackend) List(ctx context.Context, collection string) ([]Record, error) {
	var rows []RecordRow
	if err := b.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("record_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

func (b *SQLiteBackend) QueryEqual(ctx context.Context, collection, field string, value any) ([]Record, error) {
	switch value.(type) {
	case string, float64, bool:
	default:
		return nil, fmt.Errorf("%w: query values must be scalars", ErrInvalidValue)
	}

	if err := validateSegment(field); err != nil {
		return nil, err
	}

	var rows []RecordRow
	if err := b.db.WithContext(ctx).
		Where("collection = ? AND "+JSONFieldExpression(field)+" = ?", collection, value).
		Order("record_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

func decodeRows(rows []RecordRow) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeDocument(row.Document)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{ID: row.RecordID, Document: doc})
	}
	return records, nil
}

func decodeDocument(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("datastore: decode record: %w", err)
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return doc, nil
}
