package database

import (
	"errors"
	"time"

	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexRecordParent     = "2026-03-01_index_record_parent"
	migrationLowercaseAccountEmail = "2026-03-08_lowercase_account_email"
)

const recordParentIndex = "idx_records_parent"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationIndexRecordParent, apply: indexRecordParent},
		{name: migrationLowercaseAccountEmail, apply: lowercaseAccountEmail},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// indexRecordParent backs the thread lookup of the comment rule, QueryEqual(comments, parent, id).
func indexRecordParent(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS " + recordParentIndex + " ON records (collection, " +
		datastore.JSONFieldExpression("parent") + ")").Error
}

func lowercaseAccountEmail(db *gorm.DB) error {
	return db.Model(&users.Account{}).
		Where("user_email <> lower(user_email)").
		Update("user_email", gorm.Expr("lower(user_email)")).Error
}
