package database

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/naturenet/naturenet-node/internal/datastore"
	"github.com/naturenet/naturenet-node/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsLowercasesAccountEmails(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&datastore.RecordRow{}, &datastore.ChangeRow{}, &users.Account{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	account := users.Account{
		UserID:    "user-1",
		Provider:  "password",
		Email:     "Ada@Example.ORG",
		CreatedAt: time.Now().UTC(),
	}
	if err := database.Create(&account).Error; err != nil {
		testContext.Fatalf("failed to insert account: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Account
	if err := database.Where("user_id = ?", account.UserID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload account: %v", err)
	}
	if stored.Email != "ada@example.org" {
		testContext.Fatalf("expected lowercased email, got %s", stored.Email)
	}

	for _, name := range []string{migrationIndexRecordParent, migrationLowercaseAccountEmail} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", name)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("reapplying migrations failed: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "naturenet.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"records", "record_changes", "change_feed_cursors", "user_accounts", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	var indexCount int64
	if err := database.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?", recordParentIndex).Scan(&indexCount).Error; err != nil {
		testContext.Fatalf("failed to inspect indexes: %v", err)
	}
	if indexCount != 1 {
		testContext.Fatalf("expected record parent index")
	}
}

func TestThreadQueryUsesRecordParentIndex(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "naturenet.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	type planRow struct {
		ID      int
		Parent  int
		Notused int
		Detail  string
	}
	var plan []planRow
	query := "EXPLAIN QUERY PLAN SELECT * FROM records WHERE collection = ? AND " +
		datastore.JSONFieldExpression("parent") + " = ?"
	if err := database.Raw(query, "comments", "obs1").Scan(&plan).Error; err != nil {
		testContext.Fatalf("failed to explain thread query: %v", err)
	}

	usesIndex := false
	for _, row := range plan {
		if strings.Contains(row.Detail, recordParentIndex) {
			usesIndex = true
		}
	}
	if !usesIndex {
		testContext.Fatalf("expected the thread query to use %s, plan: %+v", recordParentIndex, plan)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestWithWriterOptionsAppendsPragmasOnce(testContext *testing.T) {
	cases := map[string]string{
		"naturenet.db":                           "naturenet.db?" + sqliteWriterOptions,
		"file:naturenet.db?mode=rwc":             "file:naturenet.db?mode=rwc&" + sqliteWriterOptions,
		"naturenet.db?_pragma=busy_timeout(100)": "naturenet.db?_pragma=busy_timeout(100)",
	}
	for input, expected := range cases {
		if actual := withWriterOptions(input); actual != expected {
			testContext.Fatalf("withWriterOptions(%q) = %q, want %q", input, actual, expected)
		}
	}
}
