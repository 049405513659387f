package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/boardrelay/internal/board"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRunsEachMigrationOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(board.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	runs := 0
	migrations := []migrationDefinition{{
		name: "2026-10-18_seed_state",
		apply: func(tx *gorm.DB) error {
			runs++
			return tx.Create(&board.BoardState{SessionID: "s1", BoardVersion: 3}).Error
		},
	}}

	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, zap.NewNop(), migrations); err != nil {
			testContext.Fatalf("failed to apply migrations: %v", err)
		}
	}
	if runs != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", runs)
	}

	var record migrationRecord
	if err := database.Where("name = ?", "2026-10-18_seed_state").Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRollsBackFailedMigration(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(board.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	migrations := []migrationDefinition{{
		name: "2026-10-18_broken",
		apply: func(tx *gorm.DB) error {
			if err := tx.Create(&board.BoardState{SessionID: "s1"}).Error; err != nil {
				return err
			}
			return errors.New("migration aborted")
		},
	}}
	if err := applyMigrations(database, zap.NewNop(), migrations); err == nil {
		testContext.Fatalf("expected migration failure")
	}

	var states int64
	if err := database.Model(&board.BoardState{}).Count(&states).Error; err != nil {
		testContext.Fatalf("failed to count states: %v", err)
	}
	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count records: %v", err)
	}
	if states != 0 || records != 0 {
		testContext.Fatalf("expected rollback, got %d states and %d records", states, records)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "mysql", DSN: "x"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Config{Driver: DriverSQLite, DSN: " "}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestOpenSQLiteMigratesBoardTables(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "board.db")
	database, err := Open(Config{Driver: DriverSQLite, DSN: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"board_states", "board_objects", "board_patches", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
