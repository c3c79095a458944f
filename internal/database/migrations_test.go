package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/directory"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsInviteCodes(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "migration.db")

	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&directory.RoomRow{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Now().UTC()
	seeded := []directory.RoomRow{
		{ID: directory.GeneralRoomID, Name: "General", CreatedAt: now, LastActivityAt: now},
		{ID: "legacy", Name: "Legacy", CreatedAt: now, LastActivityAt: now},
		{ID: "coded", Name: "Coded", InviteCode: "existing-code", CreatedAt: now, LastActivityAt: now},
	}
	for _, room := range seeded {
		if err := db.Create(&room).Error; err != nil {
			t.Fatalf("failed to seed room: %v", err)
		}
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var legacy directory.RoomRow
	if err := db.Where("id = ?", "legacy").Take(&legacy).Error; err != nil {
		t.Fatalf("failed to reload room: %v", err)
	}
	if legacy.InviteCode == "" {
		t.Fatalf("expected backfilled invite code for legacy room")
	}

	var general directory.RoomRow
	if err := db.Where("id = ?", directory.GeneralRoomID).Take(&general).Error; err != nil {
		t.Fatalf("failed to reload general: %v", err)
	}
	if general.InviteCode != "" {
		t.Fatalf("general must stay codeless, got %q", general.InviteCode)
	}

	var coded directory.RoomRow
	if err := db.Where("id = ?", "coded").Take(&coded).Error; err != nil {
		t.Fatalf("failed to reload room: %v", err)
	}
	if coded.InviteCode != "existing-code" {
		t.Fatalf("existing codes must be untouched, got %q", coded.InviteCode)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillInviteCodes).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}

	// Re-running is a no-op.
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("expected idempotent migrations: %v", err)
	}
}
