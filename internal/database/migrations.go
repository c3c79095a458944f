package database

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/directory"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillInviteCodes = "2026-08-12_backfill_room_invite_codes"

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
		{name: migrationBackfillInviteCodes, apply: backfillRoomInviteCodes},
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

// backfillRoomInviteCodes gives every private room persisted before invite
// codes existed a fresh unguessable code. General has no code on purpose.
func backfillRoomInviteCodes(db *gorm.DB) error {
	var rooms []directory.RoomRow
	err := db.Where("invite_code = ? AND id <> ?", "", directory.GeneralRoomID).Find(&rooms).Error
	if err != nil {
		return err
	}

	for _, room := range rooms {
		code, err := randomInviteCode()
		if err != nil {
			return err
		}
		if err := db.Model(&directory.RoomRow{}).
			Where("id = ?", room.ID).
			Update("invite_code", code).Error; err != nil {
			return err
		}
	}
	return nil
}

func randomInviteCode() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
