package accounts

import (
	"strings"
	"time"
)

// Account is the durable record behind a registered username. Guests never
// get a row; everything keyed by username survives reconnects only for
// registered users.
type Account struct {
	Username       string    `gorm:"column:username;primaryKey;size:190;not null"`
	PasswordHash   string    `gorm:"column:password_hash;size:190;not null"`
	Color          string    `gorm:"column:color;size:32"`
	Avatar         string    `gorm:"column:avatar;size:512"`
	Tag            string    `gorm:"column:tag;size:32"`
	DisplayName    string    `gorm:"column:display_name;size:64"`
	Bio            string    `gorm:"column:bio;size:512"`
	StatusEmoji    string    `gorm:"column:status_emoji;size:32"`
	StatusText     string    `gorm:"column:status_text;size:128"`
	PresenceStatus string    `gorm:"column:presence_status;size:32"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Follow is a directed edge between two registered usernames.
type Follow struct {
	Follower  string    `gorm:"column:follower;primaryKey;size:190;not null"`
	Followed  string    `gorm:"column:followed;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Follow) TableName() string {
	return "follows"
}

// ProfileFields carries the mutable profile attributes a client may update.
type ProfileFields struct {
	DisplayName    string
	Bio            string
	StatusEmoji    string
	StatusText     string
	PresenceStatus string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
