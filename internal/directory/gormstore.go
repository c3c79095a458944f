package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomRow is the persisted form of a room.
type RoomRow struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	Name           string    `gorm:"column:name;size:50;not null"`
	Description    string    `gorm:"column:description;size:200"`
	CreatedBy      string    `gorm:"column:created_by;size:190"`
	InviteCode     string    `gorm:"column:invite_code;size:64;index"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	LastActivityAt time.Time `gorm:"column:last_activity_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomRow) TableName() string {
	return "rooms"
}

// RoomMemberRow records durable membership of a username in a private room.
type RoomMemberRow struct {
	RoomID    string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	Username  string    `gorm:"column:username;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMemberRow) TableName() string {
	return "room_members"
}

// RoomMessageRow is the persisted form of a room message.
type RoomMessageRow struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	RoomID        string    `gorm:"column:room_id;size:190;not null;index:idx_room_messages_room_time,priority:1"`
	SenderID      string    `gorm:"column:sender_id;size:190;not null"`
	SenderName    string    `gorm:"column:sender_name;size:190"`
	SenderColor   string    `gorm:"column:sender_color;size:32"`
	SenderAvatar  string    `gorm:"column:sender_avatar;size:512"`
	SenderTag     string    `gorm:"column:sender_tag;size:32"`
	Text          string    `gorm:"column:text;type:text;not null"`
	Timestamp     time.Time `gorm:"column:timestamp;not null;index:idx_room_messages_room_time,priority:2"`
	ReplyJSON     string    `gorm:"column:reply_json;type:text"`
	ReactionsJSON string    `gorm:"column:reactions_json;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMessageRow) TableName() string {
	return "room_messages"
}

// ThreadRow is the persisted form of a DM thread.
type ThreadRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	ParticipantA string    `gorm:"column:participant_a;size:190;not null"`
	ParticipantB string    `gorm:"column:participant_b;size:190;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ThreadRow) TableName() string {
	return "dm_threads"
}

// ThreadMessageRow is the persisted form of a DM message.
type ThreadMessageRow struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	ThreadID      string    `gorm:"column:thread_id;size:190;not null;index:idx_dm_messages_thread_time,priority:1"`
	SenderID      string    `gorm:"column:sender_id;size:190;not null"`
	SenderName    string    `gorm:"column:sender_name;size:190"`
	SenderColor   string    `gorm:"column:sender_color;size:32"`
	SenderAvatar  string    `gorm:"column:sender_avatar;size:512"`
	SenderTag     string    `gorm:"column:sender_tag;size:32"`
	Text          string    `gorm:"column:text;type:text;not null"`
	Timestamp     time.Time `gorm:"column:timestamp;not null;index:idx_dm_messages_thread_time,priority:2"`
	ReplyJSON     string    `gorm:"column:reply_json;type:text"`
	ReactionsJSON string    `gorm:"column:reactions_json;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (ThreadMessageRow) TableName() string {
	return "dm_messages"
}

var errMissingDatabase = errors.New("directory: database handle is required")

// GormStore implements Store on GORM with the same history cap the in-memory
// buffers enforce.
type GormStore struct {
	db           *gorm.DB
	historyLimit int
}

// NewGormStore constructs the durable backend.
func NewGormStore(db *gorm.DB, historyLimit int) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &GormStore{db: db, historyLimit: historyLimit}, nil
}

// SaveRoom upserts the durable room row.
func (s *GormStore) SaveRoom(ctx context.Context, record RoomRecord) error {
	row := RoomRow{
		ID:             record.ID,
		Name:           record.Name,
		Description:    record.Description,
		CreatedBy:      record.CreatedBy,
		InviteCode:     record.InviteCode,
		CreatedAt:      record.CreatedAt,
		LastActivityAt: record.LastActivityAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// DeleteRoom removes the room, its membership and its message history.
func (s *GormStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&RoomMessageRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&RoomMemberRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", roomID).Delete(&RoomRow{}).Error
	})
}

// AddMember idempotently records durable membership.
func (s *GormStore) AddMember(ctx context.Context, roomID, username string) error {
	row := RoomMemberRow{RoomID: roomID, Username: username}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// SaveRoomMessage inserts one message, bumps the room's activity stamp and
// prunes history beyond the cap.
func (s *GormStore) SaveRoomMessage(ctx context.Context, record MessageRecord) error {
	row, err := roomMessageToRow(record)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Model(&RoomRow{}).
			Where("id = ?", record.ScopeID).
			Update("last_activity_at", record.Message.Timestamp).Error; err != nil {
			return err
		}
		return tx.Exec(
			`DELETE FROM room_messages WHERE room_id = ? AND id NOT IN (
				SELECT id FROM room_messages WHERE room_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?)`,
			record.ScopeID, record.ScopeID, s.historyLimit,
		).Error
	})
}

// UpdateRoomMessageReactions stores the serialized reaction map.
func (s *GormStore) UpdateRoomMessageReactions(ctx context.Context, messageID string, reactions map[string][]string) error {
	encoded, err := encodeReactions(reactions)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&RoomMessageRow{}).
		Where("id = ?", messageID).
		Update("reactions_json", encoded).Error
}

// SaveThread inserts the thread row; repeated opens are a no-op.
func (s *GormStore) SaveThread(ctx context.Context, record ThreadRecord) error {
	row := ThreadRow{
		ID:           record.ID,
		ParticipantA: record.ParticipantA,
		ParticipantB: record.ParticipantB,
		CreatedAt:    record.CreatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// SaveThreadMessage inserts one DM message and prunes beyond the cap.
func (s *GormStore) SaveThreadMessage(ctx context.Context, record MessageRecord) error {
	row, err := threadMessageToRow(record)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Exec(
			`DELETE FROM dm_messages WHERE thread_id = ? AND id NOT IN (
				SELECT id FROM dm_messages WHERE thread_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?)`,
			record.ScopeID, record.ScopeID, s.historyLimit,
		).Error
	})
}

// UpdateThreadMessageReactions stores the serialized reaction map.
func (s *GormStore) UpdateThreadMessageReactions(ctx context.Context, messageID string, reactions map[string][]string) error {
	encoded, err := encodeReactions(reactions)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&ThreadMessageRow{}).
		Where("id = ?", messageID).
		Update("reactions_json", encoded).Error
}

// LoadState reads every room, roster, buffered history and DM thread.
func (s *GormStore) LoadState(ctx context.Context) (StateSnapshot, error) {
	var roomRows []RoomRow
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&roomRows).Error; err != nil {
		return StateSnapshot{}, fmt.Errorf("load rooms: %w", err)
	}
	var memberRows []RoomMemberRow
	if err := s.db.WithContext(ctx).Find(&memberRows).Error; err != nil {
		return StateSnapshot{}, fmt.Errorf("load members: %w", err)
	}
	var messageRows []RoomMessageRow
	if err := s.db.WithContext(ctx).Order("timestamp ASC, id ASC").Find(&messageRows).Error; err != nil {
		return StateSnapshot{}, fmt.Errorf("load messages: %w", err)
	}
	var threadRows []ThreadRow
	if err := s.db.WithContext(ctx).Find(&threadRows).Error; err != nil {
		return StateSnapshot{}, fmt.Errorf("load threads: %w", err)
	}
	var threadMessageRows []ThreadMessageRow
	if err := s.db.WithContext(ctx).Order("timestamp ASC, id ASC").Find(&threadMessageRows).Error; err != nil {
		return StateSnapshot{}, fmt.Errorf("load dm messages: %w", err)
	}

	membersByRoom := make(map[string][]string)
	for _, row := range memberRows {
		membersByRoom[row.RoomID] = append(membersByRoom[row.RoomID], row.Username)
	}
	messagesByRoom := make(map[string][]Message)
	for _, row := range messageRows {
		message, err := rowToMessage(row.ID, row.SenderID, row.SenderName, row.SenderColor, row.SenderAvatar, row.SenderTag, row.Text, row.Timestamp, row.ReplyJSON, row.ReactionsJSON)
		if err != nil {
			return StateSnapshot{}, err
		}
		messagesByRoom[row.RoomID] = append(messagesByRoom[row.RoomID], message)
	}
	messagesByThread := make(map[string][]Message)
	for _, row := range threadMessageRows {
		message, err := rowToMessage(row.ID, row.SenderID, row.SenderName, row.SenderColor, row.SenderAvatar, row.SenderTag, row.Text, row.Timestamp, row.ReplyJSON, row.ReactionsJSON)
		if err != nil {
			return StateSnapshot{}, err
		}
		messagesByThread[row.ThreadID] = append(messagesByThread[row.ThreadID], message)
	}

	snapshot := StateSnapshot{}
	for _, row := range roomRows {
		snapshot.Rooms = append(snapshot.Rooms, RoomRecord{
			ID:             row.ID,
			Name:           row.Name,
			Description:    row.Description,
			CreatedBy:      row.CreatedBy,
			InviteCode:     row.InviteCode,
			CreatedAt:      row.CreatedAt,
			LastActivityAt: row.LastActivityAt,
			Members:        membersByRoom[row.ID],
			Messages:       messagesByRoom[row.ID],
		})
	}
	for _, row := range threadRows {
		snapshot.Threads = append(snapshot.Threads, ThreadRecord{
			ID:           row.ID,
			ParticipantA: row.ParticipantA,
			ParticipantB: row.ParticipantB,
			CreatedAt:    row.CreatedAt,
			Messages:     messagesByThread[row.ID],
		})
	}
	return snapshot, nil
}

func roomMessageToRow(record MessageRecord) (RoomMessageRow, error) {
	replyJSON, reactionsJSON, err := encodeMessageExtras(record.Message)
	if err != nil {
		return RoomMessageRow{}, err
	}
	return RoomMessageRow{
		ID:            record.Message.ID,
		RoomID:        record.ScopeID,
		SenderID:      record.Message.SenderID,
		SenderName:    record.Message.SenderName,
		SenderColor:   record.Message.SenderColor,
		SenderAvatar:  record.Message.SenderAvatar,
		SenderTag:     record.Message.SenderTag,
		Text:          record.Message.Text,
		Timestamp:     record.Message.Timestamp,
		ReplyJSON:     replyJSON,
		ReactionsJSON: reactionsJSON,
	}, nil
}

func threadMessageToRow(record MessageRecord) (ThreadMessageRow, error) {
	replyJSON, reactionsJSON, err := encodeMessageExtras(record.Message)
	if err != nil {
		return ThreadMessageRow{}, err
	}
	return ThreadMessageRow{
		ID:            record.Message.ID,
		ThreadID:      record.ScopeID,
		SenderID:      record.Message.SenderID,
		SenderName:    record.Message.SenderName,
		SenderColor:   record.Message.SenderColor,
		SenderAvatar:  record.Message.SenderAvatar,
		SenderTag:     record.Message.SenderTag,
		Text:          record.Message.Text,
		Timestamp:     record.Message.Timestamp,
		ReplyJSON:     replyJSON,
		ReactionsJSON: reactionsJSON,
	}, nil
}

func encodeMessageExtras(message Message) (string, string, error) {
	replyJSON := ""
	if message.ReplyTo != nil {
		encoded, err := json.Marshal(message.ReplyTo)
		if err != nil {
			return "", "", fmt.Errorf("encode reply: %w", err)
		}
		replyJSON = string(encoded)
	}
	reactionsJSON, err := encodeReactions(message.Reactions)
	if err != nil {
		return "", "", err
	}
	return replyJSON, reactionsJSON, nil
}

func encodeReactions(reactions map[string][]string) (string, error) {
	if len(reactions) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return "", fmt.Errorf("encode reactions: %w", err)
	}
	return string(encoded), nil
}

func rowToMessage(id, senderID, senderName, senderColor, senderAvatar, senderTag, text string, timestamp time.Time, replyJSON, reactionsJSON string) (Message, error) {
	message := Message{
		ID:           id,
		SenderID:     senderID,
		SenderName:   senderName,
		SenderColor:  senderColor,
		SenderAvatar: senderAvatar,
		SenderTag:    senderTag,
		Text:         text,
		Timestamp:    timestamp,
	}
	if replyJSON != "" {
		var reply ReplyRef
		if err := json.Unmarshal([]byte(replyJSON), &reply); err != nil {
			return Message{}, fmt.Errorf("decode reply: %w", err)
		}
		message.ReplyTo = &reply
	}
	if reactionsJSON != "" {
		if err := json.Unmarshal([]byte(reactionsJSON), &message.Reactions); err != nil {
			return Message{}, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return message, nil
}
