package directory

import (
	"context"
	"time"
)

// RoomRecord is the durable shape of a room as exchanged with the Store.
type RoomRecord struct {
	ID             string
	Name           string
	Description    string
	CreatedBy      string
	InviteCode     string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Members        []string
	Messages       []Message
}

// ThreadRecord is the durable shape of a DM thread.
type ThreadRecord struct {
	ID           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
	Messages     []Message
}

// MessageRecord pairs a message with the room or thread it belongs to.
type MessageRecord struct {
	ScopeID string
	Message Message
}

// StateSnapshot is everything the directory hydrates at boot.
type StateSnapshot struct {
	Rooms   []RoomRecord
	Threads []ThreadRecord
}

// Store is the durable backend of the directory. It independently enforces
// the same history cap as the in-memory buffers, as a redundant safety net.
type Store interface {
	LoadState(ctx context.Context) (StateSnapshot, error)
	SaveRoom(ctx context.Context, record RoomRecord) error
	DeleteRoom(ctx context.Context, roomID string) error
	AddMember(ctx context.Context, roomID, username string) error
	SaveRoomMessage(ctx context.Context, record MessageRecord) error
	UpdateRoomMessageReactions(ctx context.Context, messageID string, reactions map[string][]string) error
	SaveThread(ctx context.Context, record ThreadRecord) error
	SaveThreadMessage(ctx context.Context, record MessageRecord) error
	UpdateThreadMessageReactions(ctx context.Context, messageID string, reactions map[string][]string) error
}

func roomToRecord(r *room) RoomRecord {
	members := make([]string, 0, len(r.members))
	for username := range r.members {
		members = append(members, username)
	}
	return RoomRecord{
		ID:             r.id,
		Name:           r.name,
		Description:    r.description,
		CreatedBy:      r.createdBy,
		InviteCode:     r.inviteCode,
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
		Members:        members,
	}
}

func threadToRecord(t *thread) ThreadRecord {
	return ThreadRecord{
		ID:           t.id,
		ParticipantA: t.participants[0],
		ParticipantB: t.participants[1],
		CreatedAt:    t.createdAt,
	}
}

func messageToRecord(scopeID string, message Message) MessageRecord {
	return MessageRecord{ScopeID: scopeID, Message: copyMessage(message)}
}
