package directory

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// GeneralRoomID is the one room that always exists, is never private
	// and is exempt from inactivity expiry.
	GeneralRoomID = "general"

	maxRoomNameLength        = 50
	maxRoomDescriptionLength = 200
	maxMessageLength         = 2000
	maxReplyTextLength       = 200
	maxReplySenderLength     = 50
)

var (
	// ErrInvalidRoomName indicates the room name is empty after trimming or too long.
	ErrInvalidRoomName = errors.New("directory: invalid room name")
	// ErrInvalidRoomDescription indicates the description exceeds storage bounds.
	ErrInvalidRoomDescription = errors.New("directory: invalid room description")
	// ErrRoomNotFound indicates the room id is unknown.
	ErrRoomNotFound = errors.New("directory: room not found")
	// ErrNotMember indicates the username is not in the room's durable member set.
	ErrNotMember = errors.New("directory: not a member")
	// ErrThreadNotFound indicates the DM thread id is unknown.
	ErrThreadNotFound = errors.New("directory: thread not found")
	// ErrMessageNotFound indicates no message with that id is buffered.
	ErrMessageNotFound = errors.New("directory: message not found")
	// ErrEmptyMessage indicates the text is empty after trimming.
	ErrEmptyMessage = errors.New("directory: empty message")
	// ErrMessageTooLong indicates the text exceeds the per-message cap.
	ErrMessageTooLong = errors.New("directory: message too long")
)

// ReplyRef is the trimmed reference a message may carry to the message it answers.
type ReplyRef struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Message is one chat message in a room or DM thread. SenderID is the durable
// username, never a connection id, so attribution survives reconnects.
type Message struct {
	ID           string              `json:"id"`
	SenderID     string              `json:"senderId"`
	SenderName   string              `json:"senderName"`
	SenderColor  string              `json:"senderColor"`
	SenderAvatar string              `json:"senderAvatar"`
	SenderTag    string              `json:"senderTag"`
	Text         string              `json:"text"`
	Timestamp    time.Time           `json:"timestamp"`
	ReplyTo      *ReplyRef           `json:"replyTo,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
}

// RoomSummary is the externally visible shape of a room. MemberCount counts
// live connections, not the durable roster.
type RoomSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
	MemberCount    int       `json:"memberCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// JoinResult is what a successful room join hands back to the joining socket.
type JoinResult struct {
	Room     RoomSummary `json:"room"`
	Messages []Message   `json:"messages"`
	Members  []string    `json:"members"`
}

// ThreadState describes a DM thread for the opening client.
type ThreadState struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
}

type room struct {
	id             string
	name           string
	description    string
	createdBy      string
	createdAt      time.Time
	inviteCode     string
	lastActivityAt time.Time
	members        map[string]struct{} // durable usernames
	live           map[string]string   // connection id -> username
	messages       []Message
}

type thread struct {
	id           string
	participants [2]string
	createdAt    time.Time
	messages     []Message
}

func (r *room) summary() RoomSummary {
	return RoomSummary{
		ID:             r.id,
		Name:           r.name,
		Description:    r.description,
		CreatedBy:      r.createdBy,
		CreatedAt:      r.createdAt,
		MemberCount:    len(r.live),
		LastActivityAt: r.lastActivityAt,
	}
}

func (r *room) liveUsernames() []string {
	seen := make(map[string]struct{}, len(r.live))
	out := make([]string, 0, len(r.live))
	for _, username := range r.live {
		if _, ok := seen[username]; ok {
			continue
		}
		seen[username] = struct{}{}
		out = append(out, username)
	}
	sort.Strings(out)
	return out
}

// ThreadID derives the deterministic id for a DM between two durable keys.
// The keys are sorted first, so the pairing is order independent.
func ThreadID(a, b string) string {
	keys := []string{a, b}
	sort.Strings(keys)
	return keys[0] + ":" + keys[1]
}

// IDProvider abstracts message/room id generation for injectability.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// newInviteCode returns an unguessable code for private-room redemption.
func newInviteCode() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(buf)
}

func sanitizeReply(reply *ReplyRef) *ReplyRef {
	if reply == nil {
		return nil
	}
	out := &ReplyRef{
		ID:         strings.TrimSpace(reply.ID),
		Text:       strings.TrimSpace(reply.Text),
		SenderName: strings.TrimSpace(reply.SenderName),
	}
	if out.ID == "" {
		return nil
	}
	if len(out.Text) > maxReplyTextLength {
		out.Text = out.Text[:maxReplyTextLength]
	}
	if len(out.SenderName) > maxReplySenderLength {
		out.SenderName = out.SenderName[:maxReplySenderLength]
	}
	return out
}

func validateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len(trimmed) > maxMessageLength {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}

// copyReactions clones a reaction map so buffered state never aliases payloads.
func copyReactions(reactions map[string][]string) map[string][]string {
	if len(reactions) == 0 {
		return nil
	}
	out := make(map[string][]string, len(reactions))
	for emoji, voters := range reactions {
		out[emoji] = append([]string(nil), voters...)
	}
	return out
}

func copyMessage(message Message) Message {
	out := message
	out.Reactions = copyReactions(message.Reactions)
	if message.ReplyTo != nil {
		replyCopy := *message.ReplyTo
		out.ReplyTo = &replyCopy
	}
	return out
}

func copyMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, message := range messages {
		out = append(out, copyMessage(message))
	}
	return out
}
