// Package directory holds the authoritative in-memory model of rooms and DM
// threads: membership, visibility, bounded message history and lifecycle.
// Durable copies are written through to a Store; the buffers here are what
// clients actually see.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 100
	defaultRoomTTL      = 2 * time.Hour
)

var (
	errMissingStore = errors.New("directory: store is required")
	noOpLogger      = zap.NewNop()
)

// Sender identifies who authored a message. Username is the durable
// attribution key; the display fields are frozen into the message at send time.
type Sender struct {
	Username string
	Name     string
	Color    string
	Avatar   string
	Tag      string
}

// Config describes the dependencies of a Directory.
type Config struct {
	Store        Store
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
	HistoryLimit int
	RoomTTL      time.Duration
}

// Directory is the room & DM directory. A single mutex guards both maps:
// every operation runs to completion under it, which is what gives messages
// their per-room ordering guarantee.
type Directory struct {
	mu           sync.Mutex
	store        Store
	clock        func() time.Time
	ids          IDProvider
	logger       *zap.Logger
	historyLimit int
	roomTTL      time.Duration
	rooms        map[string]*room
	threads      map[string]*thread
}

// NewDirectory constructs an empty directory. Call Hydrate to load durable
// state and guarantee the general room exists.
func NewDirectory(cfg Config) (*Directory, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	roomTTL := cfg.RoomTTL
	if roomTTL <= 0 {
		roomTTL = defaultRoomTTL
	}
	return &Directory{
		store:        cfg.Store,
		clock:        clock,
		ids:          ids,
		logger:       logger,
		historyLimit: historyLimit,
		roomTTL:      roomTTL,
		rooms:        make(map[string]*room),
		threads:      make(map[string]*thread),
	}, nil
}

// Hydrate loads rooms, members, buffered history and DM threads from the
// store and creates the general room if it has never been persisted. Failure
// here is fatal: the process must not accept connections without its state.
func (d *Directory) Hydrate(ctx context.Context) error {
	snapshot, err := d.store.LoadState(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, record := range snapshot.Rooms {
		loaded := &room{
			id:             record.ID,
			name:           record.Name,
			description:    record.Description,
			createdBy:      record.CreatedBy,
			createdAt:      record.CreatedAt,
			inviteCode:     record.InviteCode,
			lastActivityAt: record.LastActivityAt,
			members:        make(map[string]struct{}),
			live:           make(map[string]string),
		}
		for _, username := range record.Members {
			loaded.members[username] = struct{}{}
		}
		loaded.messages = d.trimToLimit(record.Messages)
		d.rooms[loaded.id] = loaded
	}

	for _, record := range snapshot.Threads {
		loaded := &thread{
			id:           record.ID,
			participants: [2]string{record.ParticipantA, record.ParticipantB},
			createdAt:    record.CreatedAt,
		}
		loaded.messages = d.trimToLimit(record.Messages)
		d.threads[loaded.id] = loaded
	}

	if _, ok := d.rooms[GeneralRoomID]; !ok {
		now := d.clock().UTC()
		general := &room{
			id:             GeneralRoomID,
			name:           "General",
			description:    "The one room everyone shares",
			createdAt:      now,
			lastActivityAt: now,
			members:        make(map[string]struct{}),
			live:           make(map[string]string),
		}
		d.rooms[GeneralRoomID] = general
		if err := d.store.SaveRoom(ctx, roomToRecord(general)); err != nil {
			return err
		}
	}

	return nil
}

func (d *Directory) trimToLimit(messages []Message) []Message {
	if len(messages) > d.historyLimit {
		messages = messages[len(messages)-d.historyLimit:]
	}
	return append([]Message(nil), messages...)
}

// CreateRoom registers a new private room with the creator as first durable
// member. The room is persisted before the caller acknowledges it.
func (d *Directory) CreateRoom(ctx context.Context, name, description, createdBy string) (RoomSummary, string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxRoomNameLength {
		return RoomSummary{}, "", ErrInvalidRoomName
	}
	description = strings.TrimSpace(description)
	if len(description) > maxRoomDescriptionLength {
		return RoomSummary{}, "", ErrInvalidRoomDescription
	}

	id, err := d.ids.NewID()
	if err != nil {
		return RoomSummary{}, "", err
	}

	now := d.clock().UTC()
	created := &room{
		id:             id,
		name:           name,
		description:    description,
		createdBy:      createdBy,
		createdAt:      now,
		inviteCode:     newInviteCode(),
		lastActivityAt: now,
		members:        map[string]struct{}{createdBy: {}},
		live:           make(map[string]string),
	}

	d.mu.Lock()
	d.rooms[id] = created
	summary := created.summary()
	code := created.inviteCode
	record := roomToRecord(created)
	d.mu.Unlock()

	if err := d.store.SaveRoom(ctx, record); err != nil {
		d.logStoreError("room_save_failed", err, zap.String("room_id", id))
	}
	if err := d.store.AddMember(ctx, id, createdBy); err != nil {
		d.logStoreError("member_save_failed", err, zap.String("room_id", id), zap.String("username", createdBy))
	}

	return summary, code, nil
}

// Join adds a live connection to a room. Non-members of private rooms get
// ErrNotMember, which the router translates into silence.
func (d *Directory) Join(roomID, connectionID, username string) (JoinResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	joined, ok := d.rooms[roomID]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	if roomID != GeneralRoomID {
		if _, member := joined.members[username]; !member {
			return JoinResult{}, ErrNotMember
		}
	}

	joined.live[connectionID] = username
	return JoinResult{
		Room:     joined.summary(),
		Messages: copyMessages(joined.messages),
		Members:  joined.liveUsernames(),
	}, nil
}

// Leave drops a live connection from a room. Durable membership is untouched,
// so the user can re-join later.
func (d *Directory) Leave(roomID, connectionID string) (RoomSummary, []string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	left, ok := d.rooms[roomID]
	if !ok {
		return RoomSummary{}, nil, false
	}
	if _, present := left.live[connectionID]; !present {
		return RoomSummary{}, nil, false
	}
	delete(left.live, connectionID)
	return left.summary(), left.liveUsernames(), true
}

// DropConnection removes a connection from every room's live set, returning
// the summary and surviving live members of each affected room.
func (d *Directory) DropConnection(connectionID string) []JoinResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var affected []JoinResult
	for _, touched := range d.rooms {
		if _, present := touched.live[connectionID]; !present {
			continue
		}
		delete(touched.live, connectionID)
		affected = append(affected, JoinResult{
			Room:    touched.summary(),
			Members: touched.liveUsernames(),
		})
	}
	return affected
}

// AddDurableMember grants a username durable access to a private room.
// Idempotent; used by both the invite and the invite-code redemption paths.
func (d *Directory) AddDurableMember(ctx context.Context, roomID, username string) (RoomSummary, error) {
	d.mu.Lock()
	invited, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return RoomSummary{}, ErrRoomNotFound
	}
	_, already := invited.members[username]
	invited.members[username] = struct{}{}
	summary := invited.summary()
	d.mu.Unlock()

	if !already {
		if err := d.store.AddMember(ctx, roomID, username); err != nil {
			d.logStoreError("member_save_failed", err, zap.String("room_id", roomID), zap.String("username", username))
		}
	}
	return summary, nil
}

// IsMember reports whether a username may act on a room: durable membership,
// or the room being general.
func (d *Directory) IsMember(roomID, username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	checked, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	if roomID == GeneralRoomID {
		return true
	}
	_, member := checked.members[username]
	return member
}

// InviteCode returns the redemption code of a room to a durable member.
func (d *Directory) InviteCode(roomID, username string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	owner, ok := d.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	if _, member := owner.members[username]; !member {
		return "", ErrNotMember
	}
	return owner.inviteCode, nil
}

// RoomByInviteCode resolves a redemption code to its room.
func (d *Directory) RoomByInviteCode(code string) (RoomSummary, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return RoomSummary{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, candidate := range d.rooms {
		if candidate.inviteCode != "" && candidate.inviteCode == code {
			return candidate.summary(), true
		}
	}
	return RoomSummary{}, false
}

// Room returns the summary for a room id.
func (d *Directory) Room(roomID string) (RoomSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	found, ok := d.rooms[roomID]
	if !ok {
		return RoomSummary{}, false
	}
	return found.summary(), true
}

// LiveConnections lists the connection ids currently joined to a room.
// This is the broadcast set for room-scoped events.
func (d *Directory) LiveConnections(roomID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	target, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(target.live))
	for connectionID := range target.live {
		out = append(out, connectionID)
	}
	return out
}

// VisibleTo lists general plus every private room where the username is a
// durable member. MemberCount reflects live presence, not the roster.
func (d *Directory) VisibleTo(username string) []RoomSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]RoomSummary, 0, len(d.rooms))
	if general, ok := d.rooms[GeneralRoomID]; ok {
		out = append(out, general.summary())
	}
	for id, candidate := range d.rooms {
		if id == GeneralRoomID {
			continue
		}
		if _, member := candidate.members[username]; member {
			out = append(out, candidate.summary())
		}
	}
	sortSummaries(out)
	return out
}

// ExpireInactive returns every non-general room whose last activity is older
// than the configured threshold. Pure query: removal and broadcast belong to
// the caller.
func (d *Directory) ExpireInactive(now time.Time) []RoomSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	var expired []RoomSummary
	cutoff := now.Add(-d.roomTTL)
	for id, candidate := range d.rooms {
		if id == GeneralRoomID {
			continue
		}
		if candidate.lastActivityAt.Before(cutoff) {
			expired = append(expired, candidate.summary())
		}
	}
	return expired
}

// RemoveRoom deletes a room from memory and the store, returning the durable
// member usernames so the caller can notify whoever is online.
func (d *Directory) RemoveRoom(ctx context.Context, roomID string) ([]string, bool) {
	if roomID == GeneralRoomID {
		return nil, false
	}

	d.mu.Lock()
	removed, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	delete(d.rooms, roomID)
	members := make([]string, 0, len(removed.members))
	for username := range removed.members {
		members = append(members, username)
	}
	d.mu.Unlock()

	if err := d.store.DeleteRoom(ctx, roomID); err != nil {
		d.logStoreError("room_delete_failed", err, zap.String("room_id", roomID))
	}
	return members, true
}

// PostMessage validates, buffers and writes through one room message.
// The in-memory append is never rolled back on store failure.
func (d *Directory) PostMessage(ctx context.Context, roomID string, sender Sender, text string, replyTo *ReplyRef) (Message, error) {
	trimmed, err := validateText(text)
	if err != nil {
		return Message{}, err
	}

	id, err := d.ids.NewID()
	if err != nil {
		return Message{}, err
	}

	d.mu.Lock()
	target, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return Message{}, ErrRoomNotFound
	}

	message := Message{
		ID:           id,
		SenderID:     sender.Username,
		SenderName:   sender.Name,
		SenderColor:  sender.Color,
		SenderAvatar: sender.Avatar,
		SenderTag:    sender.Tag,
		Text:         trimmed,
		Timestamp:    d.clock().UTC(),
		ReplyTo:      sanitizeReply(replyTo),
	}
	target.messages = appendBounded(target.messages, message, d.historyLimit)
	target.lastActivityAt = message.Timestamp
	d.mu.Unlock()

	if err := d.store.SaveRoomMessage(ctx, messageToRecord(roomID, message)); err != nil {
		d.logStoreError("message_save_failed", err, zap.String("room_id", roomID), zap.String("message_id", message.ID))
	}
	return copyMessage(message), nil
}

// ToggleReaction flips a voter's membership in one emoji set on a buffered
// room message and returns the full updated reaction map.
func (d *Directory) ToggleReaction(ctx context.Context, roomID, messageID, userKey, emoji string) (map[string][]string, error) {
	d.mu.Lock()
	target, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	reactions, err := toggleReaction(target.messages, messageID, userKey, emoji)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if storeErr := d.store.UpdateRoomMessageReactions(ctx, messageID, reactions); storeErr != nil {
		d.logStoreError("reaction_save_failed", storeErr, zap.String("room_id", roomID), zap.String("message_id", messageID))
	}
	return reactions, nil
}

// History returns the buffered messages of a room, newest last.
func (d *Directory) History(roomID string) ([]Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target, ok := d.rooms[roomID]
	if !ok {
		return nil, false
	}
	return copyMessages(target.messages), true
}

func appendBounded(messages []Message, message Message, limit int) []Message {
	messages = append(messages, message)
	if len(messages) > limit {
		// Evict strictly the oldest; copy so the backing array does not pin it.
		messages = append([]Message(nil), messages[len(messages)-limit:]...)
	}
	return messages
}

func toggleReaction(messages []Message, messageID, userKey, emoji string) (map[string][]string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID != messageID {
			continue
		}
		if messages[i].Reactions == nil {
			messages[i].Reactions = make(map[string][]string)
		}
		voters := messages[i].Reactions[emoji]
		removed := false
		for j, voter := range voters {
			if voter == userKey {
				voters = append(voters[:j], voters[j+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			voters = append(voters, userKey)
		}
		if len(voters) == 0 {
			delete(messages[i].Reactions, emoji)
		} else {
			messages[i].Reactions[emoji] = voters
		}
		return copyReactions(messages[i].Reactions), nil
	}
	return nil, ErrMessageNotFound
}

// sortSummaries orders general first, then newest activity first.
func sortSummaries(summaries []RoomSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].ID == GeneralRoomID {
			return true
		}
		if summaries[j].ID == GeneralRoomID {
			return false
		}
		return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
	})
}

func (d *Directory) logStoreError(reason string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String("operation", "directory.write_through"),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	d.logger.Error("directory store write failed", attrs...)
}
