package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/accounts"
	"github.com/MarcoPoloResearchLab/parlor/internal/directory"
	"github.com/MarcoPoloResearchLab/parlor/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/parlor/internal/presence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Inbound event names.
const (
	eventRoomJoin       = "room:join"
	eventRoomLeave      = "room:leave"
	eventRoomCreate     = "room:create"
	eventRoomInvite     = "room:invite"
	eventRoomGetInvite  = "room:get-invite"
	eventRoomJoinByCode = "room:join-by-code"
	eventMessageSend    = "message:send"
	eventDMOpen         = "dm:open"
	eventDMSend         = "dm:send"
	eventReactionToggle = "reaction:toggle"
	eventTypingStart    = "typing:start"
	eventTypingStop     = "typing:stop"
	eventProfileUpdate  = "profile:update"
	eventAvatarChange   = "avatar:change"
	eventEchoPulse      = "echo:pulse"
	eventUserFollow     = "user:follow"
	eventUserUnfollow   = "user:unfollow"
)

// Outbound event names.
const (
	eventConnected       = "connected"
	eventUserOnline      = "user:online"
	eventUserOffline     = "user:offline"
	eventUserUpdated     = "user:updated"
	eventRoomCreated     = "room:created"
	eventRoomCreateError = "room:create:error"
	eventRoomJoined      = "room:joined"
	eventRoomMembers     = "room:members"
	eventRoomLeft        = "room:left"
	eventRoomUpdated     = "room:updated"
	eventRoomRemoved     = "room:removed"
	eventRoomInvited     = "room:invited"
	eventRoomInviteCode  = "room:invite-code"
	eventRoomInviteSent  = "room:invite:sent"
	eventRoomList        = "room:list"
	eventJoinByCodeError = "room:join-by-code:error"
	eventMessageReceived = "message:received"
	eventReactionUpdate  = "reaction:update"
	eventDMOpened        = "dm:opened"
	eventDMReceived      = "dm:received"
	eventTypingUpdate    = "typing:update"
	eventEchoNew         = "echo:new"
	eventEchoExpire      = "echo:expire"
)

var (
	errMissingDirectory = errors.New("directory dependency required")
	errMissingRegistry  = errors.New("presence registry dependency required")
	errMissingAccounts  = errors.New("accounts service dependency required")
	errMissingSender    = errors.New("frame sender dependency required")
)

// eventPolicy is the one table deciding which directory failures become a
// client-visible error event. Every failure not listed here is a silent
// no-op, which keeps rooms and identities unenumerable.
var eventPolicy = map[error]string{
	directory.ErrInvalidRoomName:        eventRoomCreateError,
	directory.ErrInvalidRoomDescription: eventRoomCreateError,
}

// errorEventFor resolves a failure against the policy table.
func errorEventFor(err error) (string, bool) {
	for known, event := range eventPolicy {
		if errors.Is(err, known) {
			return event, true
		}
	}
	return "", false
}

// FrameSender abstracts outbound delivery so the router can be exercised
// without real sockets.
type FrameSender interface {
	SendTo(connectionID string, frame []byte)
	SendToMany(connectionIDs []string, frame []byte)
	BroadcastAll(frame []byte)
}

// Envelope is the wire shape of every socket frame, inbound and outbound.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// HandshakePayload is the first frame a client sends after the upgrade.
type HandshakePayload struct {
	Username string `json:"username"`
	Color    string `json:"color"`
	Avatar   string `json:"avatar"`
	Tag      string `json:"tag"`
}

type connectedPayload struct {
	User   presence.User           `json:"user"`
	Rooms  []directory.RoomSummary `json:"rooms"`
	Echoes []ephemeral.Echo        `json:"echoes"`
}

// EventRouterConfig describes the collaborators of an EventRouter.
type EventRouterConfig struct {
	Directory *directory.Directory
	Registry  *presence.Registry
	Accounts  *accounts.Service
	Typing    *ephemeral.TypingTracker
	Echoes    *ephemeral.EchoBoard
	Sender    FrameSender
	Logger    *zap.Logger
	Clock     func() time.Time
	IDs       directory.IDProvider
	// Schedule defaults to time.AfterFunc; tests inject a synchronous stand-in.
	Schedule func(delay time.Duration, fn func())
}

// EventRouter validates inbound frames, calls into the directory and
// registry, and computes the broadcast fan-out for every mutation. The
// dominant failure policy is silence: unauthorized or malformed requests
// produce no reply, which keeps private rooms unenumerable.
type EventRouter struct {
	directory *directory.Directory
	registry  *presence.Registry
	accounts  *accounts.Service
	typing    *ephemeral.TypingTracker
	echoes    *ephemeral.EchoBoard
	sender    FrameSender
	logger    *zap.Logger
	clock     func() time.Time
	ids       directory.IDProvider
	schedule  func(delay time.Duration, fn func())
}

// NewEventRouter constructs the router. Directory, registry, accounts and
// sender are mandatory; the rest default sensibly.
func NewEventRouter(cfg EventRouterConfig) (*EventRouter, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Accounts == nil {
		return nil, errMissingAccounts
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	typing := cfg.Typing
	if typing == nil {
		typing = ephemeral.NewTypingTracker()
	}
	echoes := cfg.Echoes
	if echoes == nil {
		echoes = ephemeral.NewEchoBoard()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = directory.NewUUIDProvider()
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = func(delay time.Duration, fn func()) { time.AfterFunc(delay, fn) }
	}
	return &EventRouter{
		directory: cfg.Directory,
		registry:  cfg.Registry,
		accounts:  cfg.Accounts,
		typing:    typing,
		echoes:    echoes,
		sender:    cfg.Sender,
		logger:    logger,
		clock:     clock,
		ids:       ids,
		schedule:  schedule,
	}, nil
}

// HandleConnect composes the live user from the handshake plus any durable
// profile, registers the session, and answers with the connected snapshot.
func (r *EventRouter) HandleConnect(ctx context.Context, connectionID string, handshake HandshakePayload) presence.User {
	username := clip(handshake.Username, 32)
	if username == "" {
		username = "guest-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	var profile *presence.ProfileFields
	account, registered, err := r.accounts.Profile(ctx, username)
	if err != nil {
		r.logger.Error("profile lookup failed on connect",
			zap.String("username", username), zap.Error(err))
	}
	if registered {
		profile = &presence.ProfileFields{
			DisplayName:    account.DisplayName,
			Bio:            account.Bio,
			StatusEmoji:    account.StatusEmoji,
			StatusText:     account.StatusText,
			PresenceStatus: account.PresenceStatus,
		}
	}

	user := r.registry.Register(connectionID, presence.Identity{
		Username: username,
		Color:    clip(handshake.Color, 32),
		Avatar:   clip(handshake.Avatar, 300),
		Tag:      clip(handshake.Tag, 32),
	}, profile)

	r.emit(connectionID, eventConnected, connectedPayload{
		User:   user,
		Rooms:  r.directory.VisibleTo(username),
		Echoes: r.echoes.Active(),
	})
	r.emitAll(eventUserOnline, map[string]any{"user": user})
	r.pushRoomList(username)
	return user
}

// pushRoomList sends a user's current visible room set to all their live
// connections. Called whenever the set changes; a private room a user was
// never admitted to can never appear here.
func (r *EventRouter) pushRoomList(username string) {
	conns := r.registry.ConnectionsFor(username)
	if len(conns) == 0 {
		return
	}
	r.emitMany(conns, eventRoomList, map[string]any{
		"rooms": r.directory.VisibleTo(username),
	})
}

// HandleDisconnect tears down every trace of a connection: live room
// membership, typing indicators, and the presence record. user:offline goes
// out only when the last connection of a username drops.
func (r *EventRouter) HandleDisconnect(connectionID string) {
	for _, affected := range r.directory.DropConnection(connectionID) {
		conns := r.directory.LiveConnections(affected.Room.ID)
		r.emitMany(conns, eventRoomMembers, map[string]any{
			"roomId": affected.Room.ID, "members": affected.Members,
		})
		r.emitMany(conns, eventRoomUpdated, map[string]any{"room": affected.Room})
	}

	for roomID, names := range r.typing.ClearConnection(connectionID) {
		r.emitMany(r.directory.LiveConnections(roomID), eventTypingUpdate, map[string]any{
			"roomId": roomID, "users": names,
		})
	}

	user, removed := r.registry.Unregister(connectionID)
	if removed && len(r.registry.ConnectionsFor(user.Username)) == 0 {
		r.emitAll(eventUserOffline, map[string]any{"user": user})
	}
}

// HandleFrame decodes one inbound frame and dispatches it. Frames from
// connections that never completed the handshake are dropped.
func (r *EventRouter) HandleFrame(ctx context.Context, connectionID string, frame []byte) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Event == "" {
		r.logger.Debug("malformed frame", zap.String("connection_id", connectionID))
		return
	}
	user, ok := r.registry.ByConnection(connectionID)
	if !ok {
		return
	}

	switch envelope.Event {
	case eventRoomJoin:
		r.handleRoomJoin(user, envelope.Data)
	case eventRoomLeave:
		r.handleRoomLeave(user, envelope.Data)
	case eventRoomCreate:
		r.handleRoomCreate(ctx, user, envelope.Data)
	case eventRoomInvite:
		r.handleRoomInvite(ctx, user, envelope.Data)
	case eventRoomGetInvite:
		r.handleRoomGetInvite(user, envelope.Data)
	case eventRoomJoinByCode:
		r.handleRoomJoinByCode(ctx, user, envelope.Data)
	case eventMessageSend:
		r.handleMessageSend(ctx, user, envelope.Data)
	case eventDMOpen:
		r.handleDMOpen(ctx, user, envelope.Data)
	case eventDMSend:
		r.handleDMSend(ctx, user, envelope.Data)
	case eventReactionToggle:
		r.handleReactionToggle(ctx, user, envelope.Data)
	case eventTypingStart:
		r.handleTyping(user, envelope.Data, true)
	case eventTypingStop:
		r.handleTyping(user, envelope.Data, false)
	case eventProfileUpdate:
		r.handleProfileUpdate(ctx, user, envelope.Data)
	case eventAvatarChange:
		r.handleAvatarChange(ctx, user, envelope.Data)
	case eventEchoPulse:
		r.handleEchoPulse(user, envelope.Data)
	case eventUserFollow:
		r.handleFollow(ctx, user, envelope.Data, true)
	case eventUserUnfollow:
		r.handleFollow(ctx, user, envelope.Data, false)
	default:
		r.logger.Debug("unknown event", zap.String("event", envelope.Event))
	}
}

func (r *EventRouter) emit(connectionID, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		r.logger.Error("event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	r.sender.SendTo(connectionID, frame)
}

func (r *EventRouter) emitMany(connectionIDs []string, event string, data any) {
	if len(connectionIDs) == 0 {
		return
	}
	frame, err := encodeEvent(event, data)
	if err != nil {
		r.logger.Error("event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	r.sender.SendToMany(connectionIDs, frame)
}

func (r *EventRouter) emitAll(event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		r.logger.Error("event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	r.sender.BroadcastAll(frame)
}

// connectionsOf resolves durable usernames to the union of their live
// connection ids. This is the delivery index in action: ownership by
// username, fan-out by connection.
func (r *EventRouter) connectionsOf(usernames ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, username := range usernames {
		for _, connectionID := range r.registry.ConnectionsFor(username) {
			if _, dup := seen[connectionID]; dup {
				continue
			}
			seen[connectionID] = struct{}{}
			out = append(out, connectionID)
		}
	}
	return out
}

func except(connectionIDs []string, skip string) []string {
	out := make([]string, 0, len(connectionIDs))
	for _, connectionID := range connectionIDs {
		if connectionID != skip {
			out = append(out, connectionID)
		}
	}
	return out
}

// clip trims and byte-bounds an untrusted string. Router policy is to
// coerce inbound fields to safe bounds rather than reject them.
func clip(value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) > max {
		value = value[:max]
	}
	return value
}
