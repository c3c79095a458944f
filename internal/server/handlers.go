package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/accounts"
	"github.com/MarcoPoloResearchLab/parlor/internal/directory"
	"github.com/MarcoPoloResearchLab/parlor/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/parlor/internal/presence"
	"go.uber.org/zap"
)

const (
	maxMessagePayload = 2000
	maxBioLength      = 300
	maxStatusLength   = 100
)

type roomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *EventRouter) handleRoomJoin(user presence.User, data json.RawMessage) {
	var request roomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	result, err := r.directory.Join(request.RoomID, user.ConnectionID, user.Username)
	if err != nil {
		// Non-members hear nothing; the room must stay unenumerable.
		r.logger.Debug("join rejected",
			zap.String("room_id", request.RoomID),
			zap.String("username", user.Username),
			zap.Error(err))
		return
	}

	r.emit(user.ConnectionID, eventRoomJoined, result)
	conns := r.directory.LiveConnections(result.Room.ID)
	r.emitMany(except(conns, user.ConnectionID), eventRoomMembers, map[string]any{
		"roomId": result.Room.ID, "members": result.Members,
	})
	r.emitMany(conns, eventRoomUpdated, map[string]any{"room": result.Room})
}

func (r *EventRouter) handleRoomLeave(user presence.User, data json.RawMessage) {
	var request roomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	summary, members, left := r.directory.Leave(request.RoomID, user.ConnectionID)
	if !left {
		return
	}

	r.emit(user.ConnectionID, eventRoomLeft, map[string]any{"roomId": request.RoomID})
	conns := r.directory.LiveConnections(request.RoomID)
	r.emitMany(conns, eventRoomMembers, map[string]any{
		"roomId": request.RoomID, "members": members,
	})
	r.emitMany(conns, eventRoomUpdated, map[string]any{"room": summary})
}

func (r *EventRouter) handleRoomCreate(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	summary, inviteCode, err := r.directory.CreateRoom(ctx, request.Name, request.Description, user.Username)
	if err != nil {
		if event, surfaced := errorEventFor(err); surfaced {
			r.emit(user.ConnectionID, event, map[string]any{"error": err.Error()})
			return
		}
		r.logger.Error("room create failed", zap.String("username", user.Username), zap.Error(err))
		return
	}

	// A new room is invisible to everyone but its creator until an invite.
	r.emit(user.ConnectionID, eventRoomCreated, map[string]any{
		"room": summary, "inviteCode": inviteCode,
	})
	r.pushRoomList(user.Username)
}

func (r *EventRouter) handleRoomInvite(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		RoomID   string `json:"roomId"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	target := clip(request.Username, 32)
	if target == "" || target == user.Username {
		return
	}
	if !r.directory.IsMember(request.RoomID, user.Username) {
		return
	}

	summary, err := r.directory.AddDurableMember(ctx, request.RoomID, target)
	if err != nil {
		return
	}

	r.emit(user.ConnectionID, eventRoomInviteSent, map[string]any{
		"roomId": request.RoomID, "username": target,
	})
	if conns := r.registry.ConnectionsFor(target); len(conns) > 0 {
		r.emitMany(conns, eventRoomInvited, map[string]any{"room": summary})
		r.pushRoomList(target)
	}
}

func (r *EventRouter) handleRoomGetInvite(user presence.User, data json.RawMessage) {
	var request roomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	code, err := r.directory.InviteCode(request.RoomID, user.Username)
	if err != nil {
		return
	}
	r.emit(user.ConnectionID, eventRoomInviteCode, map[string]any{
		"roomId": request.RoomID, "code": code,
	})
}

func (r *EventRouter) handleRoomJoinByCode(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	summary, found := r.directory.RoomByInviteCode(request.Code)
	if !found {
		r.emit(user.ConnectionID, eventJoinByCodeError, map[string]any{
			"error": "invalid invite code",
		})
		return
	}
	updated, err := r.directory.AddDurableMember(ctx, summary.ID, user.Username)
	if err != nil {
		r.emit(user.ConnectionID, eventJoinByCodeError, map[string]any{
			"error": "invalid invite code",
		})
		return
	}
	r.emit(user.ConnectionID, eventRoomInvited, map[string]any{"room": updated})
	r.pushRoomList(user.Username)
}

func (r *EventRouter) handleMessageSend(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		RoomID  string              `json:"roomId"`
		Text    string              `json:"text"`
		ReplyTo *directory.ReplyRef `json:"replyTo"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	if !r.directory.IsMember(request.RoomID, user.Username) {
		return
	}
	text := clip(request.Text, maxMessagePayload)
	if text == "" {
		return
	}

	message, err := r.directory.PostMessage(ctx, request.RoomID, senderOf(user), text, request.ReplyTo)
	if err != nil {
		r.logger.Debug("message rejected",
			zap.String("room_id", request.RoomID),
			zap.String("username", user.Username),
			zap.Error(err))
		return
	}

	r.emitMany(r.directory.LiveConnections(request.RoomID), eventMessageReceived, map[string]any{
		"roomId": request.RoomID, "message": message,
	})
}

func (r *EventRouter) handleDMOpen(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		ToUserID string `json:"toUserId"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}
	target := clip(request.ToUserID, 32)
	if target == "" || target == user.Username {
		return
	}

	state, _, err := r.directory.OpenThread(ctx, user.Username, target)
	if err != nil {
		return
	}
	r.emit(user.ConnectionID, eventDMOpened, state)
}

func (r *EventRouter) handleDMSend(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		ToUserID string              `json:"toUserId"`
		Text     string              `json:"text"`
		ReplyTo  *directory.ReplyRef `json:"replyTo"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}
	target := clip(request.ToUserID, 32)
	if target == "" || target == user.Username {
		return
	}
	text := clip(request.Text, maxMessagePayload)
	if text == "" {
		return
	}

	// Sending creates the thread lazily, same as opening it first.
	if _, _, err := r.directory.OpenThread(ctx, user.Username, target); err != nil {
		return
	}
	threadID := directory.ThreadID(user.Username, target)
	message, participants, err := r.directory.PostThreadMessage(ctx, threadID, senderOf(user), text, request.ReplyTo)
	if err != nil {
		r.logger.Debug("dm rejected",
			zap.String("thread_id", threadID),
			zap.String("username", user.Username),
			zap.Error(err))
		return
	}

	// Delivery goes to every live connection of both usernames, so a
	// participant who reconnected mid-thread still gets the push.
	r.emitMany(r.connectionsOf(participants[0], participants[1]), eventDMReceived, map[string]any{
		"threadId": threadID, "message": message,
	})
}

func (r *EventRouter) handleReactionToggle(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		MessageID string `json:"messageId"`
		RoomID    string `json:"roomId"`
		DMID      string `json:"dmId"`
		Emoji     string `json:"emoji"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}
	emoji := clip(request.Emoji, 32)
	if emoji == "" || request.MessageID == "" {
		return
	}

	switch {
	case request.RoomID != "":
		if !r.directory.IsMember(request.RoomID, user.Username) {
			return
		}
		reactions, err := r.directory.ToggleReaction(ctx, request.RoomID, request.MessageID, user.Username, emoji)
		if err != nil {
			return
		}
		r.emitMany(r.directory.LiveConnections(request.RoomID), eventReactionUpdate, map[string]any{
			"roomId": request.RoomID, "messageId": request.MessageID, "reactions": reactions,
		})
	case request.DMID != "":
		state, found := r.directory.Thread(request.DMID)
		if !found || !isParticipant(state, user.Username) {
			return
		}
		reactions, participants, err := r.directory.ToggleThreadReaction(ctx, request.DMID, request.MessageID, user.Username, emoji)
		if err != nil {
			return
		}
		r.emitMany(r.connectionsOf(participants[0], participants[1]), eventReactionUpdate, map[string]any{
			"dmId": request.DMID, "messageId": request.MessageID, "reactions": reactions,
		})
	}
}

func (r *EventRouter) handleTyping(user presence.User, data json.RawMessage, start bool) {
	var request roomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}
	if !r.directory.IsMember(request.RoomID, user.Username) {
		return
	}

	var names []string
	if start {
		names = r.typing.Start(request.RoomID, user.ConnectionID, user.Username)
	} else {
		names = r.typing.Stop(request.RoomID, user.ConnectionID)
	}
	r.emitMany(r.directory.LiveConnections(request.RoomID), eventTypingUpdate, map[string]any{
		"roomId": request.RoomID, "users": names,
	})
}

func (r *EventRouter) handleProfileUpdate(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		DisplayName    string `json:"displayName"`
		Bio            string `json:"bio"`
		StatusEmoji    string `json:"statusEmoji"`
		StatusText     string `json:"statusText"`
		PresenceStatus string `json:"presenceStatus"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	fields := presence.ProfileFields{
		DisplayName:    clip(request.DisplayName, 50),
		Bio:            clip(request.Bio, maxBioLength),
		StatusEmoji:    clip(request.StatusEmoji, 32),
		StatusText:     clip(request.StatusText, maxStatusLength),
		PresenceStatus: clip(request.PresenceStatus, 32),
	}
	updated, ok := r.registry.UpdateProfile(user.ConnectionID, fields)
	if !ok {
		return
	}

	// Guests have no durable row; the update below matches nothing and the
	// in-memory change still broadcasts.
	if err := r.accounts.UpdateProfile(ctx, user.Username, accounts.ProfileFields{
		DisplayName:    fields.DisplayName,
		Bio:            fields.Bio,
		StatusEmoji:    fields.StatusEmoji,
		StatusText:     fields.StatusText,
		PresenceStatus: fields.PresenceStatus,
	}); err != nil {
		r.logger.Error("profile persist failed", zap.String("username", user.Username), zap.Error(err))
	}

	r.emitAll(eventUserUpdated, map[string]any{"user": updated})
}

func (r *EventRouter) handleAvatarChange(ctx context.Context, user presence.User, data json.RawMessage) {
	var request struct {
		Avatar string `json:"avatar"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}

	avatar := clip(request.Avatar, 300)
	updated, ok := r.registry.UpdateAvatar(user.ConnectionID, avatar)
	if !ok {
		return
	}
	if err := r.accounts.UpdateAvatar(ctx, user.Username, avatar); err != nil {
		r.logger.Error("avatar persist failed", zap.String("username", user.Username), zap.Error(err))
	}

	r.emitAll(eventUserUpdated, map[string]any{"user": updated})
}

func (r *EventRouter) handleEchoPulse(user presence.User, data json.RawMessage) {
	var request struct {
		Text     string `json:"text"`
		FromRoom string `json:"fromRoom"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}
	text := clip(request.Text, maxMessagePayload)
	if text == "" {
		return
	}

	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Error("echo id generation failed", zap.Error(err))
		return
	}
	now := r.clock().UTC()
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	echo := ephemeral.Echo{
		ID:         id,
		SenderID:   user.Username,
		SenderName: name,
		Color:      user.Color,
		Avatar:     user.Avatar,
		Text:       text,
		FromRoom:   clip(request.FromRoom, 64),
		PostedAt:   now,
		ExpiresAt:  now.Add(ephemeral.EchoLifetime),
	}
	r.echoes.Post(echo)
	r.emitAll(eventEchoNew, map[string]any{"echo": echo})

	// One timer owns the expiry; Remove reports whether it actually fired
	// first, so a double fire cannot broadcast twice.
	r.schedule(ephemeral.EchoLifetime, func() {
		if r.echoes.Remove(id) {
			r.emitAll(eventEchoExpire, map[string]any{"id": id})
		}
	})
}

func (r *EventRouter) handleFollow(ctx context.Context, user presence.User, data json.RawMessage, follow bool) {
	var request struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}
	target := clip(request.Username, 32)
	if target == "" {
		return
	}

	var err error
	if follow {
		err = r.accounts.FollowUser(ctx, user.Username, target)
	} else {
		err = r.accounts.UnfollowUser(ctx, user.Username, target)
	}
	if err != nil {
		// Self-follows and guest edges fail silently, like everything else.
		r.logger.Debug("follow change rejected",
			zap.String("follower", user.Username),
			zap.String("target", target),
			zap.Error(err))
	}
}

// SweepExpiredRooms removes every room past its inactivity window and tells
// the online durable members. Returns how many rooms were removed.
func (r *EventRouter) SweepExpiredRooms(ctx context.Context) int {
	removed := 0
	for _, expired := range r.directory.ExpireInactive(r.clock()) {
		members, ok := r.directory.RemoveRoom(ctx, expired.ID)
		if !ok {
			continue
		}
		removed++
		r.emitMany(r.connectionsOf(members...), eventRoomRemoved, map[string]any{
			"roomId": expired.ID,
		})
		for _, username := range members {
			r.pushRoomList(username)
		}
		r.logger.Info("room expired",
			zap.String("room_id", expired.ID),
			zap.Time("last_activity_at", expired.LastActivityAt))
	}
	return removed
}

// StartSweeper runs the expiry sweep on a fixed interval until ctx ends.
func (r *EventRouter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepExpiredRooms(ctx)
			}
		}
	}()
}

func senderOf(user presence.User) directory.Sender {
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	return directory.Sender{
		Username: user.Username,
		Name:     name,
		Color:    user.Color,
		Avatar:   user.Avatar,
		Tag:      user.Tag,
	}
}

func isParticipant(state directory.ThreadState, username string) bool {
	return state.Participants[0] == username || state.Participants[1] == username
}
