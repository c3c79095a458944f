// Package presence tracks which connections are live and who they belong to.
// Durable identity lives in accounts; this registry only mirrors it for the
// lifetime of a socket.
package presence

import (
	"sync"
	"time"
)

// Identity carries the handshake fields a client presents when connecting.
type Identity struct {
	Username string
	Color    string
	Avatar   string
	Tag      string
}

// ProfileFields carries the mutable profile attributes of a live user.
type ProfileFields struct {
	DisplayName    string
	Bio            string
	StatusEmoji    string
	StatusText     string
	PresenceStatus string
}

// User is the composed view of a live connection. ConnectionID is unique per
// socket and never stable across reconnects; Username is the durable key.
type User struct {
	ConnectionID   string    `json:"id"`
	Username       string    `json:"username"`
	Color          string    `json:"color"`
	Avatar         string    `json:"avatar"`
	Tag            string    `json:"tag"`
	DisplayName    string    `json:"displayName"`
	Bio            string    `json:"bio"`
	StatusEmoji    string    `json:"statusEmoji"`
	StatusText     string    `json:"statusText"`
	PresenceStatus string    `json:"presenceStatus"`
	ConnectedAt    time.Time `json:"connectedAt"`
}

// Registry is the session/presence registry. All maps are guarded by a single
// mutex because socket reads, timer sweeps and HTTP handlers run on separate
// goroutines.
type Registry struct {
	mu           sync.RWMutex
	byConnection map[string]*User
	byUsername   map[string]map[string]struct{}
	clock        func() time.Time
}

// NewRegistry constructs an empty registry with an injectable clock.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		byConnection: make(map[string]*User),
		byUsername:   make(map[string]map[string]struct{}),
		clock:        clock,
	}
}

// Register composes a live user from the handshake identity and, when the
// username has a durable row, its persisted profile fields.
func (r *Registry) Register(connectionID string, identity Identity, profile *ProfileFields) User {
	r.mu.Lock()
	defer r.mu.Unlock()

	user := &User{
		ConnectionID:   connectionID,
		Username:       identity.Username,
		Color:          identity.Color,
		Avatar:         identity.Avatar,
		Tag:            identity.Tag,
		PresenceStatus: "online",
		ConnectedAt:    r.clock().UTC(),
	}
	if profile != nil {
		user.DisplayName = profile.DisplayName
		user.Bio = profile.Bio
		user.StatusEmoji = profile.StatusEmoji
		user.StatusText = profile.StatusText
		if profile.PresenceStatus != "" {
			user.PresenceStatus = profile.PresenceStatus
		}
	}

	r.byConnection[connectionID] = user
	if _, ok := r.byUsername[user.Username]; !ok {
		r.byUsername[user.Username] = make(map[string]struct{})
	}
	r.byUsername[user.Username][connectionID] = struct{}{}

	return *user
}

// Unregister removes a connection and reports whether a live user was
// actually removed, so callers broadcast "offline" exactly once.
func (r *Registry) Unregister(connectionID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConnection[connectionID]
	if !ok {
		return User{}, false
	}
	delete(r.byConnection, connectionID)
	if conns, ok := r.byUsername[user.Username]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.byUsername, user.Username)
		}
	}
	return *user, true
}

// UpdateProfile applies profile fields to a live connection. Unknown
// connections are a silent no-op.
func (r *Registry) UpdateProfile(connectionID string, fields ProfileFields) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConnection[connectionID]
	if !ok {
		return User{}, false
	}
	user.DisplayName = fields.DisplayName
	user.Bio = fields.Bio
	user.StatusEmoji = fields.StatusEmoji
	user.StatusText = fields.StatusText
	if fields.PresenceStatus != "" {
		user.PresenceStatus = fields.PresenceStatus
	}
	return *user, true
}

// UpdateAvatar swaps the avatar of a live connection.
func (r *Registry) UpdateAvatar(connectionID, avatar string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConnection[connectionID]
	if !ok {
		return User{}, false
	}
	user.Avatar = avatar
	return *user, true
}

// SetPresenceStatus updates the presence indicator of a live connection.
func (r *Registry) SetPresenceStatus(connectionID, status string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConnection[connectionID]
	if !ok {
		return User{}, false
	}
	user.PresenceStatus = status
	return *user, true
}

// ByConnection returns the live user for a connection id.
func (r *Registry) ByConnection(connectionID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byConnection[connectionID]
	if !ok {
		return User{}, false
	}
	return *user, true
}

// ByUsername returns one live user for a username, if any connection is up.
func (r *Registry) ByUsername(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connectionID := range r.byUsername[username] {
		if user, ok := r.byConnection[connectionID]; ok {
			return *user, true
		}
	}
	return User{}, false
}

// ConnectionsFor lists every live connection id bound to a username. This is
// the delivery index: ownership is keyed by username, fan-out by connection.
func (r *Registry) ConnectionsFor(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUsername[username]
	out := make([]string, 0, len(conns))
	for connectionID := range conns {
		out = append(out, connectionID)
	}
	return out
}

// Online reports how many live connections the registry currently tracks.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnection)
}
