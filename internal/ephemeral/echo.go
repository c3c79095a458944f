package ephemeral

import (
	"sort"
	"sync"
	"time"
)

// EchoLifetime is how long an echo stays on the board before its one-shot
// expiry fires.
const EchoLifetime = 10 * time.Minute

// Echo is a fire-and-forget global broadcast. It belongs to no room's
// history and disappears after EchoLifetime.
type Echo struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Color      string    `json:"color,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	Text       string    `json:"text"`
	FromRoom   string    `json:"fromRoom,omitempty"`
	PostedAt   time.Time `json:"postedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// EchoBoard holds the currently-live echoes. Expiry scheduling stays with
// the caller; the board only answers whether a removal actually happened so
// a double-fired timer cannot broadcast twice.
type EchoBoard struct {
	mutex  sync.Mutex
	echoes map[string]Echo
}

func NewEchoBoard() *EchoBoard {
	return &EchoBoard{echoes: make(map[string]Echo)}
}

// Post places the echo on the board.
func (b *EchoBoard) Post(echo Echo) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.echoes[echo.ID] = echo
}

// Remove takes the echo off the board and reports whether it was present.
func (b *EchoBoard) Remove(echoID string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, present := b.echoes[echoID]; !present {
		return false
	}
	delete(b.echoes, echoID)
	return true
}

// Active returns the live echoes ordered oldest first, for the connection
// handshake payload.
func (b *EchoBoard) Active() []Echo {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	active := make([]Echo, 0, len(b.echoes))
	for _, echo := range b.echoes {
		active = append(active, echo)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].PostedAt.Equal(active[j].PostedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].PostedAt.Before(active[j].PostedAt)
	})
	return active
}
