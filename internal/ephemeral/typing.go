// Package ephemeral holds short-lived conversational state that is never
// persisted: per-room typing indicators and the auto-expiring echo board.
package ephemeral

import (
	"sort"
	"sync"
)

// TypingTracker tracks which connections are typing in which room. Entries
// carry the username so broadcasts can show display-ready names without a
// registry lookup.
type TypingTracker struct {
	mutex sync.Mutex
	rooms map[string]map[string]string // roomID -> connectionID -> username
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{rooms: make(map[string]map[string]string)}
}

// Start marks the connection as typing and returns the room's current
// typing usernames.
func (t *TypingTracker) Start(roomID, connectionID, username string) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	entries, exists := t.rooms[roomID]
	if !exists {
		entries = make(map[string]string)
		t.rooms[roomID] = entries
	}
	entries[connectionID] = username
	return typingNames(entries)
}

// Stop removes the connection from the room's typing set and returns the
// remaining typing usernames. Stopping when not typing is a no-op.
func (t *TypingTracker) Stop(roomID, connectionID string) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	entries, exists := t.rooms[roomID]
	if !exists {
		return nil
	}
	delete(entries, connectionID)
	if len(entries) == 0 {
		delete(t.rooms, roomID)
		return nil
	}
	return typingNames(entries)
}

// ClearConnection removes the connection from every typing set it occupies
// and returns, per affected room, the remaining typing usernames. Called on
// disconnect so abrupt network loss cannot strand a typing indicator.
func (t *TypingTracker) ClearConnection(connectionID string) map[string][]string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	affected := make(map[string][]string)
	for roomID, entries := range t.rooms {
		if _, typing := entries[connectionID]; !typing {
			continue
		}
		delete(entries, connectionID)
		affected[roomID] = typingNames(entries)
		if len(entries) == 0 {
			delete(t.rooms, roomID)
		}
	}
	return affected
}

// Snapshot returns the room's current typing usernames.
func (t *TypingTracker) Snapshot(roomID string) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return typingNames(t.rooms[roomID])
}

func typingNames(entries map[string]string) []string {
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(entries))
	names := make([]string, 0, len(entries))
	for _, username := range entries {
		if _, duplicate := seen[username]; duplicate {
			continue
		}
		seen[username] = struct{}{}
		names = append(names, username)
	}
	sort.Strings(names)
	return names
}
