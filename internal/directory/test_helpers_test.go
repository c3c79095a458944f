package directory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// stubStore records write-through calls and can inject failures.
type stubStore struct {
	savedRooms     []RoomRecord
	deletedRooms   []string
	members        []string // "roomID/username"
	roomMessages   []MessageRecord
	threads        []ThreadRecord
	threadMessages []MessageRecord
	failWrites     error
	snapshot       StateSnapshot
}

func (s *stubStore) LoadState(context.Context) (StateSnapshot, error) {
	return s.snapshot, nil
}

func (s *stubStore) SaveRoom(_ context.Context, record RoomRecord) error {
	if s.failWrites != nil {
		return s.failWrites
	}
	s.savedRooms = append(s.savedRooms, record)
	return nil
}

func (s *stubStore) DeleteRoom(_ context.Context, roomID string) error {
	if s.failWrites != nil {
		return s.failWrites
	}
	s.deletedRooms = append(s.deletedRooms, roomID)
	return nil
}

func (s *stubStore) AddMember(_ context.Context, roomID, username string) error {
	if s.failWrites != nil {
		return s.failWrites
	}
	s.members = append(s.members, roomID+"/"+username)
	return nil
}

func (s *stubStore) SaveRoomMessage(_ context.Context, record MessageRecord) error {
	if s.failWrites != nil {
		return s.failWrites
	}
	s.roomMessages = append(s.roomMessages, record)
	return nil
}

func (s *stubStore) UpdateRoomMessageReactions(context.Context, string, map[string][]string) error {
	return s.failWrites
}

func (s *stubStore) SaveThread(_ context.Context, record ThreadRecord) error {
	if s.failWrites != nil {
		return s.failWrites
	}
	s.threads = append(s.threads, record)
	return nil
}

func (s *stubStore) SaveThreadMessage(_ context.Context, record MessageRecord) error {
	if s.failWrites != nil {
		return s.failWrites
	}
	s.threadMessages = append(s.threadMessages, record)
	return nil
}

func (s *stubStore) UpdateThreadMessageReactions(context.Context, string, map[string][]string) error {
	return s.failWrites
}

// sequenceIDs issues deterministic ids msg-1, msg-2, ...
type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("msg-%d", p.next), nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestDirectory(t *testing.T, store *stubStore) (*Directory, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1756000000, 0).UTC()}
	dir, err := NewDirectory(Config{
		Store:      store,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("unexpected directory error: %v", err)
	}
	if err := dir.Hydrate(context.Background()); err != nil {
		t.Fatalf("unexpected hydrate error: %v", err)
	}
	return dir, clock
}

func mustCreateRoom(t *testing.T, dir *Directory, name, creator string) (RoomSummary, string) {
	t.Helper()
	summary, code, err := dir.CreateRoom(context.Background(), name, "", creator)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return summary, code
}

func mustJoin(t *testing.T, dir *Directory, roomID, connectionID, username string) JoinResult {
	t.Helper()
	result, err := dir.Join(roomID, connectionID, username)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	return result
}

func mustPost(t *testing.T, dir *Directory, roomID string, sender Sender, text string) Message {
	t.Helper()
	message, err := dir.PostMessage(context.Background(), roomID, sender, text, nil)
	if err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}
	return message
}
