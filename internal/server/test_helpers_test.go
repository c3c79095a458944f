package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/accounts"
	"github.com/MarcoPoloResearchLab/parlor/internal/directory"
	"github.com/MarcoPoloResearchLab/parlor/internal/presence"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// memoryStore satisfies directory.Store without touching a database. Router
// tests care about fan-out, not persistence.
type memoryStore struct{}

func (memoryStore) LoadState(context.Context) (directory.StateSnapshot, error) {
	return directory.StateSnapshot{}, nil
}
func (memoryStore) SaveRoom(context.Context, directory.RoomRecord) error     { return nil }
func (memoryStore) DeleteRoom(context.Context, string) error                 { return nil }
func (memoryStore) AddMember(context.Context, string, string) error          { return nil }
func (memoryStore) SaveRoomMessage(context.Context, directory.MessageRecord) error {
	return nil
}
func (memoryStore) UpdateRoomMessageReactions(context.Context, string, map[string][]string) error {
	return nil
}
func (memoryStore) SaveThread(context.Context, directory.ThreadRecord) error { return nil }
func (memoryStore) SaveThreadMessage(context.Context, directory.MessageRecord) error {
	return nil
}
func (memoryStore) UpdateThreadMessageReactions(context.Context, string, map[string][]string) error {
	return nil
}

// recordedFrame is one delivery the fake sender observed, already decoded.
type recordedFrame struct {
	To    []string
	All   bool
	Event string
	Data  json.RawMessage
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (f *frameRecorder) record(to []string, all bool, frame []byte) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		panic(fmt.Sprintf("unparseable outbound frame: %v", err))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, recordedFrame{
		To:    append([]string(nil), to...),
		All:   all,
		Event: envelope.Event,
		Data:  envelope.Data,
	})
}

func (f *frameRecorder) SendTo(connectionID string, frame []byte) {
	f.record([]string{connectionID}, false, frame)
}

func (f *frameRecorder) SendToMany(connectionIDs []string, frame []byte) {
	f.record(connectionIDs, false, frame)
}

func (f *frameRecorder) BroadcastAll(frame []byte) {
	f.record(nil, true, frame)
}

// framesFor lists the events a connection would have received, broadcasts
// included, since the mark index.
func (f *frameRecorder) framesFor(connectionID string, since int) []recordedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []recordedFrame
	for _, frame := range f.frames[since:] {
		if frame.All {
			out = append(out, frame)
			continue
		}
		for _, to := range frame.To {
			if to == connectionID {
				out = append(out, frame)
				break
			}
		}
	}
	return out
}

func (f *frameRecorder) mark() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *frameRecorder) lastFor(t *testing.T, connectionID, event string) recordedFrame {
	t.Helper()
	frames := f.framesFor(connectionID, 0)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i]
		}
	}
	t.Fatalf("no %q frame delivered to %s", event, connectionID)
	return recordedFrame{}
}

func hasEvent(frames []recordedFrame, event string) bool {
	for _, frame := range frames {
		if frame.Event == event {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu   sync.Mutex
	next int
}

func (p *seqIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
}

// timerRecorder captures scheduled expiries so tests fire them by hand.
type timerRecorder struct {
	mu     sync.Mutex
	timers []func()
}

func (tr *timerRecorder) Schedule(_ time.Duration, fn func()) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.timers = append(tr.timers, fn)
}

func (tr *timerRecorder) fireAll() {
	tr.mu.Lock()
	timers := tr.timers
	tr.timers = nil
	tr.mu.Unlock()
	for _, fn := range timers {
		fn()
	}
}

type routerFixture struct {
	events   *EventRouter
	recorder *frameRecorder
	timers   *timerRecorder
	clock    *fakeClock
	dir      *directory.Directory
	registry *presence.Registry
	accounts *accounts.Service
}

func openAccountsDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&accounts.Account{}, &accounts.Follow{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1756000000, 0).UTC()}

	dir, err := directory.NewDirectory(directory.Config{
		Store:      memoryStore{},
		Clock:      clock.Now,
		IDProvider: &seqIDs{},
	})
	if err != nil {
		t.Fatalf("unexpected directory error: %v", err)
	}
	if err := dir.Hydrate(context.Background()); err != nil {
		t.Fatalf("unexpected hydrate error: %v", err)
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database: openAccountsDatabase(t),
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected accounts error: %v", err)
	}

	recorder := &frameRecorder{}
	timers := &timerRecorder{}
	registry := presence.NewRegistry(clock.Now)

	events, err := NewEventRouter(EventRouterConfig{
		Directory: dir,
		Registry:  registry,
		Accounts:  accountService,
		Sender:    recorder,
		Logger:    zap.NewNop(),
		Clock:     clock.Now,
		IDs:       &seqIDs{},
		Schedule:  timers.Schedule,
	})
	if err != nil {
		t.Fatalf("unexpected router error: %v", err)
	}

	return &routerFixture{
		events:   events,
		recorder: recorder,
		timers:   timers,
		clock:    clock,
		dir:      dir,
		registry: registry,
		accounts: accountService,
	}
}

func (f *routerFixture) connect(t *testing.T, connectionID, username string) presence.User {
	t.Helper()
	return f.events.HandleConnect(context.Background(), connectionID, HandshakePayload{Username: username})
}

func (f *routerFixture) frame(t *testing.T, connectionID, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	f.events.HandleFrame(context.Background(), connectionID, raw)
}

func decodeInto(t *testing.T, data json.RawMessage, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to decode frame data: %v", err)
	}
}
