package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var ada = Sender{Username: "ada", Name: "Ada", Color: "#ff0066", Avatar: "owl", Tag: "pioneer"}

func TestHydrateCreatesGeneralExactlyOnce(t *testing.T) {
	store := &stubStore{}
	dir, _ := newTestDirectory(t, store)

	general, ok := dir.Room(GeneralRoomID)
	if !ok || general.Name != "General" {
		t.Fatalf("expected general room, got ok=%v room=%+v", ok, general)
	}
	if len(store.savedRooms) != 1 || store.savedRooms[0].ID != GeneralRoomID {
		t.Fatalf("expected general persisted once, got %+v", store.savedRooms)
	}

	// A directory hydrated from a store that already has general must not re-create it.
	second := &stubStore{snapshot: StateSnapshot{Rooms: []RoomRecord{{
		ID: GeneralRoomID, Name: "General", CreatedAt: time.Unix(1, 0), LastActivityAt: time.Unix(1, 0),
	}}}}
	newTestDirectory(t, second)
	if len(second.savedRooms) != 0 {
		t.Fatalf("expected no save for pre-existing general, got %+v", second.savedRooms)
	}
}

func TestCreateRoomValidatesNameAndDescription(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	ctx := context.Background()

	if _, _, err := dir.CreateRoom(ctx, "   ", "", "ada"); !errors.Is(err, ErrInvalidRoomName) {
		t.Fatalf("expected invalid name for blank input, got %v", err)
	}
	if _, _, err := dir.CreateRoom(ctx, strings.Repeat("n", 51), "", "ada"); !errors.Is(err, ErrInvalidRoomName) {
		t.Fatalf("expected invalid name for oversized input, got %v", err)
	}
	if _, _, err := dir.CreateRoom(ctx, "Nova", strings.Repeat("d", 201), "ada"); !errors.Is(err, ErrInvalidRoomDescription) {
		t.Fatalf("expected invalid description, got %v", err)
	}
}

func TestCreateRoomPersistsBeforeReturning(t *testing.T) {
	store := &stubStore{}
	dir, _ := newTestDirectory(t, store)

	summary, code, err := dir.CreateRoom(context.Background(), "Nova", "quiet corner", "ada")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if code == "" {
		t.Fatalf("expected an invite code")
	}
	if summary.MemberCount != 0 {
		t.Fatalf("creator is not live-joined yet, got count %d", summary.MemberCount)
	}

	var saved *RoomRecord
	for i := range store.savedRooms {
		if store.savedRooms[i].ID == summary.ID {
			saved = &store.savedRooms[i]
		}
	}
	if saved == nil {
		t.Fatalf("expected room persisted, saved=%+v", store.savedRooms)
	}
	if len(store.members) != 1 || store.members[0] != summary.ID+"/ada" {
		t.Fatalf("expected creator as first durable member, got %v", store.members)
	}
}

func TestJoinRejectsNonMembersSilently(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")

	if _, err := dir.Join(summary.ID, "conn-b", "bob"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected membership rejection, got %v", err)
	}
	// Nova must not leak into bob's room list either.
	for _, visible := range dir.VisibleTo("bob") {
		if visible.ID == summary.ID {
			t.Fatalf("private room leaked into non-member list")
		}
	}
}

func TestJoinReturnsHistoryAndLiveMembers(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")
	mustJoin(t, dir, summary.ID, "conn-a", "ada")
	mustPost(t, dir, summary.ID, ada, "hello nova")

	dir.AddDurableMember(context.Background(), summary.ID, "grace")
	result := mustJoin(t, dir, summary.ID, "conn-g", "grace")
	if len(result.Messages) != 1 || result.Messages[0].Text != "hello nova" {
		t.Fatalf("expected history on join, got %+v", result.Messages)
	}
	if len(result.Members) != 2 {
		t.Fatalf("expected two live members, got %v", result.Members)
	}
	if result.Room.MemberCount != 2 {
		t.Fatalf("member count must track live connections, got %d", result.Room.MemberCount)
	}
}

func TestAnyoneMayJoinGeneral(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	result := mustJoin(t, dir, GeneralRoomID, "conn-1", "drifter")
	if result.Room.ID != GeneralRoomID {
		t.Fatalf("expected general join, got %+v", result.Room)
	}
}

func TestLeaveKeepsDurableMembership(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")
	mustJoin(t, dir, summary.ID, "conn-a", "ada")

	left, members, ok := dir.Leave(summary.ID, "conn-a")
	if !ok || left.MemberCount != 0 || len(members) != 0 {
		t.Fatalf("unexpected leave result: ok=%v summary=%+v members=%v", ok, left, members)
	}
	// Still a durable member: re-join succeeds.
	mustJoin(t, dir, summary.ID, "conn-a2", "ada")

	if _, _, ok := dir.Leave(summary.ID, "conn-never-joined"); ok {
		t.Fatalf("leaving without live membership must be a no-op")
	}
}

func TestHistoryCapEvictsStrictlyOldest(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")

	for i := 1; i <= 101; i++ {
		mustPost(t, dir, summary.ID, ada, fmt.Sprintf("message %d", i))
	}

	history, ok := dir.History(summary.ID)
	if !ok {
		t.Fatalf("expected room history")
	}
	if len(history) != 100 {
		t.Fatalf("expected history capped at 100, got %d", len(history))
	}
	if history[0].Text != "message 2" {
		t.Fatalf("expected the very first message evicted, oldest retained is %q", history[0].Text)
	}
	if history[99].Text != "message 101" {
		t.Fatalf("expected newest message retained, got %q", history[99].Text)
	}
}

func TestPostMessageValidation(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")
	ctx := context.Background()

	if _, err := dir.PostMessage(ctx, summary.ID, ada, "   \n  ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	if _, err := dir.PostMessage(ctx, summary.ID, ada, strings.Repeat("x", 2001), nil); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected too-long error, got %v", err)
	}
	if _, err := dir.PostMessage(ctx, "missing-room", ada, "hi", nil); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room-not-found, got %v", err)
	}
}

func TestPostMessageClampsReplyReference(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")

	message, err := dir.PostMessage(context.Background(), summary.ID, ada, "answer", &ReplyRef{
		ID:         "msg-0",
		Text:       strings.Repeat("q", 300),
		SenderName: strings.Repeat("n", 80),
	})
	if err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}
	if len(message.ReplyTo.Text) != 200 || len(message.ReplyTo.SenderName) != 50 {
		t.Fatalf("expected clamped reply, got text=%d sender=%d", len(message.ReplyTo.Text), len(message.ReplyTo.SenderName))
	}
}

func TestStoreFailureDoesNotRollBackBuffer(t *testing.T) {
	store := &stubStore{}
	dir, _ := newTestDirectory(t, store)
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")

	store.failWrites = errors.New("disk on fire")
	message, err := dir.PostMessage(context.Background(), summary.ID, ada, "still buffered", nil)
	if err != nil {
		t.Fatalf("store failure must not surface to the sender: %v", err)
	}
	history, _ := dir.History(summary.ID)
	if len(history) != 1 || history[0].ID != message.ID {
		t.Fatalf("expected message buffered despite store failure, got %+v", history)
	}
}

func TestToggleReactionIsItsOwnInverse(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")
	message := mustPost(t, dir, summary.ID, ada, "react to me")
	ctx := context.Background()

	first, err := dir.ToggleReaction(ctx, summary.ID, message.ID, "ada", "🔥")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if len(first["🔥"]) != 1 || first["🔥"][0] != "ada" {
		t.Fatalf("expected ada's vote recorded, got %v", first)
	}

	second, err := dir.ToggleReaction(ctx, summary.ID, message.ID, "ada", "🔥")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected reaction map back to original state, got %v", second)
	}

	if _, err := dir.ToggleReaction(ctx, summary.ID, "missing", "ada", "🔥"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected message-not-found, got %v", err)
	}
}

func TestExpireInactiveSkipsGeneralAndFreshRooms(t *testing.T) {
	dir, clock := newTestDirectory(t, &stubStore{})
	stale, _ := mustCreateRoom(t, dir, "Stale", "ada")
	clock.Advance(90 * time.Minute)
	fresh, _ := mustCreateRoom(t, dir, "Fresh", "ada")

	clock.Advance(31 * time.Minute) // Stale is now 2h01m idle, Fresh 31m.
	expired := dir.ExpireInactive(clock.Now())
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expected exactly the stale room, got %+v", expired)
	}

	// General is exempt no matter how old its activity stamp is.
	clock.Advance(400 * time.Hour)
	expired = dir.ExpireInactive(clock.Now())
	if len(expired) != 2 {
		t.Fatalf("expected stale and fresh to expire eventually, got %+v", expired)
	}
	for _, candidate := range expired {
		if candidate.ID == GeneralRoomID {
			t.Fatalf("general must never expire")
		}
		if candidate.ID != stale.ID && candidate.ID != fresh.ID {
			t.Fatalf("unexpected expired room %+v", candidate)
		}
	}
}

func TestActivityStampResetsExpiryWindow(t *testing.T) {
	dir, clock := newTestDirectory(t, &stubStore{})
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")

	clock.Advance(110 * time.Minute)
	mustPost(t, dir, summary.ID, ada, "keepalive")
	clock.Advance(115 * time.Minute)

	if expired := dir.ExpireInactive(clock.Now()); len(expired) != 0 {
		t.Fatalf("message activity must reset the window, got %+v", expired)
	}
}

func TestRemoveRoomDeletesStateAndReportsMembers(t *testing.T) {
	store := &stubStore{}
	dir, _ := newTestDirectory(t, store)
	summary, _ := mustCreateRoom(t, dir, "Nova", "ada")
	dir.AddDurableMember(context.Background(), summary.ID, "grace")

	members, ok := dir.RemoveRoom(context.Background(), summary.ID)
	if !ok || len(members) != 2 {
		t.Fatalf("expected removal with both durable members, ok=%v members=%v", ok, members)
	}
	if _, ok := dir.Room(summary.ID); ok {
		t.Fatalf("expected room gone after removal")
	}
	if len(store.deletedRooms) != 1 || store.deletedRooms[0] != summary.ID {
		t.Fatalf("expected store deletion, got %v", store.deletedRooms)
	}

	if _, ok := dir.RemoveRoom(context.Background(), GeneralRoomID); ok {
		t.Fatalf("general must not be removable")
	}
}

func TestVisibleToListsGeneralPlusMemberships(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	nova, _ := mustCreateRoom(t, dir, "Nova", "ada")
	mustCreateRoom(t, dir, "Hidden", "grace")

	visible := dir.VisibleTo("ada")
	if len(visible) != 2 {
		t.Fatalf("expected general plus nova, got %+v", visible)
	}
	if visible[0].ID != GeneralRoomID {
		t.Fatalf("expected general listed first, got %+v", visible)
	}
	if visible[1].ID != nova.ID {
		t.Fatalf("expected nova visible to ada, got %+v", visible)
	}

	// A user with no memberships still sees general.
	orphanList := dir.VisibleTo("nobody")
	if len(orphanList) != 1 || orphanList[0].ID != GeneralRoomID {
		t.Fatalf("expected only general, got %+v", orphanList)
	}
}

func TestInviteCodeFlow(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	summary, code := mustCreateRoom(t, dir, "Nova", "ada")

	got, err := dir.InviteCode(summary.ID, "ada")
	if err != nil || got != code {
		t.Fatalf("expected creator to read the code, got %q err=%v", got, err)
	}
	if _, err := dir.InviteCode(summary.ID, "bob"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected non-member rejection, got %v", err)
	}

	resolved, ok := dir.RoomByInviteCode(code)
	if !ok || resolved.ID != summary.ID {
		t.Fatalf("expected code to resolve, got ok=%v room=%+v", ok, resolved)
	}
	if _, ok := dir.RoomByInviteCode("bogus"); ok {
		t.Fatalf("expected bogus code to fail")
	}
	if _, ok := dir.RoomByInviteCode(""); ok {
		t.Fatalf("general has no code; empty must never match")
	}
}

func TestDropConnectionClearsEveryLiveSet(t *testing.T) {
	dir, _ := newTestDirectory(t, &stubStore{})
	nova, _ := mustCreateRoom(t, dir, "Nova", "ada")
	mustJoin(t, dir, nova.ID, "conn-a", "ada")
	mustJoin(t, dir, GeneralRoomID, "conn-a", "ada")
	mustJoin(t, dir, GeneralRoomID, "conn-g", "grace")

	affected := dir.DropConnection("conn-a")
	if len(affected) != 2 {
		t.Fatalf("expected both rooms affected, got %+v", affected)
	}
	for _, result := range affected {
		if result.Room.ID == GeneralRoomID && len(result.Members) != 1 {
			t.Fatalf("expected grace to remain in general, got %v", result.Members)
		}
		if result.Room.ID == nova.ID && len(result.Members) != 0 {
			t.Fatalf("expected nova emptied, got %v", result.Members)
		}
	}
}
