package presence

import (
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Unix(1756000000, 0).UTC()
}

func TestRegisterMergesDurableProfile(t *testing.T) {
	registry := NewRegistry(fixedClock)

	user := registry.Register("conn-1", Identity{
		Username: "ada",
		Color:    "#ff0066",
		Avatar:   "owl",
		Tag:      "pioneer",
	}, &ProfileFields{
		DisplayName:    "Ada L.",
		Bio:            "first programmer",
		PresenceStatus: "busy",
	})

	if user.ConnectionID != "conn-1" || user.Username != "ada" {
		t.Fatalf("unexpected identity: %+v", user)
	}
	if user.DisplayName != "Ada L." || user.PresenceStatus != "busy" {
		t.Fatalf("expected durable fields merged, got %+v", user)
	}
	if !user.ConnectedAt.Equal(fixedClock()) {
		t.Fatalf("expected injected clock timestamp, got %v", user.ConnectedAt)
	}
}

func TestRegisterDefaultsPresenceToOnline(t *testing.T) {
	registry := NewRegistry(fixedClock)
	user := registry.Register("conn-1", Identity{Username: "guest-7"}, nil)
	if user.PresenceStatus != "online" {
		t.Fatalf("expected default presence online, got %q", user.PresenceStatus)
	}
}

func TestUnregisterReportsRemoval(t *testing.T) {
	registry := NewRegistry(fixedClock)
	registry.Register("conn-1", Identity{Username: "ada"}, nil)

	removed, ok := registry.Unregister("conn-1")
	if !ok || removed.Username != "ada" {
		t.Fatalf("expected removed user, got ok=%v user=%+v", ok, removed)
	}
	if _, ok := registry.Unregister("conn-1"); ok {
		t.Fatalf("second unregister must report no removal")
	}
	if registry.Online() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Online())
	}
}

func TestUpdatesAreSilentForUnknownConnections(t *testing.T) {
	registry := NewRegistry(fixedClock)

	if _, ok := registry.UpdateProfile("ghost", ProfileFields{Bio: "x"}); ok {
		t.Fatalf("expected no-op for unknown connection")
	}
	if _, ok := registry.UpdateAvatar("ghost", "cat"); ok {
		t.Fatalf("expected no-op for unknown connection")
	}
	if _, ok := registry.SetPresenceStatus("ghost", "away"); ok {
		t.Fatalf("expected no-op for unknown connection")
	}
}

func TestProfileUpdatesMutateLiveUser(t *testing.T) {
	registry := NewRegistry(fixedClock)
	registry.Register("conn-1", Identity{Username: "ada", Avatar: "owl"}, nil)

	updated, ok := registry.UpdateProfile("conn-1", ProfileFields{
		DisplayName:    "Ada",
		StatusEmoji:    "⚙️",
		StatusText:     "computing",
		PresenceStatus: "busy",
	})
	if !ok || updated.StatusText != "computing" || updated.PresenceStatus != "busy" {
		t.Fatalf("unexpected update result: ok=%v user=%+v", ok, updated)
	}

	updated, ok = registry.UpdateAvatar("conn-1", "raven")
	if !ok || updated.Avatar != "raven" {
		t.Fatalf("unexpected avatar result: ok=%v user=%+v", ok, updated)
	}

	fetched, ok := registry.ByConnection("conn-1")
	if !ok || fetched.Avatar != "raven" || fetched.DisplayName != "Ada" {
		t.Fatalf("expected mutations visible via lookup, got %+v", fetched)
	}
}

func TestConnectionsForTracksEveryLiveSocket(t *testing.T) {
	registry := NewRegistry(fixedClock)
	registry.Register("conn-1", Identity{Username: "ada"}, nil)
	registry.Register("conn-2", Identity{Username: "ada"}, nil)
	registry.Register("conn-3", Identity{Username: "grace"}, nil)

	conns := registry.ConnectionsFor("ada")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for ada, got %d", len(conns))
	}

	registry.Unregister("conn-1")
	conns = registry.ConnectionsFor("ada")
	if len(conns) != 1 || conns[0] != "conn-2" {
		t.Fatalf("expected surviving connection conn-2, got %v", conns)
	}

	if _, ok := registry.ByUsername("grace"); !ok {
		t.Fatalf("expected grace to be discoverable by username")
	}
	if _, ok := registry.ByUsername("nobody"); ok {
		t.Fatalf("expected no user for unknown username")
	}
}
