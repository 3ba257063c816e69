package room

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestStore() (*Store, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewStore(clock), clock
}

func float64p(v float64) *float64 { return &v }
func boolp(v bool) *bool          { return &v }
func stringp(v string) *string    { return &v }

func TestNewStoreInitialState(t *testing.T) {
	store, _ := newTestStore()
	snap := store.Snapshot()

	if snap.Seq != 0 {
		t.Errorf("initial seq = %d, want 0", snap.Seq)
	}
	if snap.IsPlaying {
		t.Error("new store should not be playing")
	}
	if snap.VideoID != "" {
		t.Errorf("initial video id = %q, want empty", snap.VideoID)
	}
}

func TestApplyPlay(t *testing.T) {
	store, _ := newTestStore()
	store.Apply(Update{PlaybackTime: float64p(10)})

	snap := store.Apply(Update{
		IsPlaying:    boolp(true),
		PlaybackTime: float64p(12),
		Action:       "play",
		ActorID:      "conn-1",
		ActorName:    "alice",
	})

	if !snap.IsPlaying {
		t.Error("expected playing after play")
	}
	if snap.PlaybackTime != 12 {
		t.Errorf("playback time = %v, want 12", snap.PlaybackTime)
	}
	if snap.Seq != 2 {
		t.Errorf("seq = %d, want 2", snap.Seq)
	}
	if snap.LastAction != "play" || snap.LastActionByUsername != "alice" {
		t.Errorf("provenance = %q/%q, want play/alice", snap.LastAction, snap.LastActionByUsername)
	}
}

func TestAuthoritativeTimePausedIsExact(t *testing.T) {
	store, clock := newTestStore()
	store.Apply(Update{PlaybackTime: float64p(42.5)})
	clock.Advance(10 * time.Second)

	if got := store.AuthoritativeTime(); got != 42.5 {
		t.Errorf("paused authoritative time = %v, want exactly 42.5", got)
	}
}

func TestAuthoritativeTimeAdvancesWhilePlaying(t *testing.T) {
	store, clock := newTestStore()
	store.Apply(Update{IsPlaying: boolp(true), PlaybackTime: float64p(12), Action: "play"})

	clock.Advance(2000 * time.Millisecond)
	if got := store.AuthoritativeTime(); got != 14.0 {
		t.Errorf("authoritative time after 2000ms = %v, want 14.0", got)
	}

	clock.Advance(500 * time.Millisecond)
	if got := store.AuthoritativeTime(); got != 14.5 {
		t.Errorf("authoritative time after 2500ms = %v, want 14.5", got)
	}
}

func TestApplyCarriesAuthoritativeTimeForward(t *testing.T) {
	store, clock := newTestStore()
	store.Apply(Update{IsPlaying: boolp(true), PlaybackTime: float64p(100), Action: "play"})
	clock.Advance(3 * time.Second)

	// A pause with no explicit time keeps the derived position.
	snap := store.Apply(Update{IsPlaying: boolp(false), Action: "pause"})
	if snap.PlaybackTime != 103 {
		t.Errorf("carried playback time = %v, want 103", snap.PlaybackTime)
	}

	clock.Advance(time.Minute)
	if got := store.AuthoritativeTime(); got != 103 {
		t.Errorf("paused after carry = %v, want 103", got)
	}
}

func TestSeqStrictlyIncreasingNoGaps(t *testing.T) {
	store, _ := newTestStore()
	var prev uint64
	for i := 0; i < 100; i++ {
		snap := store.Apply(Update{PlaybackTime: float64p(float64(i)), Action: "seek"})
		if snap.Seq != prev+1 {
			t.Fatalf("seq jumped from %d to %d", prev, snap.Seq)
		}
		prev = snap.Seq
	}
}

func TestApplyStampsServerClock(t *testing.T) {
	store, clock := newTestStore()
	clock.Advance(5 * time.Second)
	snap := store.Apply(Update{PlaybackTime: float64p(1), Action: "seek"})

	if snap.LastUpdatedAt != clock.Now().UnixMilli() {
		t.Errorf("lastUpdatedAt = %d, want server clock %d", snap.LastUpdatedAt, clock.Now().UnixMilli())
	}
}

func TestUsersDoNotBumpSeq(t *testing.T) {
	store, _ := newTestStore()
	snap := store.AddUser(User{ConnectionID: "c1", DisplayName: "alice"})
	if snap.Seq != 0 {
		t.Errorf("seq after join = %d, want 0", snap.Seq)
	}
	if _, ok := snap.Users["c1"]; !ok {
		t.Fatal("user c1 missing after AddUser")
	}

	u, ok := store.RemoveUser("c1")
	if !ok || u.DisplayName != "alice" {
		t.Errorf("RemoveUser = %+v, %v; want alice, true", u, ok)
	}
	if _, ok := store.Snapshot().Users["c1"]; ok {
		t.Error("user c1 still present after RemoveUser")
	}
	if _, ok := store.RemoveUser("c1"); ok {
		t.Error("second RemoveUser should report missing")
	}
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	store, _ := newTestStore()
	store.AddUser(User{ConnectionID: "c1", DisplayName: "alice"})

	snap := store.Snapshot()
	delete(snap.Users, "c1")

	if _, ok := store.Snapshot().Users["c1"]; !ok {
		t.Error("mutating a snapshot's user map leaked into the store")
	}
}

func TestAdoptIfNewer(t *testing.T) {
	store, _ := newTestStore()
	store.Apply(Update{PlaybackTime: float64p(5), Action: "seek"})
	store.Apply(Update{PlaybackTime: float64p(6), Action: "seek"})

	// Stale and equal seqs are rejected.
	if store.AdoptIfNewer(Snapshot{Seq: 1, PlaybackTime: 99}) {
		t.Error("adopted snapshot with older seq")
	}
	if store.AdoptIfNewer(Snapshot{Seq: 2, PlaybackTime: 99}) {
		t.Error("adopted snapshot with equal seq")
	}
	if got := store.Snapshot().PlaybackTime; got != 6 {
		t.Errorf("playback time changed to %v by rejected adoption", got)
	}

	if !store.AdoptIfNewer(Snapshot{Seq: 7, PlaybackTime: 30, IsPlaying: true}) {
		t.Fatal("rejected snapshot with strictly newer seq")
	}
	snap := store.Snapshot()
	if snap.Seq != 7 || snap.PlaybackTime != 30 || !snap.IsPlaying {
		t.Errorf("adopted state = %+v, want seq 7 / time 30 / playing", snap)
	}
}

func TestAuthoritativeSnapshotDerivesTime(t *testing.T) {
	store, clock := newTestStore()
	store.Apply(Update{IsPlaying: boolp(true), PlaybackTime: float64p(20), Action: "play"})
	clock.Advance(1500 * time.Millisecond)

	snap := store.AuthoritativeSnapshot()
	if snap.PlaybackTime != 21.5 {
		t.Errorf("authoritative snapshot time = %v, want 21.5", snap.PlaybackTime)
	}
	if snap.Seq != 1 {
		t.Errorf("authoritative snapshot seq = %d, want 1", snap.Seq)
	}
}
