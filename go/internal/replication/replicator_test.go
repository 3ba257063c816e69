package replication

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/lockstep/go/internal/metrics"
	"github.com/mcdev12/lockstep/go/internal/room"
)

// fakeSnapshotStore implements the SnapshotStore contract, including the
// rule that an older seq never overwrites the stored row.
type fakeSnapshotStore struct {
	saved    []room.Snapshot
	row      room.Snapshot
	hasSaved bool
	loaded   room.Snapshot
	hasRow   bool
	saveErr  error
	loadErr  error
}

func (f *fakeSnapshotStore) Save(ctx context.Context, snap room.Snapshot) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, snap)
	if !f.hasSaved || snap.Seq > f.row.Seq {
		f.row = snap
		f.hasSaved = true
	}
	return nil
}

func (f *fakeSnapshotStore) Load(ctx context.Context) (room.Snapshot, bool, error) {
	return f.loaded, f.hasRow, f.loadErr
}

func (f *fakeSnapshotStore) Close() {}

func newTestReplicator(snapshots SnapshotStore, onAdopt func(room.Snapshot)) (*Replicator, *room.Store) {
	store := room.NewStore(clockwork.NewFakeClock())
	return New(store, snapshots, nil, metrics.New(), onAdopt), store
}

func TestPeerSnapshotAdoptedOnlyIfStrictlyNewer(t *testing.T) {
	var adopted []room.Snapshot
	r, store := newTestReplicator(nil, func(s room.Snapshot) { adopted = append(adopted, s) })

	playing := true
	pos := 10.0
	store.Apply(room.Update{IsPlaying: &playing, PlaybackTime: &pos, Action: "play"})
	store.Apply(room.Update{PlaybackTime: &pos, Action: "seek"}) // local seq now 2

	r.handlePeerSnapshot(room.Snapshot{Seq: 1, PlaybackTime: 99})
	r.handlePeerSnapshot(room.Snapshot{Seq: 2, PlaybackTime: 99})
	if len(adopted) != 0 {
		t.Fatalf("adopted %d stale snapshots, want 0", len(adopted))
	}
	if got := store.Snapshot().PlaybackTime; got != 10 {
		t.Errorf("local state changed to %v by stale peer snapshots", got)
	}

	r.handlePeerSnapshot(room.Snapshot{Seq: 5, PlaybackTime: 77})
	if len(adopted) != 1 || adopted[0].Seq != 5 {
		t.Fatalf("adopted = %+v, want one snapshot with seq 5", adopted)
	}
	if snap := store.Snapshot(); snap.Seq != 5 || snap.PlaybackTime != 77 {
		t.Errorf("local state = seq %d time %v, want 5/77", snap.Seq, snap.PlaybackTime)
	}
}

func TestSeedAdoptsStoredSnapshot(t *testing.T) {
	snapshots := &fakeSnapshotStore{
		loaded: room.Snapshot{Seq: 9, VideoID: "dQw4w9WgXcQ", PlaybackTime: 33, LastUpdatedAt: 1},
		hasRow: true,
	}
	r, store := newTestReplicator(snapshots, nil)

	r.Seed(context.Background())

	snap := store.Snapshot()
	if snap.Seq != 9 || snap.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("seeded state = seq %d video %q, want 9/dQw4w9WgXcQ", snap.Seq, snap.VideoID)
	}
}

func TestSeedToleratesMissingAndFailing(t *testing.T) {
	r, store := newTestReplicator(&fakeSnapshotStore{hasRow: false}, nil)
	r.Seed(context.Background())
	if store.Snapshot().Seq != 0 {
		t.Error("missing row must leave default state")
	}

	r2, store2 := newTestReplicator(&fakeSnapshotStore{loadErr: errors.New("connection refused")}, nil)
	r2.Seed(context.Background())
	if store2.Snapshot().Seq != 0 {
		t.Error("load failure must leave default state")
	}
}

func TestPersistFailureDoesNotPanic(t *testing.T) {
	snapshots := &fakeSnapshotStore{saveErr: errors.New("disk on fire")}
	r, _ := newTestReplicator(snapshots, nil)

	// Synchronous call so the test observes completion.
	r.persistAndPublish(room.Snapshot{Seq: 3})
}

func TestPersistWritesCommitSnapshot(t *testing.T) {
	snapshots := &fakeSnapshotStore{}
	r, _ := newTestReplicator(snapshots, nil)

	r.persistAndPublish(room.Snapshot{Seq: 4, PlaybackTime: 12})

	if len(snapshots.saved) != 1 {
		t.Fatalf("saved %d snapshots, want 1", len(snapshots.saved))
	}
	if snapshots.saved[0].Seq != 4 || snapshots.saved[0].PlaybackTime != 12 {
		t.Errorf("saved = %+v, want seq 4 time 12", snapshots.saved[0])
	}
}

func TestOutOfOrderPersistKeepsNewestRow(t *testing.T) {
	snapshots := &fakeSnapshotStore{}
	r, _ := newTestReplicator(snapshots, nil)

	// Persists run concurrently per mutation; a slower writer can land after
	// a newer one. The stored row must still hold the highest seq.
	r.persistAndPublish(room.Snapshot{Seq: 7, PlaybackTime: 70})
	r.persistAndPublish(room.Snapshot{Seq: 6, PlaybackTime: 60})

	if snapshots.row.Seq != 7 || snapshots.row.PlaybackTime != 70 {
		t.Errorf("stored row = seq %d time %v, want the seq 7 write", snapshots.row.Seq, snapshots.row.PlaybackTime)
	}
}
