package replication

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/metrics"
	"github.com/mcdev12/lockstep/go/internal/room"
)

// Replicator keeps the in-memory store as the fast path and propagates every
// accepted mutation to the shared backend: one snapshot write to the store
// and one publish on the bus. Incoming peer snapshots are adopted only when
// strictly newer. Backend failures never block or degrade local broadcasting.
type Replicator struct {
	store       *room.Store
	snapshots   SnapshotStore
	bus         *Bus
	metrics     *metrics.Metrics
	onAdopt     func(room.Snapshot)
	saveTimeout time.Duration
}

// New creates a replicator. snapshots and bus may each be nil, disabling the
// corresponding path. onAdopt runs after a peer snapshot wins the seq gate so
// the gateway can re-broadcast it to local clients.
func New(store *room.Store, snapshots SnapshotStore, bus *Bus, m *metrics.Metrics, onAdopt func(room.Snapshot)) *Replicator {
	return &Replicator{
		store:       store,
		snapshots:   snapshots,
		bus:         bus,
		metrics:     m,
		onAdopt:     onAdopt,
		saveTimeout: 5 * time.Second,
	}
}

// Seed performs the one best-effort read at process start. A present and
// structurally valid snapshot becomes local state; anything else leaves the
// default state in place.
func (r *Replicator) Seed(ctx context.Context) {
	if r.snapshots == nil {
		return
	}
	snap, ok, err := r.snapshots.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot seed failed, starting from default state")
		return
	}
	if !ok {
		log.Info().Msg("no stored snapshot, starting from default state")
		return
	}
	if r.store.AdoptIfNewer(snap) {
		log.Info().Uint64("seq", snap.Seq).Msg("seeded state from stored snapshot")
	}
}

// Start subscribes to peer mutations.
func (r *Replicator) Start() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Subscribe(r.handlePeerSnapshot)
}

// Mutated propagates a commit-time snapshot. It returns immediately; the
// backend I/O runs on its own goroutine so the next local intent is never
// blocked.
func (r *Replicator) Mutated(snap room.Snapshot) {
	go r.persistAndPublish(snap)
}

func (r *Replicator) persistAndPublish(snap room.Snapshot) {
	if r.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
		if err := r.snapshots.Save(ctx, snap); err != nil {
			r.metrics.IncReplicationFailures()
			log.Error().Err(err).Uint64("seq", snap.Seq).Msg("snapshot persist failed")
		}
		cancel()
	}
	if r.bus != nil {
		if err := r.bus.Publish(snap); err != nil {
			r.metrics.IncReplicationFailures()
			log.Error().Err(err).Uint64("seq", snap.Seq).Msg("snapshot publish failed")
		}
	}
}

func (r *Replicator) handlePeerSnapshot(snap room.Snapshot) {
	if !r.store.AdoptIfNewer(snap) {
		log.Debug().Uint64("seq", snap.Seq).Msg("dropping peer snapshot, not newer than local state")
		return
	}

	log.Info().Uint64("seq", snap.Seq).Msg("adopted peer snapshot")
	if r.onAdopt != nil {
		r.onAdopt(snap)
	}
}

// Close releases backend connections.
func (r *Replicator) Close() {
	if r.bus != nil {
		r.bus.Close()
	}
	if r.snapshots != nil {
		r.snapshots.Close()
	}
}
