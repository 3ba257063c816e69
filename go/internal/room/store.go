package room

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// Store is the single source of truth for the canonical playback timeline of
// one logical room. All mutations go through Apply, which serializes the
// read-modify-write of seq/playbackTime/lastUpdatedAt under an exclusive
// mutex held only for the in-memory merge, never across I/O.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock
	state Snapshot
}

// NewStore creates a Store with the initial state: no video, paused, seq 0.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock: clock,
		state: Snapshot{
			Users: make(map[string]User),
		},
	}
}

// AuthoritativeTime derives the canonical playback position. While paused it
// is the stored position exactly; while playing the wall-clock time elapsed
// since the last mutation is added on.
func (s *Store) AuthoritativeTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authoritativeTimeLocked()
}

func (s *Store) authoritativeTimeLocked() float64 {
	if !s.state.IsPlaying {
		return s.state.PlaybackTime
	}
	elapsedMs := s.clock.Now().UnixMilli() - s.state.LastUpdatedAt
	return s.state.PlaybackTime + float64(elapsedMs)/1000.0
}

// Apply commits one mutation: the authoritative position is computed first as
// the carry-forward value, the update's fields are merged over the previous
// state, seq is incremented exactly once and lastUpdatedAt is stamped with
// the server clock. The returned Snapshot is the commit-time state and is
// what callers must broadcast or persist.
func (s *Store) Apply(u Update) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	carried := s.authoritativeTimeLocked()

	if u.VideoID != nil {
		s.state.VideoID = *u.VideoID
	}
	if u.IsPlaying != nil {
		s.state.IsPlaying = *u.IsPlaying
	}
	if u.PlaybackTime != nil {
		s.state.PlaybackTime = *u.PlaybackTime
	} else {
		s.state.PlaybackTime = carried
	}
	s.state.LastAction = u.Action
	s.state.LastActionBy = u.ActorID
	s.state.LastActionByUsername = u.ActorName
	s.state.Seq++
	s.state.LastUpdatedAt = s.clock.Now().UnixMilli()

	return s.snapshotLocked()
}

// Snapshot returns a copy of the current state with the stored (not
// extrapolated) playback position.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// AuthoritativeSnapshot returns a copy of the current state with
// PlaybackTime replaced by the authoritative position, for init snapshots
// and heartbeats. The snapshot's seq and lastUpdatedAt are read atomically
// with the derived time.
func (s *Store) AuthoritativeSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	snap.PlaybackTime = s.authoritativeTimeLocked()
	return snap
}

// AddUser records a joined viewer. Joins are metadata only: no seq bump, no
// touch of the playback fields.
func (s *Store) AddUser(u User) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Users[u.ConnectionID] = u
	return s.snapshotLocked()
}

// RemoveUser drops the viewer keyed by connection id, reporting the removed
// entry so the gateway can broadcast the leave.
func (s *Store) RemoveUser(connectionID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.Users[connectionID]
	if ok {
		delete(s.state.Users, connectionID)
	}
	return u, ok
}

// AdoptIfNewer replaces the local state with a replicated snapshot, but only
// when the incoming seq is strictly greater than the local one. The strict
// comparison is what stops replay storms and echo loops between instances.
func (s *Store) AdoptIfNewer(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Seq <= s.state.Seq {
		return false
	}
	users := make(map[string]User, len(snap.Users))
	for id, u := range snap.Users {
		users[id] = u
	}
	snap.Users = users
	s.state = snap
	return true
}

func (s *Store) snapshotLocked() Snapshot {
	snap := s.state
	snap.Users = make(map[string]User, len(s.state.Users))
	for id, u := range s.state.Users {
		snap.Users[id] = u
	}
	return snap
}
