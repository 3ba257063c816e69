package reconcile

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/lockstep/go/internal/gateway"
	"github.com/mcdev12/lockstep/go/internal/room"
)

// Config holds the correction policy. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// OwnActionThreshold is the position gap tolerated for play/pause
	// broadcasts this client itself originated.
	OwnActionThreshold float64
	// RemoteActionThreshold is the tighter gap for another viewer's
	// play/pause, and the tolerance used during the post-join window.
	RemoteActionThreshold float64
	// SeekThreshold is the gap tolerated when applying a seek broadcast.
	SeekThreshold float64
	// HeartbeatTolerance is the steady-state gap for position heartbeats.
	HeartbeatTolerance float64
	// JoinWindow is how long after joining the heartbeat tolerance stays
	// tightened so new viewers converge fast.
	JoinWindow time.Duration
	// GuardDuration is how long programmatic player calls suppress the
	// echoing state-change events they cause.
	GuardDuration time.Duration
	// SeekPollInterval is how often local playback position is sampled for
	// seek detection.
	SeekPollInterval time.Duration
	// SeekJumpThreshold is the position jump between two polls that counts
	// as a locally initiated seek.
	SeekJumpThreshold float64
}

// DefaultConfig returns the reference correction policy.
func DefaultConfig() Config {
	return Config{
		OwnActionThreshold:    1.0,
		RemoteActionThreshold: 0.3,
		SeekThreshold:         0.25,
		HeartbeatTolerance:    0.8,
		JoinWindow:            5 * time.Second,
		GuardDuration:         400 * time.Millisecond,
		SeekPollInterval:      500 * time.Millisecond,
		SeekJumpThreshold:     2.0,
	}
}

type guardState int

const (
	guardIdle guardState = iota
	guardApplyingRemote
)

// Reconciler decides, per incoming broadcast, whether and how hard to
// correct the local player, and turns genuine local user actions into
// intents. Broadcasts older than what was already applied are discarded
// without touching the player.
type Reconciler struct {
	player  Player
	intents Intents
	clock   clockwork.Clock
	cfg     Config

	mu       sync.Mutex
	lastSeq  uint64
	selfID   string
	latency  float64 // one-way transit estimate, seconds
	joinedAt time.Time

	guard      guardState
	guardToken uint64
	expected   PlayerState

	lastPolled  float64
	havePolled  bool
	seekLimiter *rate.Limiter
}

// NewReconciler creates the engine around a player and an intent sink.
func NewReconciler(player Player, intents Intents, clock clockwork.Clock, cfg Config) *Reconciler {
	return &Reconciler{
		player:      player,
		intents:     intents,
		clock:       clock,
		cfg:         cfg,
		seekLimiter: rate.NewLimiter(rate.Limit(2), 2),
	}
}

// Run drives the seek-detection poll until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.SeekPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.pollSeek()
		}
	}
}

// RecordRTT stores the single round-trip measurement taken at connect time.
// Half of it compensates the one-way transit of every later broadcast.
func (r *Reconciler) RecordRTT(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency = rtt.Seconds() / 2
	log.Debug().Dur("rtt", rtt).Msg("latency estimate recorded")
}

// LastSeq returns the highest applied sequence number.
func (r *Reconciler) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// HandleInit applies the connect-time snapshot: the playback position in it
// is already authoritative, so the player is brought straight to it.
func (r *Reconciler) HandleInit(p gateway.InitSnapshotPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.selfID = p.SelfID
	r.joinedAt = r.clock.Now()

	// A mutation broadcast committed during connect can reach the socket
	// ahead of the directly-sent snapshot; never rewind past it.
	if p.State.Seq < r.lastSeq {
		return
	}
	r.lastSeq = p.State.Seq

	if p.State.VideoID != "" {
		r.beginGuardLocked(StatePaused)
		r.player.LoadVideo(p.State.VideoID)
	}
	r.applyPlaybackLocked(p.State.IsPlaying, r.target(p.State.PlaybackTime, p.State.IsPlaying), 0)
}

// HandlePlay applies a play broadcast.
func (r *Reconciler) HandlePlay(p gateway.PlaybackPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Seq <= r.lastSeq {
		return
	}
	r.lastSeq = p.Seq

	r.applyPlaybackLocked(true, r.target(p.Time, true), r.actionThreshold(p.ActorID))
}

// HandlePause applies a pause broadcast. The paused position does not
// advance in transit, so no latency compensation is applied to it.
func (r *Reconciler) HandlePause(p gateway.PlaybackPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Seq <= r.lastSeq {
		return
	}
	r.lastSeq = p.Seq

	r.applyPlaybackLocked(false, p.Time, r.actionThreshold(p.ActorID))
}

// HandleSeek applies a seek broadcast. The remote position is ground truth:
// whoever seeked has already moved, so the correction threshold is tight and
// attribution does not loosen it.
func (r *Reconciler) HandleSeek(p gateway.PlaybackPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Seq <= r.lastSeq {
		return
	}
	r.lastSeq = p.Seq

	playing := r.player.State() == StatePlaying
	target := r.target(p.Time, playing)
	if math.Abs(r.player.CurrentTime()-target) > r.cfg.SeekThreshold {
		expected := StatePaused
		if playing {
			expected = StatePlaying
		}
		r.beginGuardLocked(expected)
		r.player.SeekTo(target)
	}
}

// HandleVideoChange switches the local player to the new canonical video.
// Always applied when newer; a large seq gap is treated the same as a small
// one.
func (r *Reconciler) HandleVideoChange(p gateway.VideoChangePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Seq <= r.lastSeq {
		return
	}
	r.lastSeq = p.Seq

	r.beginGuardLocked(StatePaused)
	r.player.LoadVideo(p.VideoID)
	r.lastPolled = 0
}

// HandleHeartbeat applies a position heartbeat. Heartbeats carry the seq of
// the last mutation, so equality with lastSeq is the normal case and only
// strictly older ones are discarded. Tolerance tightens for a fixed window
// after join.
func (r *Reconciler) HandleHeartbeat(p gateway.PlaybackPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Seq < r.lastSeq {
		return
	}
	r.lastSeq = p.Seq

	tolerance := r.cfg.HeartbeatTolerance
	if r.clock.Now().Sub(r.joinedAt) < r.cfg.JoinWindow {
		tolerance = r.cfg.RemoteActionThreshold
	}

	// Heartbeats are only emitted while the room is playing.
	target := r.target(p.Time, true)
	if math.Abs(r.player.CurrentTime()-target) > tolerance {
		r.beginGuardLocked(r.player.State())
		r.player.SeekTo(target)
	}
}

// HandleFullState resynchronizes against the periodic full snapshot; the
// position in it is already authoritative.
func (r *Reconciler) HandleFullState(snap room.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.Seq < r.lastSeq {
		return
	}
	r.lastSeq = snap.Seq

	if snap.VideoID != "" && r.player.State() == StateUnstarted {
		r.beginGuardLocked(StatePaused)
		r.player.LoadVideo(snap.VideoID)
	}
	r.applyPlaybackLocked(snap.IsPlaying, r.target(snap.PlaybackTime, snap.IsPlaying), r.cfg.HeartbeatTolerance)
}

// OnPlayerStateChange is the widget's state-change callback. While a guard
// is active, a transition matching the expected one is an echo of our own
// correction and is swallowed; anything else is genuine user intent.
func (r *Reconciler) OnPlayerStateChange(state PlayerState) {
	r.mu.Lock()
	if r.guard == guardApplyingRemote && state == r.expected {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	switch state {
	case StatePlaying:
		r.intents.SendPlay(r.player.CurrentTime())
	case StatePaused:
		r.intents.SendPause(r.player.CurrentTime())
	}
}

// OnPlayerError is the widget's error callback. The player can't continue,
// so the room is paused at the local position rather than leaving the other
// participants waiting.
func (r *Reconciler) OnPlayerError(code int) {
	log.Warn().Int("code", code).Msg("player error, pausing room")
	r.intents.SendPause(r.player.CurrentTime())
}

// pollSeek samples the local position and emits a seek intent when the jump
// since the previous sample is too large to be normal playback.
func (r *Reconciler) pollSeek() {
	state := r.player.State()
	cur := r.player.CurrentTime()

	r.mu.Lock()
	prev, have := r.lastPolled, r.havePolled
	r.lastPolled, r.havePolled = cur, true

	emit := have &&
		state != StateBuffering &&
		state != StateUnstarted &&
		r.guard == guardIdle &&
		math.Abs(cur-prev) > r.cfg.SeekJumpThreshold &&
		r.seekLimiter.AllowN(r.clock.Now(), 1)
	r.mu.Unlock()

	if emit {
		log.Debug().Float64("from", prev).Float64("to", cur).Msg("local seek detected")
		r.intents.SendSeek(cur)
	}
}

// applyPlaybackLocked brings the player to the wanted play state, then
// corrects the position when the gap exceeds the threshold.
func (r *Reconciler) applyPlaybackLocked(playing bool, target, threshold float64) {
	if playing {
		if r.player.State() != StatePlaying {
			r.beginGuardLocked(StatePlaying)
			r.player.Play()
		}
	} else {
		if r.player.State() == StatePlaying {
			r.beginGuardLocked(StatePaused)
			r.player.Pause()
		}
	}

	if math.Abs(r.player.CurrentTime()-target) > threshold {
		expected := StatePaused
		if playing {
			expected = StatePlaying
		}
		r.beginGuardLocked(expected)
		r.player.SeekTo(target)
	}
}

// beginGuardLocked arms the guard with a fresh token. A later remote event
// re-arms it, and an expiry only clears the guard when its token is still
// current, so an old timer can never race a newer correction.
func (r *Reconciler) beginGuardLocked(expected PlayerState) {
	r.guard = guardApplyingRemote
	r.expected = expected
	r.guardToken++
	token := r.guardToken

	r.clock.AfterFunc(r.cfg.GuardDuration, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.guardToken == token {
			r.guard = guardIdle
		}
	})
}

// target applies the one-way latency estimate to an authoritative position.
// Only a playing timeline advances while the broadcast is in transit.
func (r *Reconciler) target(t float64, playing bool) float64 {
	if playing {
		return t + r.latency
	}
	return t
}

func (r *Reconciler) actionThreshold(actorID string) float64 {
	if actorID != "" && actorID == r.selfID {
		return r.cfg.OwnActionThreshold
	}
	return r.cfg.RemoteActionThreshold
}
