package gateway

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/room"
)

// Heartbeat re-emits the authoritative position on a tight interval while
// playing, and the full session state on a loose interval unconditionally,
// so idle or freshly reconnected clients converge without user action.
// Heartbeats never increment seq.
type Heartbeat struct {
	store            *room.Store
	emit             func(Event)
	clock            clockwork.Clock
	positionInterval time.Duration
	fullInterval     time.Duration
}

// NewHeartbeat creates the scheduler. emit is the gateway broadcast path.
func NewHeartbeat(store *room.Store, emit func(Event), clock clockwork.Clock, positionInterval, fullInterval time.Duration) *Heartbeat {
	return &Heartbeat{
		store:            store,
		emit:             emit,
		clock:            clock,
		positionInterval: positionInterval,
		fullInterval:     fullInterval,
	}
}

// Run drives both timers until the context is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	position := h.clock.NewTicker(h.positionInterval)
	full := h.clock.NewTicker(h.fullInterval)
	defer position.Stop()
	defer full.Stop()

	log.Info().
		Dur("position_interval", h.positionInterval).
		Dur("full_interval", h.fullInterval).
		Msg("heartbeat scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("heartbeat scheduler stopped")
			return
		case <-position.Chan():
			h.emitPosition()
		case <-full.Chan():
			h.emitFullState()
		}
	}
}

func (h *Heartbeat) emitPosition() {
	snap := h.store.AuthoritativeSnapshot()
	if !snap.IsPlaying {
		return
	}
	event, err := NewEvent(EventPositionHeartbeat, PlaybackPayload{
		Time:          snap.PlaybackTime,
		Seq:           snap.Seq,
		LastUpdatedAt: snap.LastUpdatedAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build position heartbeat")
		return
	}
	h.emit(event)
}

func (h *Heartbeat) emitFullState() {
	snap := h.store.AuthoritativeSnapshot()
	event, err := NewEvent(EventFullState, snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to build full-state heartbeat")
		return
	}
	h.emit(event)
}
