package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/metrics"
	"github.com/mcdev12/lockstep/go/internal/room"
)

// Publisher receives the commit-time snapshot of every accepted mutation.
// The replication layer implements it; a nil publisher means single-process
// mode.
type Publisher interface {
	Mutated(room.Snapshot)
}

// Config holds gateway settings.
type Config struct {
	Connection        ConnectionConfig
	PositionInterval  time.Duration
	FullStateInterval time.Duration
}

// DefaultConfig returns the reference gateway configuration.
func DefaultConfig() Config {
	return Config{
		Connection:        DefaultConnectionConfig(),
		PositionInterval:  time.Second,
		FullStateInterval: 10 * time.Second,
	}
}

// Service binds per-connection intents to the timeline store and fans the
// results out to every connection in the room.
type Service struct {
	store     *room.Store
	manager   *ConnectionManager
	heartbeat *Heartbeat
	publisher Publisher
	clock     clockwork.Clock
	metrics   *metrics.Metrics
}

// NewService creates the gateway service around an existing timeline store.
func NewService(cfg Config, store *room.Store, clock clockwork.Clock, m *metrics.Metrics) *Service {
	s := &Service{
		store:   store,
		clock:   clock,
		metrics: m,
	}
	s.manager = NewConnectionManager(cfg.Connection, Hooks{
		OnConnect:    s.handleConnect,
		OnIntent:     s.handleIntent,
		OnDisconnect: s.handleDisconnect,
	})
	s.heartbeat = NewHeartbeat(store, s.broadcast, clock, cfg.PositionInterval, cfg.FullStateInterval)
	return s
}

// SetPublisher attaches the replication layer. Must be called before Start.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Start runs the broadcast loop and heartbeat timers until the context is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting sync gateway service")
	go s.manager.Start(ctx)
	go s.heartbeat.Run(ctx)
	<-ctx.Done()
	log.Info().Msg("sync gateway service stopped")
}

// RegisterRoutes registers the WebSocket and stats routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	handler := NewWebSocketHandler(s.manager)
	handler.RegisterRoutes(mux)
	log.Info().Msg("sync gateway routes registered")
}

// Broadcast queues an event for every local connection. The replicator uses
// it to re-broadcast adopted peer state.
func (s *Service) Broadcast(event Event) {
	s.broadcast(event)
}

// ConnectionCount reports the number of live connections.
func (s *Service) ConnectionCount() int {
	return s.manager.ConnectionCount()
}

func (s *Service) broadcast(event Event) {
	s.manager.Broadcast(event)
	s.metrics.IncBroadcasts()
}

// handleConnect sends the initial snapshot, with the stored position already
// replaced by the authoritative time, so a joining client never sees a stale
// value.
func (s *Service) handleConnect(conn *Connection) {
	snap := s.store.AuthoritativeSnapshot()
	event, err := NewEvent(EventInitSnapshot, InitSnapshotPayload{State: snap, SelfID: conn.ID})
	if err != nil {
		log.Error().Err(err).Msg("failed to build init snapshot")
		return
	}
	conn.Send(event)
}

// handleDisconnect releases the connection's user entry and announces the
// leave. Playback state is untouched.
func (s *Service) handleDisconnect(conn *Connection) {
	user, ok := s.store.RemoveUser(conn.ID)
	if !ok {
		return
	}
	event, err := NewEvent(EventUserLeft, UserLeftPayload{
		ConnectionID: user.ConnectionID,
		DisplayName:  user.DisplayName,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build user-left event")
		return
	}
	s.broadcast(event)
}

// handleIntent dispatches one inbound intent. It runs on the connection's
// read goroutine; the store mutex serializes mutations across connections.
func (s *Service) handleIntent(conn *Connection, raw []byte) {
	s.metrics.IncIntents()

	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		s.metrics.IncIntentsDropped()
		log.Debug().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("dropping malformed intent")
		return
	}

	switch intent.Type {
	case IntentJoin:
		s.handleJoin(conn, intent.Data)
	case IntentPlay:
		s.handlePlayback(conn, intent.Data, "play", true)
	case IntentPause:
		s.handlePlayback(conn, intent.Data, "pause", false)
	case IntentSeek:
		s.handleSeek(conn, intent.Data)
	case IntentVideoChange:
		s.handleVideoChange(conn, intent.Data)
	case IntentLatencyProbe:
		event, err := NewEvent(EventLatencyProbeAck, nil)
		if err == nil {
			conn.Send(event)
		}
	default:
		s.metrics.IncIntentsDropped()
		log.Debug().
			Str("connection_id", conn.ID).
			Str("intent_type", string(intent.Type)).
			Msg("dropping unknown intent type")
	}
}

func (s *Service) handleJoin(conn *Connection, data json.RawMessage) {
	var payload JoinIntent
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			s.metrics.IncIntentsDropped()
			log.Debug().Err(err).Str("connection_id", conn.ID).Msg("dropping malformed join intent")
			return
		}
	}

	name := room.SanitizeDisplayName(payload.DisplayName)
	conn.markJoined(name)

	user := room.User{
		ConnectionID: conn.ID,
		DisplayName:  name,
		JoinedAt:     s.clock.Now().UnixMilli(),
	}
	s.store.AddUser(user)

	event, err := NewEvent(EventUserJoined, UserJoinedPayload{User: user})
	if err != nil {
		log.Error().Err(err).Msg("failed to build user-joined event")
		return
	}
	s.broadcast(event)

	log.Info().
		Str("connection_id", conn.ID).
		Str("display_name", name).
		Msg("viewer joined")
}

func (s *Service) handlePlayback(conn *Connection, data json.RawMessage, action string, playing bool) {
	var payload PlaybackIntent
	if err := json.Unmarshal(data, &payload); err != nil {
		s.metrics.IncIntentsDropped()
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("dropping malformed playback intent")
		return
	}

	snap := s.store.Apply(room.Update{
		IsPlaying:    &playing,
		PlaybackTime: &payload.Time,
		Action:       action,
		ActorID:      conn.ID,
		ActorName:    conn.DisplayName(),
	})

	eventType := EventPause
	if playing {
		eventType = EventPlay
	}
	s.broadcastPlayback(eventType, snap)
	s.publish(snap)
}

func (s *Service) handleSeek(conn *Connection, data json.RawMessage) {
	var payload PlaybackIntent
	if err := json.Unmarshal(data, &payload); err != nil {
		s.metrics.IncIntentsDropped()
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("dropping malformed seek intent")
		return
	}

	snap := s.store.Apply(room.Update{
		PlaybackTime: &payload.Time,
		Action:       "seek",
		ActorID:      conn.ID,
		ActorName:    conn.DisplayName(),
	})

	s.broadcastPlayback(EventSeek, snap)
	s.publish(snap)
}

func (s *Service) handleVideoChange(conn *Connection, data json.RawMessage) {
	if !conn.AllowVideoChange(s.clock.Now()) {
		s.metrics.IncRateLimited()
		log.Debug().
			Str("connection_id", conn.ID).
			Msg("dropping video change inside cooldown window")
		return
	}

	var payload VideoChangeIntent
	if err := json.Unmarshal(data, &payload); err != nil {
		s.metrics.IncIntentsDropped()
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("dropping malformed video change intent")
		return
	}

	videoID, err := room.NormalizeVideoID(payload.Video)
	if err != nil {
		s.metrics.IncIntentsDropped()
		log.Debug().
			Str("connection_id", conn.ID).
			Str("input", payload.Video).
			Msg("dropping unrecognized video identifier")
		return
	}

	zero := 0.0
	paused := false
	snap := s.store.Apply(room.Update{
		VideoID:      &videoID,
		PlaybackTime: &zero,
		IsPlaying:    &paused,
		Action:       "video_change",
		ActorID:      conn.ID,
		ActorName:    conn.DisplayName(),
	})

	event, err := NewEvent(EventVideoChange, VideoChangePayload{
		VideoID:       snap.VideoID,
		Seq:           snap.Seq,
		LastUpdatedAt: snap.LastUpdatedAt,
		ActorID:       snap.LastActionBy,
		Username:      snap.LastActionByUsername,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build video-change event")
		return
	}
	s.broadcast(event)
	s.publish(snap)

	log.Info().
		Str("connection_id", conn.ID).
		Str("video_id", videoID).
		Uint64("seq", snap.Seq).
		Msg("video changed")
}

func (s *Service) broadcastPlayback(eventType EventType, snap room.Snapshot) {
	event, err := NewEvent(eventType, PlaybackPayload{
		Time:          snap.PlaybackTime,
		Seq:           snap.Seq,
		LastUpdatedAt: snap.LastUpdatedAt,
		ActorID:       snap.LastActionBy,
		Username:      snap.LastActionByUsername,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build playback event")
		return
	}
	s.broadcast(event)
}

func (s *Service) publish(snap room.Snapshot) {
	if s.publisher == nil {
		return
	}
	s.publisher.Mutated(snap)
}
