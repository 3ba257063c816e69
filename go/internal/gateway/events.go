package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/lockstep/go/internal/room"
)

// EventType identifies a server-to-client event.
type EventType string

const (
	EventInitSnapshot      EventType = "init_snapshot"
	EventPlay              EventType = "play"
	EventPause             EventType = "pause"
	EventSeek              EventType = "seek"
	EventVideoChange       EventType = "video_change"
	EventPositionHeartbeat EventType = "position_heartbeat"
	EventFullState         EventType = "full_state"
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventLatencyProbeAck   EventType = "latency_probe_ack"
)

// Event is the server-to-client envelope.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent wraps a payload into an Event envelope.
func NewEvent(t EventType, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Data: data}, nil
}

// InitSnapshotPayload is the first event sent on every connection: the full
// session state with the playback position already replaced by the
// authoritative time, plus the connection's own id so the client can
// attribute later broadcasts to itself.
type InitSnapshotPayload struct {
	State  room.Snapshot `json:"state"`
	SelfID string        `json:"self_id"`
}

// PlaybackPayload is carried by play, pause, seek broadcasts and by the
// position heartbeat. Seq and LastUpdatedAt are captured at the commit point
// of the mutation that produced them.
type PlaybackPayload struct {
	Time          float64 `json:"time"`
	Seq           uint64  `json:"seq"`
	LastUpdatedAt int64   `json:"last_updated_at"`
	ActorID       string  `json:"actor_id,omitempty"`
	Username      string  `json:"username,omitempty"`
}

// VideoChangePayload announces a new canonical video.
type VideoChangePayload struct {
	VideoID       string `json:"video_id"`
	Seq           uint64 `json:"seq"`
	LastUpdatedAt int64  `json:"last_updated_at"`
	ActorID       string `json:"actor_id,omitempty"`
	Username      string `json:"username,omitempty"`
}

// UserJoinedPayload announces a new viewer.
type UserJoinedPayload struct {
	User room.User `json:"user"`
}

// UserLeftPayload announces a departed viewer.
type UserLeftPayload struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

// IntentType identifies a client-to-server intent.
type IntentType string

const (
	IntentJoin         IntentType = "join"
	IntentPlay         IntentType = "play"
	IntentPause        IntentType = "pause"
	IntentSeek         IntentType = "seek"
	IntentVideoChange  IntentType = "video_change"
	IntentLatencyProbe IntentType = "latency_probe"
)

// Intent is the client-to-server envelope.
type Intent struct {
	Type IntentType      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewIntent wraps a payload into an Intent envelope.
func NewIntent(t IntentType, payload interface{}) (Intent, error) {
	if payload == nil {
		return Intent{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Intent{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Intent{Type: t, Data: data}, nil
}

// JoinIntent carries the requested display name.
type JoinIntent struct {
	DisplayName string `json:"display_name"`
}

// PlaybackIntent carries the client-reported position for play, pause and
// seek intents. The position is a hint only; the server never validates it
// against the content duration.
type PlaybackIntent struct {
	Time float64 `json:"time"`
}

// VideoChangeIntent carries a raw URL or bare identifier.
type VideoChangeIntent struct {
	Video string `json:"video"`
}
