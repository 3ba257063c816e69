package room

// User is a connected viewer's metadata entry. Created on join, removed on
// disconnect, never updated in between.
type User struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
	JoinedAt     int64  `json:"joined_at"`
}

// Snapshot is an immutable copy of the session state taken at a commit point.
// Broadcast and persistence paths always work from a Snapshot so they carry
// the seq and fields captured when their mutation committed, never later ones.
type Snapshot struct {
	VideoID              string          `json:"video_id"`
	PlaybackTime         float64         `json:"playback_time"`
	IsPlaying            bool            `json:"is_playing"`
	LastAction           string          `json:"last_action"`
	LastActionBy         string          `json:"last_action_by"`
	LastActionByUsername string          `json:"last_action_by_username"`
	Seq                  uint64          `json:"seq"`
	LastUpdatedAt        int64           `json:"last_updated_at"`
	Users                map[string]User `json:"users"`
}

// Update carries the fields a mutation wants to merge over the current state.
// Nil pointers leave the corresponding field untouched; PlaybackTime left nil
// means "carry the authoritative position forward".
type Update struct {
	VideoID      *string
	PlaybackTime *float64
	IsPlaying    *bool
	Action       string
	ActorID      string
	ActorName    string
}
