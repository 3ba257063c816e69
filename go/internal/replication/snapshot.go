package replication

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/lockstep/go/internal/room"
)

// decodeSnapshot parses a serialized session snapshot and checks it is
// structurally valid: a numeric seq and lastUpdatedAt must be present.
// Malformed snapshots are discarded by callers, which fall back to their own
// local state.
func decodeSnapshot(data []byte) (room.Snapshot, error) {
	var probe struct {
		Seq           *uint64 `json:"seq"`
		LastUpdatedAt *int64  `json:"last_updated_at"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return room.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if probe.Seq == nil || probe.LastUpdatedAt == nil {
		return room.Snapshot{}, fmt.Errorf("snapshot missing seq or last_updated_at")
	}

	var snap room.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return room.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Users == nil {
		snap.Users = make(map[string]room.User)
	}
	return snap, nil
}
