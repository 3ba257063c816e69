package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/room"
)

// SnapshotStore persists the canonical state at a fixed key. Saves may be
// issued concurrently and complete in any order; implementations must keep
// the row with the highest seq, discarding writes that carry an older one.
type SnapshotStore interface {
	Save(ctx context.Context, snap room.Snapshot) error
	Load(ctx context.Context) (room.Snapshot, bool, error)
	Close()
}

// PostgresStore keeps one row per room key with the serialized state.
type PostgresStore struct {
	pool    *pgxpool.Pool
	roomKey string
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	room_key   TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	seq        BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStore connects to the shared database and ensures the snapshot
// table exists.
func NewPostgresStore(ctx context.Context, dsn, roomKey string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, snapshotSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure snapshot table: %w", err)
	}

	log.Info().Str("room_key", roomKey).Msg("snapshot store connected")
	return &PostgresStore{pool: pool, roomKey: roomKey}, nil
}

// Save upserts the snapshot row. Persists run on their own goroutines and
// can complete out of order, so the update clause refuses to overwrite a row
// holding a newer seq; the stored row is always the highest seq persisted.
func (p *PostgresStore) Save(ctx context.Context, snap room.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO session_snapshots (room_key, state, seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_key)
		DO UPDATE SET state = EXCLUDED.state, seq = EXCLUDED.seq, updated_at = now()
		WHERE session_snapshots.seq < EXCLUDED.seq`,
		p.roomKey, data, snap.Seq,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot row if present. A missing row is not an error;
// a malformed row is discarded and reported so the caller can fall back to
// default state.
func (p *PostgresStore) Load(ctx context.Context) (room.Snapshot, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT state FROM session_snapshots WHERE room_key = $1`, p.roomKey,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return room.Snapshot{}, false, nil
	}
	if err != nil {
		return room.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return room.Snapshot{}, false, fmt.Errorf("stored snapshot malformed: %w", err)
	}
	return snap, true, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
