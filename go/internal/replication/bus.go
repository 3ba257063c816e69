package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/room"
)

// Bus publishes accepted mutations on a shared NATS subject and delivers the
// snapshots peers publish there. Core NATS is at-most-once; missed messages
// are repaired by the seq gate plus the full-state heartbeat.
type Bus struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
}

// NewBus connects to NATS with the same reconnect posture the rest of the
// deployment uses.
func NewBus(url, roomKey string) (*Bus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Bus{
		nc:      nc,
		subject: fmt.Sprintf("lockstep.room.%s.state", roomKey),
	}, nil
}

// Publish sends the serialized snapshot to all peer instances.
func (b *Bus) Publish(snap room.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Subscribe delivers every structurally valid peer snapshot to handler.
// Malformed messages are logged and dropped.
func (b *Bus) Subscribe(handler func(room.Snapshot)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		snap, err := decodeSnapshot(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", b.subject).Msg("dropping malformed peer snapshot")
			return
		}
		handler(snap)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub

	log.Info().Str("subject", b.subject).Msg("subscribed to peer state")
	return nil
}

// Close drains the subscription and closes the connection.
func (b *Bus) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("failed to unsubscribe")
		}
	}
	b.nc.Close()
}
