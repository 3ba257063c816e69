package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/gateway"
	"github.com/mcdev12/lockstep/go/internal/room"
)

// Client is a headless viewer: it dials the gateway, feeds every decoded
// server event into a Reconciler, and implements Intents by writing to the
// socket. Widget callbacks are forwarded via Reconciler().
type Client struct {
	conn       *websocket.Conn
	reconciler *Reconciler

	writeMu sync.Mutex

	probeSent     time.Time
	probeRecorded bool
}

// Dial connects to a gateway, sends the join intent and issues the single
// connect-time latency probe.
func Dial(ctx context.Context, serverURL, displayName string, player Player, cfg Config) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}

	c := &Client{conn: conn}
	c.reconciler = NewReconciler(player, c, clockwork.NewRealClock(), cfg)

	if err := c.sendIntent(gateway.IntentJoin, gateway.JoinIntent{DisplayName: displayName}); err != nil {
		conn.Close()
		return nil, err
	}

	c.probeSent = time.Now()
	if err := c.sendIntent(gateway.IntentLatencyProbe, nil); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("server", serverURL).Str("display_name", displayName).Msg("connected to gateway")
	return c, nil
}

// Reconciler exposes the engine so the embedding application can wire the
// widget's state-change and error callbacks to it.
func (c *Client) Reconciler() *Reconciler {
	return c.reconciler
}

// Run reads server events until the connection drops or the context is
// cancelled. It also drives the engine's seek-detection poll.
func (c *Client) Run(ctx context.Context) error {
	go c.reconciler.Run(ctx)
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var event gateway.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Debug().Err(err).Msg("dropping malformed server event")
		return
	}

	switch event.Type {
	case gateway.EventInitSnapshot:
		var p gateway.InitSnapshotPayload
		if decode(event.Data, &p) {
			c.reconciler.HandleInit(p)
		}
	case gateway.EventPlay:
		var p gateway.PlaybackPayload
		if decode(event.Data, &p) {
			c.reconciler.HandlePlay(p)
		}
	case gateway.EventPause:
		var p gateway.PlaybackPayload
		if decode(event.Data, &p) {
			c.reconciler.HandlePause(p)
		}
	case gateway.EventSeek:
		var p gateway.PlaybackPayload
		if decode(event.Data, &p) {
			c.reconciler.HandleSeek(p)
		}
	case gateway.EventVideoChange:
		var p gateway.VideoChangePayload
		if decode(event.Data, &p) {
			c.reconciler.HandleVideoChange(p)
		}
	case gateway.EventPositionHeartbeat:
		var p gateway.PlaybackPayload
		if decode(event.Data, &p) {
			c.reconciler.HandleHeartbeat(p)
		}
	case gateway.EventFullState:
		var snap room.Snapshot
		if decode(event.Data, &snap) {
			c.reconciler.HandleFullState(snap)
		}
	case gateway.EventLatencyProbeAck:
		if !c.probeRecorded {
			c.probeRecorded = true
			c.reconciler.RecordRTT(time.Since(c.probeSent))
		}
	case gateway.EventUserJoined, gateway.EventUserLeft:
		log.Debug().Str("event_type", string(event.Type)).Msg("roster event")
	default:
		log.Debug().Str("event_type", string(event.Type)).Msg("ignoring unknown server event")
	}
}

func decode(data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Debug().Err(err).Msg("dropping event with malformed payload")
		return false
	}
	return true
}

// SendPlay implements Intents.
func (c *Client) SendPlay(t float64) {
	if err := c.sendIntent(gateway.IntentPlay, gateway.PlaybackIntent{Time: t}); err != nil {
		log.Error().Err(err).Msg("failed to send play intent")
	}
}

// SendPause implements Intents.
func (c *Client) SendPause(t float64) {
	if err := c.sendIntent(gateway.IntentPause, gateway.PlaybackIntent{Time: t}); err != nil {
		log.Error().Err(err).Msg("failed to send pause intent")
	}
}

// SendSeek implements Intents.
func (c *Client) SendSeek(t float64) {
	if err := c.sendIntent(gateway.IntentSeek, gateway.PlaybackIntent{Time: t}); err != nil {
		log.Error().Err(err).Msg("failed to send seek intent")
	}
}

// SendVideoChange requests a new canonical video.
func (c *Client) SendVideoChange(videoIDOrURL string) error {
	return c.sendIntent(gateway.IntentVideoChange, gateway.VideoChangeIntent{Video: videoIDOrURL})
}

func (c *Client) sendIntent(t gateway.IntentType, payload interface{}) error {
	intent, err := gateway.NewIntent(t, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s intent: %w", t, err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
