package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/mcdev12/lockstep/go/internal/metrics"
	"github.com/mcdev12/lockstep/go/internal/room"
)

func newTestService() (*Service, *room.Store, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	store := room.NewStore(clock)
	svc := NewService(DefaultConfig(), store, clock, metrics.New())
	return svc, store, clock
}

func newTestConnection(svc *Service, id string) *Connection {
	return &Connection{
		ID:           id,
		send:         make(chan []byte, 16),
		manager:      svc.manager,
		videoLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// nextBroadcast pops one queued broadcast, or fails the test.
func nextBroadcast(t *testing.T, svc *Service) Event {
	t.Helper()
	select {
	case ev := <-svc.manager.broadcastCh:
		return ev
	default:
		t.Fatal("expected a broadcast, queue is empty")
		return Event{}
	}
}

func noBroadcast(t *testing.T, svc *Service) {
	t.Helper()
	select {
	case ev := <-svc.manager.broadcastCh:
		t.Fatalf("unexpected broadcast %s", ev.Type)
	default:
	}
}

func intentJSON(t *testing.T, typ IntentType, payload interface{}) []byte {
	t.Helper()
	intent, err := NewIntent(typ, payload)
	if err != nil {
		t.Fatalf("build intent: %v", err)
	}
	raw, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	return raw
}

func TestPlayIntentMutatesAndBroadcasts(t *testing.T) {
	svc, store, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentSeek, PlaybackIntent{Time: 10}))
	nextBroadcast(t, svc)

	svc.handleIntent(conn, intentJSON(t, IntentPlay, PlaybackIntent{Time: 12}))

	snap := store.Snapshot()
	if !snap.IsPlaying || snap.PlaybackTime != 12 {
		t.Errorf("state after play = playing=%v time=%v, want playing time 12", snap.IsPlaying, snap.PlaybackTime)
	}
	if snap.Seq != 2 {
		t.Errorf("seq = %d, want 2", snap.Seq)
	}

	ev := nextBroadcast(t, svc)
	if ev.Type != EventPlay {
		t.Fatalf("broadcast type = %s, want play", ev.Type)
	}
	var payload PlaybackPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Time != 12 || payload.Seq != 2 {
		t.Errorf("payload = time %v seq %d, want time 12 seq 2", payload.Time, payload.Seq)
	}
}

func TestPauseIntentLeavesPosition(t *testing.T) {
	svc, store, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentPlay, PlaybackIntent{Time: 30}))
	nextBroadcast(t, svc)
	svc.handleIntent(conn, intentJSON(t, IntentPause, PlaybackIntent{Time: 31.5}))

	snap := store.Snapshot()
	if snap.IsPlaying || snap.PlaybackTime != 31.5 {
		t.Errorf("state after pause = playing=%v time=%v, want paused at 31.5", snap.IsPlaying, snap.PlaybackTime)
	}
	if ev := nextBroadcast(t, svc); ev.Type != EventPause {
		t.Errorf("broadcast type = %s, want pause", ev.Type)
	}
}

func TestSeekIntentKeepsPlayState(t *testing.T) {
	svc, store, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentPlay, PlaybackIntent{Time: 5}))
	nextBroadcast(t, svc)
	svc.handleIntent(conn, intentJSON(t, IntentSeek, PlaybackIntent{Time: 120}))

	snap := store.Snapshot()
	if !snap.IsPlaying {
		t.Error("seek must not change play state")
	}
	if snap.PlaybackTime != 120 {
		t.Errorf("playback time = %v, want 120", snap.PlaybackTime)
	}
	if ev := nextBroadcast(t, svc); ev.Type != EventSeek {
		t.Errorf("broadcast type = %s, want seek", ev.Type)
	}
}

func TestVideoChangeAcceptedAndReset(t *testing.T) {
	svc, store, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentPlay, PlaybackIntent{Time: 50}))
	nextBroadcast(t, svc)

	svc.handleIntent(conn, intentJSON(t, IntentVideoChange, VideoChangeIntent{Video: "https://youtu.be/dQw4w9WgXcQ"}))

	snap := store.Snapshot()
	if snap.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("video id = %q, want dQw4w9WgXcQ", snap.VideoID)
	}
	if snap.PlaybackTime != 0 || snap.IsPlaying {
		t.Errorf("video change must reset playback: time=%v playing=%v", snap.PlaybackTime, snap.IsPlaying)
	}

	ev := nextBroadcast(t, svc)
	if ev.Type != EventVideoChange {
		t.Fatalf("broadcast type = %s, want video_change", ev.Type)
	}
	var payload VideoChangePayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.VideoID != "dQw4w9WgXcQ" || payload.Seq != snap.Seq {
		t.Errorf("payload = %+v, want id dQw4w9WgXcQ seq %d", payload, snap.Seq)
	}
}

func TestInvalidVideoChangeDroppedSilently(t *testing.T) {
	svc, store, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentVideoChange, VideoChangeIntent{Video: "https://example.com/not-a-video"}))

	if seq := store.Snapshot().Seq; seq != 0 {
		t.Errorf("seq = %d after rejected video change, want 0", seq)
	}
	noBroadcast(t, svc)
}

func TestVideoChangeCooldown(t *testing.T) {
	svc, store, clock := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentVideoChange, VideoChangeIntent{Video: "dQw4w9WgXcQ"}))
	nextBroadcast(t, svc)

	// 500ms later, inside the 2s window: dropped, seq advances only once.
	clock.Advance(500 * time.Millisecond)
	svc.handleIntent(conn, intentJSON(t, IntentVideoChange, VideoChangeIntent{Video: "abcdefghijk"}))

	snap := store.Snapshot()
	if snap.Seq != 1 {
		t.Errorf("seq = %d, want 1 (second change inside cooldown)", snap.Seq)
	}
	if snap.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("video id = %q, want first accepted id", snap.VideoID)
	}
	noBroadcast(t, svc)

	// Past the window the next change is accepted again.
	clock.Advance(2 * time.Second)
	svc.handleIntent(conn, intentJSON(t, IntentVideoChange, VideoChangeIntent{Video: "abcdefghijk"}))
	if snap := store.Snapshot(); snap.Seq != 2 || snap.VideoID != "abcdefghijk" {
		t.Errorf("after cooldown: seq=%d video=%q, want 2/abcdefghijk", snap.Seq, snap.VideoID)
	}
}

func TestJoinIsMetadataOnly(t *testing.T) {
	svc, store, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentJoin, JoinIntent{DisplayName: "  <b>alice</b>  "}))

	snap := store.Snapshot()
	if snap.Seq != 0 {
		t.Errorf("join bumped seq to %d", snap.Seq)
	}
	user, ok := snap.Users["conn-1"]
	if !ok {
		t.Fatal("user not added on join")
	}
	if user.DisplayName != "balice/b" {
		t.Errorf("sanitized name = %q, want %q", user.DisplayName, "balice/b")
	}
	if conn.DisplayName() != "balice/b" {
		t.Errorf("connection name = %q, want sanitized name", conn.DisplayName())
	}

	ev := nextBroadcast(t, svc)
	if ev.Type != EventUserJoined {
		t.Errorf("broadcast type = %s, want user_joined", ev.Type)
	}
}

func TestLatencyProbeAnswersSenderOnly(t *testing.T) {
	svc, _, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, intentJSON(t, IntentLatencyProbe, nil))

	noBroadcast(t, svc)
	select {
	case raw := <-conn.send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("unmarshal ack: %v", err)
		}
		if ev.Type != EventLatencyProbeAck {
			t.Errorf("direct event = %s, want latency_probe_ack", ev.Type)
		}
	default:
		t.Fatal("no direct ack sent to probing connection")
	}
}

func TestSendAfterTeardownIsDropped(t *testing.T) {
	svc, _, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")
	svc.manager.registerConnection(conn)
	svc.manager.unregisterConnection(conn)

	// The read goroutine can deliver one last intent after the write pump
	// tore the connection down; the resulting direct send must drop, never
	// hit a closed channel.
	conn.Send(Event{Type: EventLatencyProbeAck})

	if conn.enqueue([]byte("{}")) {
		t.Error("enqueue accepted data after teardown")
	}

	// Both pumps unregister on exit; the second call is a no-op.
	svc.manager.unregisterConnection(conn)
}

func TestMalformedIntentIgnored(t *testing.T) {
	svc, store, _ := newTestService()
	conn := newTestConnection(svc, "conn-1")

	svc.handleIntent(conn, []byte("{not json"))
	svc.handleIntent(conn, intentJSON(t, IntentType("teleport"), nil))

	if seq := store.Snapshot().Seq; seq != 0 {
		t.Errorf("seq = %d after garbage intents, want 0", seq)
	}
	noBroadcast(t, svc)
}
