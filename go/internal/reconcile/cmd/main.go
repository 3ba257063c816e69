package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/reconcile"
)

// simPlayer is a headless stand-in for the real video widget: position
// advances with the wall clock while playing. It lets the probe join a room
// and follow the timeline without rendering anything.
type simPlayer struct {
	mu      sync.Mutex
	state   reconcile.PlayerState
	base    float64
	basedAt time.Time
	videoID string
}

func newSimPlayer() *simPlayer {
	return &simPlayer{state: reconcile.StateUnstarted}
}

func (p *simPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == reconcile.StatePlaying {
		return
	}
	p.basedAt = time.Now()
	p.state = reconcile.StatePlaying
}

func (p *simPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != reconcile.StatePlaying {
		return
	}
	p.base += time.Since(p.basedAt).Seconds()
	p.state = reconcile.StatePaused
}

func (p *simPlayer) SeekTo(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = seconds
	p.basedAt = time.Now()
}

func (p *simPlayer) LoadVideo(videoID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoID = videoID
	p.base = 0
	p.basedAt = time.Now()
	p.state = reconcile.StatePaused
}

func (p *simPlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == reconcile.StatePlaying {
		return p.base + time.Since(p.basedAt).Seconds()
	}
	return p.base
}

func (p *simPlayer) State() reconcile.PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *simPlayer) snapshot() (string, reconcile.PlayerState, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.base
	if p.state == reconcile.StatePlaying {
		pos += time.Since(p.basedAt).Seconds()
	}
	return p.videoID, p.state, pos
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	serverURL := getEnv("SYNC_SERVER_URL", "ws://localhost:8080/ws")
	displayName := getEnv("PROBE_NAME", "sync-probe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	player := newSimPlayer()
	client, err := reconcile.Dial(ctx, serverURL, displayName, player, reconcile.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer client.Close()

	// Report what the probe is tracking once a second.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				videoID, state, pos := player.snapshot()
				log.Info().
					Str("video_id", videoID).
					Str("state", state.String()).
					Float64("position", pos).
					Uint64("seq", client.Reconciler().LastSeq()).
					Msg("probe state")
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down probe")
		cancel()
	case err := <-errCh:
		log.Error().Err(err).Msg("connection lost")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
