package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lockstep/go/internal/gateway"
	"github.com/mcdev12/lockstep/go/internal/metrics"
	"github.com/mcdev12/lockstep/go/internal/replication"
	"github.com/mcdev12/lockstep/go/internal/room"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("port", cfg.Port).
		Str("room_key", cfg.RoomKey).
		Bool("postgres", cfg.DatabaseURL != "").
		Bool("nats", cfg.NATSURL != "").
		Msg("starting lockstep server")

	clock := clockwork.NewRealClock()
	store := room.NewStore(clock)
	m := metrics.New()
	svc := gateway.NewService(cfg.Gateway, store, clock, m)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repl := setupReplication(ctx, cfg, store, svc, m)
	if repl != nil {
		svc.SetPublisher(repl)
		defer repl.Close()
	}

	server := setupServer(cfg, svc, m)

	// Start gateway service (broadcast loop and heartbeat timers)
	go svc.Start(ctx)

	// Start HTTP server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Cancel service context to stop the gateway loops
	cancel()

	log.Info().Msg("lockstep server shutdown complete")
}

// setupReplication wires the optional Postgres store and NATS bus. Either
// backend may be absent; with both absent the server runs single-process and
// nil is returned.
func setupReplication(ctx context.Context, cfg Config, store *room.Store, svc *gateway.Service, m *metrics.Metrics) *replication.Replicator {
	var snapshots replication.SnapshotStore
	if cfg.DatabaseURL != "" {
		ps, err := replication.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.RoomKey)
		if err != nil {
			log.Error().Err(err).Msg("snapshot store unavailable, continuing without persistence")
		} else {
			snapshots = ps
		}
	}

	var bus *replication.Bus
	if cfg.NATSURL != "" {
		b, err := replication.NewBus(cfg.NATSURL, cfg.RoomKey)
		if err != nil {
			log.Error().Err(err).Msg("state bus unavailable, continuing without peer replication")
		} else {
			bus = b
		}
	}

	if snapshots == nil && bus == nil {
		return nil
	}

	// Adopted peer state reaches local viewers as a full snapshot.
	repl := replication.New(store, snapshots, bus, m, func(snap room.Snapshot) {
		event, err := gateway.NewEvent(gateway.EventFullState, snap)
		if err != nil {
			log.Error().Err(err).Msg("failed to build full-state event for adopted snapshot")
			return
		}
		svc.Broadcast(event)
	})

	repl.Seed(ctx)
	if err := repl.Start(); err != nil {
		log.Error().Err(err).Msg("failed to subscribe to state bus")
	}
	return repl
}
