package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/lockstep/go/internal/dbconfig"
	"github.com/mcdev12/lockstep/go/internal/gateway"
)

// Config is the full server configuration: env vars for deployment-level
// settings, an optional YAML tuning file for the sync policy knobs.
type Config struct {
	Port     string
	LogLevel string

	// RoomKey names this room in the replication backends. Instances
	// sharing a key converge on one timeline.
	RoomKey string

	// DatabaseURL and NATSURL are both optional; each empty value
	// disables that half of replication.
	DatabaseURL string
	NATSURL     string

	Gateway gateway.Config
}

// tuningFile is the YAML shape of the optional sync tuning file.
type tuningFile struct {
	Sync struct {
		PositionIntervalMs    int `yaml:"position_interval_ms"`
		FullStateIntervalMs   int `yaml:"full_state_interval_ms"`
		VideoChangeCooldownMs int `yaml:"video_change_cooldown_ms"`
		MaxMessageSize        int `yaml:"max_message_size"`
	} `yaml:"sync"`
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RoomKey:     getEnv("ROOM_KEY", "default"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		NATSURL:     getEnv("NATS_URL", ""),
		Gateway:     gateway.DefaultConfig(),
	}

	cfg.Gateway.PositionInterval = getEnvAsDuration("POSITION_INTERVAL", cfg.Gateway.PositionInterval)
	cfg.Gateway.FullStateInterval = getEnvAsDuration("FULL_STATE_INTERVAL", cfg.Gateway.FullStateInterval)
	cfg.Gateway.Connection.VideoChangeCooldown = getEnvAsDuration("VIDEO_CHANGE_COOLDOWN", cfg.Gateway.Connection.VideoChangeCooldown)

	// DATABASE_URL wins; DB_* variables are the piecewise alternative.
	if cfg.DatabaseURL == "" {
		if dbCfg, ok := dbconfig.FromEnv(); ok {
			cfg.DatabaseURL = dbCfg.DSN()
		}
	}

	if path := os.Getenv("SYNC_TUNING_PATH"); path != "" {
		if err := applyTuningFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func applyTuningFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file: %w", err)
	}

	var tuning tuningFile
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return fmt.Errorf("failed to parse tuning file: %w", err)
	}

	if v := tuning.Sync.PositionIntervalMs; v > 0 {
		cfg.Gateway.PositionInterval = time.Duration(v) * time.Millisecond
	}
	if v := tuning.Sync.FullStateIntervalMs; v > 0 {
		cfg.Gateway.FullStateInterval = time.Duration(v) * time.Millisecond
	}
	if v := tuning.Sync.VideoChangeCooldownMs; v > 0 {
		cfg.Gateway.Connection.VideoChangeCooldown = time.Duration(v) * time.Millisecond
	}
	if v := tuning.Sync.MaxMessageSize; v > 0 {
		cfg.Gateway.Connection.MaxMessageSize = int64(v)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
