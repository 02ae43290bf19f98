package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/engine"
)

// #region env

// Env is the environment-variable surface of the engine. Every field has a
// default matching the calibrated configuration, so an empty environment
// yields a working session.
type Env struct {
	DataDir             string `env:"CAPTURE_DATA_DIR" envDefault:"./capture-data"`
	SnapshotEveryFrames int    `env:"CAPTURE_SNAPSHOT_EVERY" envDefault:"100"`
	BacklogCapacity     int    `env:"CAPTURE_BACKLOG_CAPACITY" envDefault:"64"`

	JournalSyncEntries  int           `env:"CAPTURE_JOURNAL_SYNC_ENTRIES" envDefault:"10"`
	JournalSyncInterval time.Duration `env:"CAPTURE_JOURNAL_SYNC_INTERVAL" envDefault:"1s"`
	JournalCheckpoint   int           `env:"CAPTURE_JOURNAL_CHECKPOINT" envDefault:"100"`
	JournalRotateBytes  int64         `env:"CAPTURE_JOURNAL_ROTATE_BYTES" envDefault:"67108864"`

	LogLevel string `env:"CAPTURE_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and folds it onto the default engine config.
func Load() (engine.Config, *slog.LevelVar, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return engine.Config{}, nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := engine.DefaultConfig(e.DataDir)
	cfg.SnapshotEveryFrames = e.SnapshotEveryFrames
	cfg.BacklogCapacity = e.BacklogCapacity
	cfg.Journal.SyncEveryEntries = e.JournalSyncEntries
	cfg.Journal.SyncInterval = e.JournalSyncInterval
	cfg.Journal.CheckpointEvery = e.JournalCheckpoint
	cfg.Journal.RotateBytes = e.JournalRotateBytes

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return engine.Config{}, nil, fmt.Errorf("log level %q: %w", e.LogLevel, err)
	}
	return cfg, level, nil
}

// #endregion env
