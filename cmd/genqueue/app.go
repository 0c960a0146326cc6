package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/storyforge/genqueue/internal/config"
	"github.com/storyforge/genqueue/internal/db"
	"github.com/storyforge/genqueue/internal/job"
	"github.com/storyforge/genqueue/internal/provider"
)

// newLogger builds the process logger. Debug mode switches to readable text
// output at debug level; otherwise records are JSON.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.Debug {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("node_id", cfg.NodeID))
}

// openStore opens the configured job store. The returned close func releases
// everything the store holds.
func openStore(cfg *config.Config) (job.JobStore, func() error, error) {
	switch cfg.StoreDriver {
	case "memory":
		s := job.NewStore()
		return s, s.Close, nil

	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "jobs.db")
		}
		s, err := job.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "badger":
		dbStore, err := db.NewStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		s, err := job.NewPersistentStore(dbStore)
		if err != nil {
			dbStore.Close()
			return nil, nil, err
		}
		return s, func() error {
			if err := s.Close(); err != nil {
				dbStore.Close()
				return err
			}
			return dbStore.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver: %s", cfg.StoreDriver)
}

func newGenerator(cfg *config.Config) provider.Generator {
	if cfg.ProviderMode == "http" {
		return provider.NewHTTPClient(provider.HTTPConfig{
			URL:     cfg.ProviderURL,
			APIKey:  cfg.ProviderAPIKey,
			Timeout: cfg.ProviderTimeout,
			Rate:    cfg.ProviderRate,
			Burst:   cfg.ProviderBurst,
		})
	}
	return &provider.Stub{}
}

func outputDir(cfg *config.Config) string {
	if cfg.OutputDir != "" {
		return cfg.OutputDir
	}
	return filepath.Join(cfg.DataDir, "images")
}
