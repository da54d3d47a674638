package app

import (
	"errors"
	"time"

	"github.com/vk/agentgridgo/internal/broadcast"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ListenAddr   string
	ExecutorURL  string
	RedisURL     string
	StorageRoot  string
	PatternsFile string

	BroadcastInterval time.Duration
	InvokeTimeout     time.Duration

	LogFormat string
	LogLevel  string
}

// NewConfig validates a Config and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ExecutorURL == "" {
		return nil, errors.New("ExecutorURL is a required configuration field and cannot be empty")
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = "storage"
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = broadcast.DefaultInterval
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 2 * time.Minute
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}
