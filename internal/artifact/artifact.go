// Package artifact is the kernel's interface to the external key-value
// store: agent output artifacts referenced by key, persisted run state, and
// the active-run index used for crash recovery. The Redis backend mirrors
// the production layout; the in-memory backend keeps the kernel fully
// functional when no Redis is configured.
package artifact

import (
	"context"
	"fmt"
	"time"
)

// Store is the external key-value artifact contract. Values are opaque
// payload bodies; the kernel itself only ever records keys.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// StateStore persists run state for crash recovery. Terminal runs leave the
// active index and expire after RetainTerminal.
type StateStore interface {
	SaveState(ctx context.Context, runID string, state []byte, terminal bool) error
	LoadState(ctx context.Context, runID string) ([]byte, bool, error)
	ActiveRuns(ctx context.Context) ([]string, error)
}

const (
	// DefaultTTL is how long an agent output artifact is retained.
	DefaultTTL = time.Hour
	// RetainTerminal is how long a terminal run's state is retained.
	RetainTerminal = 24 * time.Hour
)

// Key returns the store key for an agent's output artifact.
func Key(runID, agentID string) string {
	return fmt.Sprintf("run:%s:agent:%s:output", runID, agentID)
}

// StateKey returns the store key for a run's persisted state.
func StateKey(runID string) string {
	return fmt.Sprintf("run:%s:state", runID)
}

// activeRunsKey indexes runs that have not reached a terminal status.
const activeRunsKey = "sys:active_runs"
