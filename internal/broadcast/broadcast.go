// Package broadcast streams run state to observers. Each subscriber gets an
// initial snapshot, a fresh snapshot on a fixed interval, and whitelisted
// discrete events as they happen; once the run is terminal one final snapshot
// is delivered and the stream closes. The streamer only ever reads the
// published snapshot, so a slow or stuck observer can never touch the run
// loop.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vk/agentgridgo/internal/events"
	"github.com/vk/agentgridgo/internal/runtime"
)

// ErrUnknownRun means the requested run has no live state to stream.
var ErrUnknownRun = errors.New("unknown run")

// DefaultInterval is the snapshot cadence.
const DefaultInterval = 250 * time.Millisecond

// Source provides the read side of a run: the latest snapshot and the
// terminal signal. *runtime.Kernel satisfies it.
type Source interface {
	Snapshot(runID string) (*runtime.Snapshot, bool)
	Done(runID string) (<-chan struct{}, bool)
}

// Sink receives the frames for one subscriber. Any error aborts the stream.
type Sink interface {
	SendState(snap *runtime.Snapshot) error
	SendEvent(ev events.Event) error
	Close() error
}

// forwarded is the set of discrete event types relayed to observers.
var forwarded = map[events.Type]struct{}{
	events.TypeNodeCreated:        {},
	events.TypeAgentStarted:       {},
	events.TypeAgentCompleted:     {},
	events.TypeAgentFailed:        {},
	events.TypeToolCall:           {},
	events.TypeSystemIntervention: {},
	events.TypeIntermediateLog:    {},
}

// Streamer fans run state out to sinks.
type Streamer struct {
	source   Source
	bus      *events.Bus
	clock    clock.Clock
	interval time.Duration
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithClock injects a clock, used by tests to drive the interval.
func WithClock(c clock.Clock) Option {
	return func(s *Streamer) { s.clock = c }
}

// WithInterval overrides the snapshot cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Streamer) { s.interval = d }
}

// New creates a Streamer over the given source and event bus.
func New(source Source, bus *events.Bus, opts ...Option) *Streamer {
	s := &Streamer{
		source:   source,
		bus:      bus,
		clock:    clock.New(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream serves one subscriber until the run ends, the context is canceled,
// or the sink errors. The sink is always closed before returning.
func (s *Streamer) Stream(ctx context.Context, runID string, sink Sink) error {
	defer sink.Close()

	snap, ok := s.source.Snapshot(runID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRun, runID)
	}
	done, _ := s.source.Done(runID)

	if err := sink.SendState(snap); err != nil {
		return err
	}

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub:
			if ev.RunID != runID {
				continue
			}
			if _, relay := forwarded[ev.Type]; !relay {
				continue
			}
			if err := sink.SendEvent(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if snap, ok := s.source.Snapshot(runID); ok {
				if err := sink.SendState(snap); err != nil {
					return err
				}
			}
		case <-done:
			// Terminal: one last snapshot so the observer always sees the
			// final state, then the stream ends.
			if snap, ok := s.source.Snapshot(runID); ok {
				return sink.SendState(snap)
			}
			return nil
		}
	}
}
