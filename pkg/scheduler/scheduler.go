// Package scheduler drives the collector on a fixed interval until a
// deadline or cancellation.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lampwatch/lampwatch/pkg/collector"
	"github.com/lampwatch/lampwatch/pkg/log"
)

// State is where the scheduler is in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateCancelled State = "cancelled"
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Runner is what the scheduler drives.
type Runner interface {
	Sweep(ctx context.Context) (collector.Summary, error)
	Cycle(ctx context.Context) (collector.Summary, error)
}

// Scheduler runs one heartbeat sweep on start and then a collection cycle
// every interval. Nothing is persisted; a restarted scheduler starts over.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	checkEvery time.Duration
	now        func() time.Time

	mu       sync.Mutex
	state    State
	deadline time.Time
	cycles   int
}

// New returns an idle scheduler.
func New(runner Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		checkEvery: time.Second,
		now:        time.Now,
		state:      StateIdle,
	}
}

// SetDeadline makes Run stop once t is reached. The zero time means no
// deadline.
func (s *Scheduler) SetDeadline(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
}

// Deadline returns the configured deadline.
func (s *Scheduler) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycles returns how many scheduled collection cycles have run.
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Scheduler) deadlineReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.deadline.IsZero() && !s.now().Before(s.deadline)
}

// Run blocks until the deadline passes or ctx is cancelled and returns the
// final state. Cycle errors are logged and never end the run.
func (s *Scheduler) Run(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return s.State(), ErrAlreadyStarted
	}
	s.state = StateRunning
	s.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "scheduler started",
		slog.Duration("interval", s.interval),
		slog.Time("deadline", s.Deadline()),
	)

	if _, err := s.runner.Sweep(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "startup sweep failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()
	next := s.now().Add(s.interval)

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "scheduler cancelled")
			s.setState(StateCancelled)
			return StateCancelled, nil
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			continue
		}

		if s.deadlineReached() {
			log.Ctx(ctx).InfoContext(ctx, "stop time reached, stopping collection")
			s.setState(StateStopped)
			return StateStopped, nil
		}

		now := s.now()
		if now.Before(next) {
			continue
		}
		s.mu.Lock()
		s.cycles++
		s.mu.Unlock()
		if _, err := s.runner.Cycle(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "collection cycle failed", slog.Any("error", err))
		}

		// keep a fixed cadence, skipping any runs a slow cycle overlapped
		for !next.After(s.now()) {
			next = next.Add(s.interval)
		}
	}
}
