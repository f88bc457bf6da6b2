// Package scheduler advances sessions automatically on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/econgames/odyssey-engine/internal/game"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/store"
)

var (
	ErrInvalidSpec  = errors.New("scheduler: invalid cron spec")
	ErrNotScheduled = errors.New("scheduler: session is not scheduled")
)

// Advancer is the part of game.Service the scheduler drives.
type Advancer interface {
	Session(ctx context.Context, sessionID string) (*model.SimulationState, error)
	AdvanceRound(ctx context.Context, sessionID, userID string, expectedRound int) (*game.RoundResult, error)
}

type job struct {
	id     cron.EntryID
	userID string
	spec   string
}

// Scheduler owns one cron entry per scheduled session.
type Scheduler struct {
	cron        *cron.Cron
	advancer    Advancer
	defaultSpec string
	timeout     time.Duration

	mu   sync.Mutex
	jobs map[string]job
}

// New creates a Scheduler. defaultSpec is used when Schedule gets an empty
// spec. Specs take a seconds field or a descriptor such as "@every 30s".
func New(advancer Advancer, defaultSpec string) *Scheduler {
	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		advancer:    advancer,
		defaultSpec: defaultSpec,
		timeout:     10 * time.Second,
		jobs:        make(map[string]job),
	}
}

// Schedule auto-advances sessionID on behalf of userID. An existing
// schedule for the session is replaced.
func (s *Scheduler) Schedule(sessionID, userID, spec string) error {
	if spec == "" {
		spec = s.defaultSpec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.tick(sessionID) })
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
	}
	if old, ok := s.jobs[sessionID]; ok {
		s.cron.Remove(old.id)
	}
	s.jobs[sessionID] = job{id: id, userID: userID, spec: spec}

	slog.Info("auto-advance scheduled",
		"session_id", sessionID,
		"user_id", userID,
		"spec", spec,
	)
	return nil
}

// Unschedule stops auto-advancing sessionID.
func (s *Scheduler) Unschedule(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotScheduled, sessionID)
	}
	s.cron.Remove(j.id)
	delete(s.jobs, sessionID)
	slog.Info("auto-advance removed", "session_id", sessionID)
	return nil
}

// Scheduled reports the cron spec of sessionID, if any.
func (s *Scheduler) Scheduled(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[sessionID]
	return j.spec, ok
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop stops the cron scheduler. The returned context is done once
// running ticks have finished.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	slog.Info("scheduler stopped")
	return ctx
}

// tick advances the session from the round it is currently at. A tick
// that loses a race to a manual advance is skipped; the next tick reads
// the new round.
func (s *Scheduler) tick(sessionID string) {
	s.mu.Lock()
	j, ok := s.jobs[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	sim, err := s.advancer.Session(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("scheduled session not found", "session_id", sessionID)
		s.Unschedule(sessionID)
		return
	}
	if err != nil {
		slog.Error("scheduled load failed", "session_id", sessionID, "err", err)
		return
	}
	if sim.Completed() {
		s.Unschedule(sessionID)
		return
	}

	res, err := s.advancer.AdvanceRound(ctx, sessionID, j.userID, sim.RoundNumber)
	switch {
	case errors.Is(err, game.ErrConcurrentRoundConflict):
		slog.Warn("scheduled advance lost a race",
			"session_id", sessionID,
			"expected_round", sim.RoundNumber,
			"err", err,
		)
		return
	case err != nil:
		slog.Error("scheduled advance failed", "session_id", sessionID, "err", err)
		return
	}
	if res.State.Completed() {
		s.Unschedule(sessionID)
	}
}
