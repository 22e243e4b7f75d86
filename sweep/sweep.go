// Package sweep enforces time budgets, idle timeouts and disconnect grace
// periods, and reclaims sessions whose summaries could not be delivered.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"node.town/livespeak/session"
)

const (
	DefaultInterval     = time.Second
	DefaultSummaryGrace = 10 * time.Second
)

// Terminator performs terminal transitions on the sweeper's behalf.
type Terminator interface {
	Terminate(sessionID string, target session.State, cause session.Cause) error
	Redeliver(sessionID string) bool
}

type Options struct {
	Interval        time.Duration `mapstructure:"interval"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	SummaryGrace    time.Duration `mapstructure:"summary_grace"`
}

type Sweeper struct {
	store  *session.Store
	term   Terminator
	clock  session.Clock
	logger *log.Logger
	opts   Options
}

func New(
	store *session.Store,
	term Terminator,
	clock session.Clock,
	logger *log.Logger,
	opts Options,
) *Sweeper {
	if clock == nil {
		clock = session.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SummaryGrace <= 0 {
		opts.SummaryGrace = DefaultSummaryGrace
	}
	return &Sweeper{
		store:  store,
		term:   term,
		clock:  clock,
		logger: logger,
		opts:   opts,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("running", "interval", s.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped")
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep makes one pass over the store and returns how many sessions it
// moved into a terminal state.
func (s *Sweeper) Sweep() int {
	now := s.clock.Now()
	ended := 0

	for _, snap := range s.store.List() {
		if snap.State.Terminal() {
			s.reclaim(snap, now)
			continue
		}

		target, cause, ok := s.due(snap, now)
		if !ok {
			continue
		}
		err := s.term.Terminate(snap.ID, target, cause)
		switch {
		case err == nil:
			ended++
		case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotFound):
		default:
			s.logger.Warn("failed to end session", "session", snap.ID, "cause", cause, "error", err)
		}
	}
	return ended
}

// due picks the earliest crossed deadline of an ACTIVE session.
func (s *Sweeper) due(snap session.Snapshot, now time.Time) (session.State, session.Cause, bool) {
	type deadline struct {
		at     time.Time
		target session.State
		cause  session.Cause
	}

	var deadlines []deadline
	if snap.Config.TimeBudget > 0 {
		deadlines = append(deadlines, deadline{
			at:     snap.StartedAt.Add(snap.Config.TimeBudget),
			target: session.StateCompleted,
			cause:  session.CauseTimeBudget,
		})
	}
	if snap.Config.IdleTimeout > 0 {
		deadlines = append(deadlines, deadline{
			at:     snap.LastActivityAt.Add(snap.Config.IdleTimeout),
			target: session.StateExpired,
			cause:  session.CauseIdleTimeout,
		})
	}
	if !snap.DetachedAt.IsZero() {
		deadlines = append(deadlines, deadline{
			at:     snap.DetachedAt.Add(s.opts.DisconnectGrace),
			target: session.StateExpired,
			cause:  session.CauseDisconnect,
		})
	}

	var best *deadline
	for i := range deadlines {
		d := &deadlines[i]
		if now.Before(d.at) {
			continue
		}
		if best == nil || d.at.Before(best.at) {
			best = d
		}
	}
	if best == nil {
		return "", "", false
	}
	return best.target, best.cause, true
}

func (s *Sweeper) reclaim(snap session.Snapshot, now time.Time) {
	if snap.Delivering {
		return
	}
	if snap.Summary != nil && !snap.Delivered {
		if s.term.Redeliver(snap.ID) {
			return
		}
		if now.Sub(snap.EndedAt) < s.opts.SummaryGrace {
			return
		}
		s.logger.Warn("dropping undelivered summary", "session", snap.ID, "reason", snap.State.Reason())
	}
	if err := s.store.Remove(snap.ID); err == nil {
		s.logger.Debug("removed", "session", snap.ID)
	}
}
