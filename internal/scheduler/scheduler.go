// Package scheduler runs periodic housekeeping: stale session eviction and
// pruning of old mailbox entries and closed submissions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/conductor/internal/config"
	clog "github.com/mattjoyce/conductor/internal/log"
)

// Scheduler sweeps on a fixed interval until stopped.
type Scheduler struct {
	cfg         *config.Config
	sessions    SessionSweeper
	mailbox     MailboxPruner
	submissions SubmissionPruner
	logger      *slog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func New(cfg *config.Config, sessions SessionSweeper, mailbox MailboxPruner, submissions SubmissionPruner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		sessions:    sessions,
		mailbox:     mailbox,
		submissions: submissions,
		logger:      clog.ForComponent(logger, "scheduler"),
		stopCh:      make(chan struct{}),
	}
}

// Start sweeps once, which also clears sessions left over from a previous
// run, and then keeps sweeping in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := s.cfg.Presence.SweepInterval
	if interval <= 0 {
		return fmt.Errorf("scheduler: sweep interval must be positive, got %s", interval)
	}
	s.logger.Info("starting scheduler", "sweep_interval", interval)

	s.wg.Add(1)
	go s.tickLoop(ctx, interval)
	return nil
}

// Stop ends the tick loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(calculateJitteredInterval(interval, interval/10))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick runs one housekeeping pass. Failures are logged and retried on the
// next tick.
func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("scheduler tick")

	if s.sessions != nil {
		evicted, err := s.sessions.EvictStale(ctx)
		if err != nil {
			s.logger.Error("failed to evict stale sessions", "error", err)
		}
		for _, sess := range evicted {
			s.logger.Info("evicted stale session",
				"project_id", sess.ProjectID, "role", sess.Role, "name", sess.Name,
				"last_heartbeat_at", sess.LastHeartbeatAt)
		}
	}

	if s.mailbox != nil && s.cfg.Notify.MailboxRetention > 0 {
		n, err := s.mailbox.Prune(ctx, s.cfg.Notify.MailboxRetention)
		if err != nil {
			s.logger.Error("failed to prune mailbox", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned mailbox entries", "count", n)
		}
	}

	if s.submissions != nil && s.cfg.Project.ClosedSubmissionRetention > 0 {
		if _, err := s.submissions.PruneClosed(ctx, s.cfg.Project.ClosedSubmissionRetention); err != nil {
			s.logger.Error("failed to prune closed submissions", "error", err)
		}
	}
}

// calculateJitteredInterval returns baseInterval plus up to jitter.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(int64(jitter)+1))
}
