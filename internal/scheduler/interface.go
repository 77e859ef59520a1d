package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/conductor/internal/model"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks github.com/mattjoyce/conductor/internal/scheduler SessionSweeper,MailboxPruner,SubmissionPruner

// SessionSweeper evicts sessions whose heartbeat lapsed.
type SessionSweeper interface {
	EvictStale(ctx context.Context) ([]model.Session, error)
}

// MailboxPruner drops notifications nobody acknowledged in time.
type MailboxPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SubmissionPruner deletes closed proposal submissions.
type SubmissionPruner interface {
	PruneClosed(ctx context.Context, olderThan time.Duration) (int64, error)
}
