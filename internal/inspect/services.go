package inspect

import (
	"context"

	"github.com/mattjoyce/conductor/internal/clock"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/presence"
	"github.com/mattjoyce/conductor/internal/proposal"
	"github.com/mattjoyce/conductor/internal/runsheet"
)

// Services adapts the server components to Source.
type Services struct {
	Runsheet  *runsheet.Store
	Clock     *clock.Engine
	Presence  *presence.Registry
	Proposals *proposal.Engine
}

func (s Services) Project(ctx context.Context, projectID int64) (*model.Project, error) {
	return s.Runsheet.Project(ctx, projectID)
}

func (s Services) Phases(ctx context.Context, projectID int64) ([]model.Phase, error) {
	return s.Runsheet.Phases(ctx, projectID)
}

func (s Services) Actions(ctx context.Context, projectID int64, limit int) ([]model.ActionEntry, error) {
	return s.Runsheet.Actions(ctx, projectID, limit)
}

func (s Services) ClockState(ctx context.Context, projectID int64) (model.ClockState, error) {
	return s.Clock.State(ctx, projectID)
}

func (s Services) Sessions(ctx context.Context, projectID int64) ([]model.Session, error) {
	return s.Presence.List(ctx, projectID)
}

func (s Services) Pending(ctx context.Context, projectID int64) ([]model.ChangeRecord, error) {
	return s.Proposals.Pending(ctx, projectID)
}
