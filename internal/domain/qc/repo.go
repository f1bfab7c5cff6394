package qc

import (
	"context"

	"github.com/google/uuid"
)

type ControlRepository interface {
	Create(ctx context.Context, c *Control) error
	GetByID(ctx context.Context, id uuid.UUID) (*Control, error)
	// GetForUpdate locks the control row for the enclosing transaction so
	// runs of one control are evaluated one at a time.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Control, error)
	List(ctx context.Context, parameterCode string, activeOnly bool, limit, offset int) ([]*Control, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type RunRepository interface {
	Insert(ctx context.Context, r *Run) error
	// Recent returns up to limit runs of the control, newest first. An
	// empty batchID searches every batch.
	Recent(ctx context.Context, controlID uuid.UUID, batchID string, limit int) ([]*Run, error)
	// AmendViolations is the only mutation allowed on a stored run.
	AmendViolations(ctx context.Context, runID uuid.UUID, violations []string, status string) error
	ListByControl(ctx context.Context, controlID uuid.UUID, limit, offset int) ([]*Run, int, error)
	// LatestPerControl returns the newest run of each control in the batch.
	LatestPerControl(ctx context.Context, batchID string) ([]*Run, error)
}
