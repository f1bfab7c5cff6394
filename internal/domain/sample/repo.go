package sample

import (
	"context"

	"github.com/google/uuid"
)

type SampleRepository interface {
	Create(ctx context.Context, s *Sample) error
	GetByID(ctx context.Context, id uuid.UUID) (*Sample, error)
	// GetForUpdate locks the sample row until the enclosing transaction
	// ends. Every write to a sample or its tests takes this lock first.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Sample, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Sample, int, error)
	// UpdateStatus persists s.Status and refreshes Version and UpdatedAt.
	UpdateStatus(ctx context.Context, s *Sample) error
	Archive(ctx context.Context, s *Sample) error
}

type TestRepository interface {
	Create(ctx context.Context, t *SampleTest) error
	GetByID(ctx context.Context, id uuid.UUID) (*SampleTest, error)
	ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*SampleTest, error)
	// Update persists status and the qc/verification flags.
	Update(ctx context.Context, t *SampleTest) error
}

type ResultRepository interface {
	// Append stores r as the next version for its test.
	Append(ctx context.Context, r *TestResult) error
	ListByTest(ctx context.Context, testID uuid.UUID) ([]*TestResult, error)
	Latest(ctx context.Context, testID uuid.UUID) (*TestResult, error)
}
