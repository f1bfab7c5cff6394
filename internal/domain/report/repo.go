package report

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ReportRepository interface {
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	// Current returns the non-superseded report of a type for a sample.
	Current(ctx context.Context, sampleID uuid.UUID, reportType string) (*Report, error)
	ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*Report, error)
	AddItems(ctx context.Context, items []*Item) error
	Items(ctx context.Context, reportID uuid.UUID) ([]*Item, error)
	// LinkTests records reportID on every listed sample test.
	LinkTests(ctx context.Context, reportID uuid.UUID, testIDs []uuid.UUID) error
	// Lock flips is_locked on an unlocked current report and reports
	// whether this call won.
	Lock(ctx context.Context, id uuid.UUID, actorID string, at time.Time) (bool, error)
	SetRendition(ctx context.Context, id uuid.UUID, pdfURL, templateCode string) error
	HasFinalized(ctx context.Context, sampleID uuid.UUID) (bool, error)
}

type SignatureRepository interface {
	AddSlots(ctx context.Context, sigs []*Signature) error
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*Signature, error)
	// Sign fills an empty slot and reports whether it was empty.
	Sign(ctx context.Context, reportID uuid.UUID, role, actorID string, at time.Time, hash string) (bool, error)
	OnFile(ctx context.Context, actorID, role string) (*SignatureOnFile, error)
	PutOnFile(ctx context.Context, s *SignatureOnFile) error
}
