package sample

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/outbox"
)

// Authorizer decides whether an actor may move an entity into a state.
type Authorizer interface {
	CanTransition(ctx context.Context, actor auth.Actor, entity, from, to string) bool
}

// QCGate answers batch-level QC questions for the verification gates.
type QCGate interface {
	HasOpenFailure(ctx context.Context, batchID string) (bool, error)
	HasRuns(ctx context.Context, batchID string) (bool, error)
}

// ReportGuard confirms a finalized report exists before a sample is
// marked reported.
type ReportGuard interface {
	HasFinalizedReport(ctx context.Context, sampleID uuid.UUID) (bool, error)
}

type Service struct {
	samples   SampleRepository
	tests     TestRepository
	results   ResultRepository
	tx        db.TxManager
	authz     Authorizer
	qc        QCGate
	publisher outbox.Publisher
	logger    zerolog.Logger
	audit     audit.Sink
	metrics   *metrics.Metrics
	reports   ReportGuard

	requireQCPass bool
	now           func() time.Time
}

func NewService(samples SampleRepository, tests TestRepository, results ResultRepository, tx db.TxManager,
	authz Authorizer, qc QCGate, publisher outbox.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		samples:       samples,
		tests:         tests,
		results:       results,
		tx:            tx,
		authz:         authz,
		qc:            qc,
		publisher:     publisher,
		logger:        logger.With().Str("component", "workflow").Logger(),
		requireQCPass: true,
		now:           time.Now,
	}
}

func (s *Service) SetAuditSink(sink audit.Sink)  { s.audit = sink }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }
func (s *Service) SetReportGuard(g ReportGuard)  { s.reports = g }

// SetRequireQCPass controls whether MarkQCDone needs at least one QC run
// on the test's batch.
func (s *Service) SetRequireQCPass(v bool) { s.requireQCPass = v }

// -- Samples --

var validPriorities = map[string]bool{PriorityRoutine: true, PriorityUrgent: true, PriorityStat: true}

func (s *Service) RegisterSample(ctx context.Context, smp *Sample, actor auth.Actor) error {
	smp.SampleType = strings.TrimSpace(smp.SampleType)
	if smp.SampleType == "" {
		return apperr.InvalidArgument("sample_type is required")
	}
	if smp.Priority == "" {
		smp.Priority = PriorityRoutine
	}
	if !validPriorities[smp.Priority] {
		return apperr.InvalidArgument("invalid priority: %s", smp.Priority)
	}
	smp.SampleNo = strings.TrimSpace(smp.SampleNo)
	if smp.SampleNo == "" {
		smp.SampleNo = fmt.Sprintf("S-%s-%s", s.now().UTC().Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
	}
	if smp.ReceivedAt.IsZero() {
		smp.ReceivedAt = s.now().UTC()
	}
	smp.Status = StatusReceived

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.samples.Create(ctx, smp); err != nil {
			return err
		}
		s.recordAfterCommit(ctx, audit.Entry{
			Action: "sample.registered", ActorID: actor.ID,
			EntityType: EntitySample, EntityID: smp.ID.String(), After: smp,
		})
		return nil
	})
}

func (s *Service) GetSample(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return s.samples.GetByID(ctx, id)
}

func (s *Service) ListSamples(ctx context.Context, f ListFilter, limit, offset int) ([]*Sample, int, error) {
	if f.Status != "" && !IsSampleStatus(f.Status) {
		return nil, 0, apperr.InvalidArgument("unknown sample status %q", f.Status)
	}
	return s.samples.List(ctx, f, limit, offset)
}

// ArchiveSample soft-archives a sample in a terminal state. Archiving twice
// returns the archived sample unchanged.
func (s *Service) ArchiveSample(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Sample, error) {
	var out *Sample
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		smp, err := s.samples.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		out = smp
		if smp.ArchivedAt != nil {
			return nil
		}
		if !IsTerminal(smp.Status) {
			return apperr.PreconditionFailed("sample %s is %s; only reported, returned or rejected samples can be archived",
				smp.SampleNo, smp.Status)
		}
		if err := s.samples.Archive(ctx, smp); err != nil {
			return err
		}
		s.recordAfterCommit(ctx, audit.Entry{
			Action: "sample.archived", ActorID: actor.ID,
			EntityType: EntitySample, EntityID: smp.ID.String(), After: smp,
		})
		return nil
	})
	return out, err
}

// -- Tests and results --

func (s *Service) AssignTest(ctx context.Context, sampleID uuid.UUID, t *SampleTest, actor auth.Actor) error {
	t.ParameterCode = strings.TrimSpace(t.ParameterCode)
	if t.ParameterCode == "" {
		return apperr.InvalidArgument("parameter_code is required")
	}
	if strings.TrimSpace(t.ParameterName) == "" {
		t.ParameterName = t.ParameterCode
	}
	if t.BatchID != nil && strings.TrimSpace(*t.BatchID) == "" {
		t.BatchID = nil
	}

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		smp, err := s.samples.GetForUpdate(ctx, sampleID)
		if err != nil {
			return err
		}
		if smp.Status != StatusReceived && smp.Status != StatusInProgress {
			return apperr.PreconditionFailed("tests can only be assigned while the sample is received or in progress (sample %s is %s)",
				smp.SampleNo, smp.Status)
		}
		t.SampleID = smp.ID
		t.Status = TestAssigned
		t.QCDone, t.OMVerified, t.LHValidated = false, false, false
		if err := s.tests.Create(ctx, t); err != nil {
			return err
		}
		s.recordAfterCommit(ctx, audit.Entry{
			Action: "sample_test.assigned", ActorID: actor.ID,
			EntityType: EntitySampleTest, EntityID: t.ID.String(), After: t,
		})
		return nil
	})
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*SampleTest, error) {
	return s.tests.GetByID(ctx, id)
}

func (s *Service) ListTests(ctx context.Context, sampleID uuid.UUID) ([]*SampleTest, error) {
	if _, err := s.samples.GetByID(ctx, sampleID); err != nil {
		return nil, err
	}
	return s.tests.ListBySample(ctx, sampleID)
}

// SubmitResult appends a new result version. Results are frozen once the
// test has been verified or the sample is closed.
func (s *Service) SubmitResult(ctx context.Context, testID uuid.UUID, r *TestResult, actor auth.Actor) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		smp, t, err := s.lockTest(ctx, testID)
		if err != nil {
			return err
		}
		if smp.ArchivedAt != nil {
			return apperr.PreconditionFailed("sample %s is archived", smp.SampleNo)
		}
		if IsTerminal(smp.Status) {
			return apperr.PreconditionFailed("sample %s is %s; results can no longer change", smp.SampleNo, smp.Status)
		}
		if TestReached(t.Status, TestVerified) {
			return apperr.PreconditionFailed("test %s is %s; results can no longer change", t.ParameterCode, t.Status)
		}
		r.SampleTestID = t.ID
		r.CreatedBy = actor.ID
		if err := s.results.Append(ctx, r); err != nil {
			return err
		}
		s.recordAfterCommit(ctx, audit.Entry{
			Action: "test_result.submitted", ActorID: actor.ID,
			EntityType: EntitySampleTest, EntityID: t.ID.String(), After: r,
		})
		return nil
	})
}

func (s *Service) ListResults(ctx context.Context, testID uuid.UUID) ([]*TestResult, error) {
	if _, err := s.tests.GetByID(ctx, testID); err != nil {
		return nil, err
	}
	return s.results.ListByTest(ctx, testID)
}

// LatestResult returns the authoritative result version of a test.
func (s *Service) LatestResult(ctx context.Context, testID uuid.UUID) (*TestResult, error) {
	return s.results.Latest(ctx, testID)
}

// MarkQCDone records that QC for the test's batch is acceptable.
func (s *Service) MarkQCDone(ctx context.Context, testID uuid.UUID, actor auth.Actor) (*SampleTest, error) {
	var out *SampleTest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		_, t, err := s.lockTest(ctx, testID)
		if err != nil {
			return err
		}
		out = t
		if t.QCDone {
			return nil
		}
		if !TestReached(t.Status, TestMeasured) {
			return apperr.PreconditionFailed("test %s has not been measured", t.ParameterCode)
		}
		batch := t.Batch()
		if batch == "" {
			return apperr.PreconditionFailed("test %s is not assigned to a batch", t.ParameterCode)
		}
		open, err := s.qc.HasOpenFailure(ctx, batch)
		if err != nil {
			return err
		}
		if open {
			return apperr.PreconditionFailed("batch %s has an open QC failure", batch)
		}
		if s.requireQCPass {
			has, err := s.qc.HasRuns(ctx, batch)
			if err != nil {
				return err
			}
			if !has {
				return apperr.PreconditionFailed("batch %s has no QC runs", batch)
			}
		}
		t.QCDone = true
		if err := s.tests.Update(ctx, t); err != nil {
			return err
		}
		s.recordAfterCommit(ctx, audit.Entry{
			Action: "sample_test.qc_done", ActorID: actor.ID,
			EntityType: EntitySampleTest, EntityID: t.ID.String(), After: t,
		})
		return nil
	})
	return out, err
}

// lockTest loads a test after locking its parent sample.
func (s *Service) lockTest(ctx context.Context, testID uuid.UUID) (*Sample, *SampleTest, error) {
	t, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, nil, err
	}
	smp, err := s.samples.GetForUpdate(ctx, t.SampleID)
	if err != nil {
		return nil, nil, err
	}
	// Re-read under the lock; the first read only located the parent.
	t, err = s.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, nil, err
	}
	return smp, t, nil
}

func (s *Service) recordAfterCommit(ctx context.Context, e audit.Entry) {
	db.AfterCommit(ctx, func() {
		audit.Record(context.WithoutCancel(ctx), s.audit, s.logger, e)
	})
}
