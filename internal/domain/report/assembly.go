package report

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/sample"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/render"
)

const EntityReport = "report"

// Config holds the reporting policy.
type Config struct {
	ReportType           string
	StatusGate           string
	NumberPrefix         string
	RequiredRoles        []string
	SignerRole           string
	SignatureOnFileRoles []string
	SignatureSecret      string
	DefaultTemplate      string
}

func DefaultConfig() Config {
	return Config{
		ReportType:           "final",
		StatusGate:           sample.StatusValidated,
		NumberPrefix:         "LAB",
		RequiredRoles:        []string{auth.RoleOM, auth.RoleLH},
		SignerRole:           auth.RoleLH,
		SignatureOnFileRoles: []string{auth.RoleLH},
		DefaultTemplate:      "standard",
	}
}

// SampleAdvancer moves a sample through the workflow. Finalization uses it
// to mark the sample reported inside its own transaction.
type SampleAdvancer interface {
	ApplySampleTransition(ctx context.Context, sampleID uuid.UUID, target string, actor auth.Actor) (*sample.Sample, error)
}

type Service struct {
	cfg       Config
	samples   sample.SampleRepository
	tests     sample.TestRepository
	results   sample.ResultRepository
	reports   ReportRepository
	sigs      SignatureRepository
	allocator Allocator
	tx        db.TxManager
	renderer  render.Renderer
	blobs     blobstore.Store
	workflow  SampleAdvancer
	logger    zerolog.Logger
	audit     audit.Sink
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	Samples   sample.SampleRepository
	Tests     sample.TestRepository
	Results   sample.ResultRepository
	Reports   ReportRepository
	Sigs      SignatureRepository
	Allocator Allocator
	Tx        db.TxManager
	Renderer  render.Renderer
	Blobs     blobstore.Store
	Workflow  SampleAdvancer
}

func NewService(cfg Config, d Deps, logger zerolog.Logger) *Service {
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = "standard"
	}
	return &Service{
		cfg:       cfg,
		samples:   d.Samples,
		tests:     d.Tests,
		results:   d.Results,
		reports:   d.Reports,
		sigs:      d.Sigs,
		allocator: d.Allocator,
		tx:        d.Tx,
		renderer:  d.Renderer,
		blobs:     d.Blobs,
		workflow:  d.Workflow,
		logger:    logger.With().Str("component", "report").Logger(),
		now:       time.Now,
	}
}

func (s *Service) SetAuditSink(sink audit.Sink)  { s.audit = sink }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// GenerateForSample assembles a draft report from the latest results of a
// validated sample. A current draft is returned as is.
func (s *Service) GenerateForSample(ctx context.Context, sampleID uuid.UUID, actorID string) (*Report, error) {
	rep, _, err := s.Generate(ctx, sampleID, actorID)
	return rep, err
}

// Generate is GenerateForSample that also reports whether this call
// created the draft.
func (s *Service) Generate(ctx context.Context, sampleID uuid.UUID, actorID string) (*Report, bool, error) {
	var out *Report
	created := false
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		smp, err := s.samples.GetForUpdate(ctx, sampleID)
		if err != nil {
			return err
		}

		existing, err := s.reports.Current(ctx, sampleID, s.cfg.ReportType)
		switch {
		case err == nil:
			if existing.IsLocked {
				return apperr.New(apperr.KindAlreadyFinalized, "report %s for sample %s is already finalized",
					existing.ReportNo, smp.SampleNo)
			}
			out = existing
			return nil
		case !apperr.Is(err, apperr.KindNotFound):
			return err
		}

		tests, err := s.tests.ListBySample(ctx, sampleID)
		if err != nil {
			return err
		}
		if err := s.checkGate(smp, tests); err != nil {
			return err
		}

		no, err := s.allocator.Next(ctx, s.cfg.NumberPrefix)
		if err != nil {
			return err
		}
		rep := &Report{
			SampleID:    sampleID,
			ReportType:  s.cfg.ReportType,
			ReportNo:    no,
			GeneratedBy: actorID,
		}
		if err := s.reports.Create(ctx, rep); err != nil {
			return err
		}

		items := make([]*Item, 0, len(tests))
		ids := make([]uuid.UUID, 0, len(tests))
		for i, t := range tests {
			res, err := s.results.Latest(ctx, t.ID)
			if err != nil {
				return err
			}
			items = append(items, &Item{
				ReportID:       rep.ID,
				SampleTestID:   t.ID,
				ParameterCode:  t.ParameterCode,
				ParameterLabel: t.ParameterName,
				FinalValue:     res.FinalValue,
				Unit:           res.Unit,
				Flags:          res.Flags,
				ResultVersion:  res.Version,
				Position:       i + 1,
			})
			ids = append(ids, t.ID)
		}
		if err := s.reports.AddItems(ctx, items); err != nil {
			return err
		}

		slots := make([]*Signature, 0, len(s.cfg.RequiredRoles))
		for _, role := range s.cfg.RequiredRoles {
			slots = append(slots, &Signature{ReportID: rep.ID, RoleCode: role})
		}
		if err := s.sigs.AddSlots(ctx, slots); err != nil {
			return err
		}
		if err := s.reports.LinkTests(ctx, rep.ID, ids); err != nil {
			return err
		}

		out = rep
		created = true
		db.AfterCommit(ctx, func() {
			s.metrics.ReportGenerated()
			audit.Record(context.WithoutCancel(ctx), s.audit, s.logger, audit.Entry{
				Action: "report.generated", ActorID: actorID,
				EntityType: EntityReport, EntityID: rep.ID.String(), After: rep,
			})
		})
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info().Str("report_no", out.ReportNo).Str("sample_id", sampleID.String()).
			Str("actor", actorID).Msg("report generated")
	}
	return out, created, nil
}

func (s *Service) checkGate(smp *sample.Sample, tests []*sample.SampleTest) error {
	if smp.Status != s.cfg.StatusGate {
		return apperr.PreconditionFailed("sample %s is %s; all tests must be validated and the sample %s before reporting",
			smp.SampleNo, smp.Status, s.cfg.StatusGate)
	}
	if len(tests) == 0 {
		return apperr.PreconditionFailed("sample %s has no tests; all tests must be validated before reporting", smp.SampleNo)
	}
	var pending []string
	for _, t := range tests {
		if t.Status != sample.TestValidated {
			pending = append(pending, t.ParameterCode)
		}
	}
	if len(pending) > 0 {
		return apperr.PreconditionFailed("all tests must be validated; pending: %s", strings.Join(pending, ", "))
	}
	return nil
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.reports.GetByID(ctx, id)
}

func (s *Service) ListReportsForSample(ctx context.Context, sampleID uuid.UUID) ([]*Report, error) {
	if _, err := s.samples.GetByID(ctx, sampleID); err != nil {
		return nil, err
	}
	return s.reports.ListBySample(ctx, sampleID)
}

func (s *Service) GetReportDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	rep, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.reports.Items(ctx, id)
	if err != nil {
		return nil, err
	}
	sigs, err := s.sigs.ListByReport(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Report: rep, Items: items, Signatures: sigs}, nil
}

// HasFinalizedReport satisfies sample.ReportGuard.
func (s *Service) HasFinalizedReport(ctx context.Context, sampleID uuid.UUID) (bool, error) {
	return s.reports.HasFinalized(ctx, sampleID)
}

// RegisterSignatureOnFile stores the actor's signature reference for a role
// the actor holds.
func (s *Service) RegisterSignatureOnFile(ctx context.Context, actor auth.Actor, role, ref string) (*SignatureOnFile, error) {
	role = strings.ToUpper(strings.TrimSpace(role))
	ref = strings.TrimSpace(ref)
	if role == "" || ref == "" {
		return nil, apperr.InvalidArgument("role and signature_ref are required")
	}
	if !actor.Has(role) {
		return nil, apperr.Forbidden("actor %s does not hold role %s", actor.ID, role)
	}
	sof := &SignatureOnFile{ActorID: actor.ID, RoleCode: role, SignatureRef: ref}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.sigs.PutOnFile(ctx, sof); err != nil {
			return err
		}
		db.AfterCommit(ctx, func() {
			audit.Record(context.WithoutCancel(ctx), s.audit, s.logger, audit.Entry{
				Action: "signature.on_file", ActorID: actor.ID,
				EntityType: "signature_on_file", EntityID: actor.ID + "/" + role,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sof, nil
}

func (s *Service) requiresOnFile(role string) bool {
	for _, r := range s.cfg.SignatureOnFileRoles {
		if r == role {
			return true
		}
	}
	return false
}

