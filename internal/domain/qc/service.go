package qc

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
)

type Service struct {
	controls ControlRepository
	runs     RunRepository
	tx       db.TxManager
	logger   zerolog.Logger
	audit    audit.Sink
	metrics  *metrics.Metrics
	r4sScope string
}

func NewService(controls ControlRepository, runs RunRepository, tx db.TxManager, logger zerolog.Logger) *Service {
	return &Service{
		controls: controls,
		runs:     runs,
		tx:       tx,
		logger:   logger.With().Str("component", "qc").Logger(),
		r4sScope: ScopeControl,
	}
}

func (s *Service) SetAuditSink(sink audit.Sink)  { s.audit = sink }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetR4SScope selects whether the R-4s predecessor is searched across all
// batches of a control or only within the run's batch.
func (s *Service) SetR4SScope(scope string) { s.r4sScope = scope }

// -- Controls --

func (s *Service) CreateControl(ctx context.Context, c *Control, actor auth.Actor) error {
	c.ParameterCode = strings.TrimSpace(c.ParameterCode)
	c.Name = strings.TrimSpace(c.Name)
	if c.ParameterCode == "" {
		return apperr.InvalidArgument("parameter_code is required")
	}
	if c.Name == "" {
		return apperr.InvalidArgument("name is required")
	}
	if !(c.Tolerance > 0) {
		return apperr.InvalidArgument("tolerance must be greater than zero")
	}
	if c.Kind == "" {
		c.Kind = KindControl
	}
	if c.Kind != KindControl && c.Kind != KindBlank {
		return apperr.InvalidArgument("kind must be %q or %q", KindControl, KindBlank)
	}
	if len(c.Ruleset) == 0 {
		c.Ruleset = append([]string{}, DefaultRuleset...)
	}
	if err := ValidateRuleset(c.Ruleset); err != nil {
		return err
	}
	c.Active = true

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.controls.Create(ctx, c); err != nil {
			return err
		}
		s.recordAfterCommit(ctx, audit.Entry{
			Action: "qc_control.created", ActorID: actor.ID,
			EntityType: "qc_control", EntityID: c.ID.String(), After: c,
		})
		return nil
	})
}

func (s *Service) GetControl(ctx context.Context, id uuid.UUID) (*Control, error) {
	return s.controls.GetByID(ctx, id)
}

func (s *Service) ListControls(ctx context.Context, parameterCode string, activeOnly bool, limit, offset int) ([]*Control, int, error) {
	return s.controls.List(ctx, parameterCode, activeOnly, limit, offset)
}

// SetControlActive retires or reinstates a control. Retired controls keep
// their runs but accept no new ones.
func (s *Service) SetControlActive(ctx context.Context, id uuid.UUID, active bool, actor auth.Actor) (*Control, error) {
	var out *Control
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.controls.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Active == active {
			out = c
			return nil
		}
		if err := s.controls.SetActive(ctx, id, active); err != nil {
			return err
		}
		before := *c
		c.Active = active
		out = c
		s.recordAfterCommit(ctx, audit.Entry{
			Action: "qc_control.active_changed", ActorID: actor.ID,
			EntityType: "qc_control", EntityID: id.String(), Before: before, After: c,
		})
		return nil
	})
	return out, err
}

// -- Runs --

// EvaluateAndPersist records a control measurement for a batch. The control
// row stays locked until commit so concurrent runs of the same control see
// each other as R-4s predecessors.
func (s *Service) EvaluateAndPersist(ctx context.Context, batchID string, controlID uuid.UUID, value float64, actorID string) (*Recorded, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, apperr.InvalidArgument("batch_id is required")
	}

	var out *Recorded
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.controls.GetForUpdate(ctx, controlID)
		if err != nil {
			return err
		}
		if !c.Active {
			return apperr.PreconditionFailed("qc control %s is inactive", c.ID)
		}

		scopeBatch := ""
		if s.r4sScope == ScopeBatch {
			scopeBatch = batchID
		}
		recent, err := s.runs.Recent(ctx, controlID, scopeBatch, 1)
		if err != nil {
			return err
		}

		v, err := Evaluate(c, value, recent)
		if err != nil {
			return err
		}

		run := &Run{
			ControlID:  controlID,
			BatchID:    batchID,
			Value:      value,
			ZScore:     v.ZScore,
			Status:     v.Status,
			Violations: v.Violations,
			CreatedBy:  actorID,
		}
		if err := s.runs.Insert(ctx, run); err != nil {
			return err
		}
		out = &Recorded{Run: run}

		if prev := v.AmendPredecessor; prev != nil {
			before := *prev
			violations, status := Amend(prev)
			if err := s.runs.AmendViolations(ctx, prev.ID, violations, status); err != nil {
				return err
			}
			amended := *prev
			amended.Violations = violations
			amended.Status = status
			out.Amended = &amended
			s.recordAfterCommit(ctx, audit.Entry{
				Action: "qc_run.amended", ActorID: actorID,
				EntityType: "qc_run", EntityID: prev.ID.String(), Before: before, After: amended,
			})
		}

		s.recordAfterCommit(ctx, audit.Entry{
			Action: "qc_run.recorded", ActorID: actorID,
			EntityType: "qc_run", EntityID: run.ID.String(), After: run,
		})
		db.AfterCommit(ctx, func() {
			s.metrics.QCVerdict(run.Status)
			if run.Status != StatusPass {
				s.logger.Warn().
					Str("control_id", controlID.String()).
					Str("batch_id", batchID).
					Float64("z_score", run.ZScore).
					Strs("violations", run.Violations).
					Msg("qc run out of control")
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListRuns(ctx context.Context, controlID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	if _, err := s.controls.GetByID(ctx, controlID); err != nil {
		return nil, 0, err
	}
	return s.runs.ListByControl(ctx, controlID, limit, offset)
}

// -- Batch gate --

func (s *Service) BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	latest, err := s.runs.LatestPerControl(ctx, batchID)
	if err != nil {
		return nil, err
	}
	bs := &BatchStatus{BatchID: batchID, HasRuns: len(latest) > 0, Controls: []*ControlState{}}
	for _, r := range latest {
		if r.Status == StatusFail {
			bs.OpenFailure = true
		}
		bs.Controls = append(bs.Controls, &ControlState{
			ControlID:   r.ControlID,
			LatestRunID: r.ID,
			Status:      r.Status,
			Violations:  r.Violations,
			RecordedAt:  r.CreatedAt,
		})
	}
	return bs, nil
}

// HasOpenFailure reports whether the latest run of any control in the batch
// failed. A later passing rerun of that control closes the failure.
func (s *Service) HasOpenFailure(ctx context.Context, batchID string) (bool, error) {
	bs, err := s.BatchStatus(ctx, batchID)
	if err != nil {
		return false, err
	}
	return bs.OpenFailure, nil
}

// HasRuns reports whether any control has been run in the batch.
func (s *Service) HasRuns(ctx context.Context, batchID string) (bool, error) {
	latest, err := s.runs.LatestPerControl(ctx, batchID)
	if err != nil {
		return false, err
	}
	return len(latest) > 0, nil
}

func (s *Service) recordAfterCommit(ctx context.Context, e audit.Entry) {
	db.AfterCommit(ctx, func() {
		audit.Record(context.WithoutCancel(ctx), s.audit, s.logger, e)
	})
}
