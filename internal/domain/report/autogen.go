package report

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/sample"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/outbox"
)

// Generator is the part of Service the auto-generator drives.
type Generator interface {
	GenerateForSample(ctx context.Context, sampleID uuid.UUID, actorID string) (*Report, error)
}

// AutoGenerator drafts a report once a sample is validated. It runs from
// the outbox after the validating transaction has committed, so its
// failures never undo the validation.
type AutoGenerator struct {
	gen    Generator
	logger zerolog.Logger
}

func NewAutoGenerator(gen Generator, logger zerolog.Logger) *AutoGenerator {
	return &AutoGenerator{gen: gen, logger: logger.With().Str("component", "report-autogen").Logger()}
}

// Handle is an outbox.Handler for sample.transitioned events. Domain
// refusals are logged and dropped; infrastructure errors are returned so
// the dispatcher retries.
func (a *AutoGenerator) Handle(ctx context.Context, e *outbox.Event) error {
	var ev sample.TransitionEvent
	if err := e.Decode(&ev); err != nil {
		return outbox.Permanent(err)
	}
	if ev.Entity != sample.EntitySample || ev.To != sample.StatusValidated {
		return nil
	}

	rep, err := a.gen.GenerateForSample(ctx, ev.SampleID, auth.SystemActor.ID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			a.logger.Error().Err(err).Str("sample_id", ev.SampleID.String()).Msg("report auto-generation failed; will retry")
			return err
		}
		a.logger.Warn().Err(err).Str("sample_id", ev.SampleID.String()).Msg("report auto-generation skipped")
		return nil
	}
	a.logger.Info().Str("sample_id", ev.SampleID.String()).Str("report_no", rep.ReportNo).Msg("report auto-generated")
	return nil
}
