package sample

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

// ApplySampleTransition moves a sample to target. Re-applying the current
// state returns the sample unchanged.
func (s *Service) ApplySampleTransition(ctx context.Context, sampleID uuid.UUID, target string, actor auth.Actor) (*Sample, error) {
	var out *Sample
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		smp, err := s.samples.GetForUpdate(ctx, sampleID)
		if err != nil {
			return err
		}
		out = smp
		from := smp.Status

		if !s.authz.CanTransition(ctx, actor, EntitySample, from, target) {
			return apperr.Forbidden("actor %s may not move a sample to %s", actor.ID, target)
		}
		if from == target {
			return nil
		}
		if err := CheckSampleTransition(from, target); err != nil {
			return err
		}
		if smp.ArchivedAt != nil {
			return apperr.PreconditionFailed("sample %s is archived", smp.SampleNo)
		}
		if err := s.checkSampleGates(ctx, smp, target); err != nil {
			return err
		}

		before := *smp
		smp.Status = target
		if err := s.samples.UpdateStatus(ctx, smp); err != nil {
			return err
		}
		return s.emit(ctx, TransitionEvent{
			Entity: EntitySample, ID: smp.ID, SampleID: smp.ID,
			From: from, To: target, ActorID: actor.ID, At: smp.UpdatedAt,
		}, before, smp)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyTestTransition moves a test to target. Verification and validation
// are gated on sibling progress and batch QC, checked under the parent
// sample lock so concurrent sibling transitions serialize.
func (s *Service) ApplyTestTransition(ctx context.Context, testID uuid.UUID, target string, actor auth.Actor) (*SampleTest, error) {
	var out *SampleTest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		smp, t, err := s.lockTest(ctx, testID)
		if err != nil {
			return err
		}
		out = t
		from := t.Status

		if !s.authz.CanTransition(ctx, actor, EntitySampleTest, from, target) {
			return apperr.Forbidden("actor %s may not move a test to %s", actor.ID, target)
		}
		if from == target {
			return nil
		}
		if err := CheckTestTransition(from, target); err != nil {
			return err
		}
		if IsTerminal(smp.Status) {
			return apperr.PreconditionFailed("sample %s is %s", smp.SampleNo, smp.Status)
		}
		if err := s.checkTestGates(ctx, smp, t, target); err != nil {
			return err
		}

		before := *t
		t.Status = target
		switch target {
		case TestVerified:
			t.OMVerified = true
		case TestValidated:
			t.LHValidated = true
		}
		if err := s.tests.Update(ctx, t); err != nil {
			return err
		}
		return s.emit(ctx, TransitionEvent{
			Entity: EntitySampleTest, ID: t.ID, SampleID: smp.ID,
			From: from, To: target, ActorID: actor.ID, At: t.UpdatedAt,
		}, before, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) checkSampleGates(ctx context.Context, smp *Sample, target string) error {
	var need string
	switch target {
	case StatusTestingCompleted:
		need = TestMeasured
	case StatusVerified:
		need = TestVerified
	case StatusValidated:
		need = TestValidated
	case StatusReported:
		if s.reports == nil {
			return nil
		}
		ok, err := s.reports.HasFinalizedReport(ctx, smp.ID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.PreconditionFailed("sample %s has no finalized report", smp.SampleNo)
		}
		return nil
	default:
		return nil
	}

	tests, err := s.tests.ListBySample(ctx, smp.ID)
	if err != nil {
		return err
	}
	if len(tests) == 0 {
		return apperr.PreconditionFailed("sample %s has no tests", smp.SampleNo)
	}
	for _, t := range tests {
		if !TestReached(t.Status, need) {
			return apperr.PreconditionFailed("test %s (%s) is %s; all tests must be %s",
				t.ParameterCode, t.ID, t.Status, need)
		}
	}
	if target != StatusValidated {
		return nil
	}
	for _, t := range tests {
		if !t.QCDone {
			return apperr.PreconditionFailed("test %s (%s) is not qc done", t.ParameterCode, t.ID)
		}
	}
	return s.checkBatches(ctx, tests)
}

func (s *Service) checkTestGates(ctx context.Context, smp *Sample, t *SampleTest, target string) error {
	switch target {
	case TestMeasured:
		if _, err := s.results.Latest(ctx, t.ID); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				return apperr.PreconditionFailed("test %s has no result", t.ParameterCode)
			}
			return err
		}
		return nil
	case TestVerified, TestValidated:
	default:
		return nil
	}

	if target == TestValidated && !t.QCDone {
		return apperr.PreconditionFailed("test %s is not qc done", t.ParameterCode)
	}
	need := TestMeasured
	if target == TestValidated {
		need = TestVerified
	}
	tests, err := s.tests.ListBySample(ctx, smp.ID)
	if err != nil {
		return err
	}
	for _, sib := range tests {
		if sib.ID == t.ID {
			continue
		}
		if !TestReached(sib.Status, need) {
			return apperr.PreconditionFailed("sibling test %s (%s) is %s; must be at least %s",
				sib.ParameterCode, sib.ID, sib.Status, need)
		}
	}
	return s.checkBatches(ctx, tests)
}

// checkBatches fails when any batch used by tests has an open QC failure.
func (s *Service) checkBatches(ctx context.Context, tests []*SampleTest) error {
	seen := map[string]bool{}
	var batches []string
	for _, t := range tests {
		if b := t.Batch(); b != "" && !seen[b] {
			seen[b] = true
			batches = append(batches, b)
		}
	}
	sort.Strings(batches)
	for _, b := range batches {
		open, err := s.qc.HasOpenFailure(ctx, b)
		if err != nil {
			return err
		}
		if open {
			return apperr.PreconditionFailed("batch %s has an open QC failure", b)
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, ev TransitionEvent, before, after interface{}) error {
	topic := TopicSampleTransitioned
	if ev.Entity == EntitySampleTest {
		topic = TopicTestTransitioned
	}
	if err := s.publisher.Publish(ctx, topic, ev.ID.String(), ev); err != nil {
		return err
	}
	db.AfterCommit(ctx, func() {
		s.metrics.Transition(ev.Entity, ev.To)
		audit.Record(context.WithoutCancel(ctx), s.audit, s.logger, audit.Entry{
			Action:     ev.Entity + ".transitioned",
			ActorID:    ev.ActorID,
			EntityType: ev.Entity,
			EntityID:   ev.ID.String(),
			Before:     before,
			After:      after,
		})
		s.logger.Info().
			Str("entity", ev.Entity).
			Str("id", ev.ID.String()).
			Str("from", ev.From).
			Str("to", ev.To).
			Str("actor_id", ev.ActorID).
			Msg("transition committed")
	})
	return nil
}
