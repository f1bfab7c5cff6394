package qc

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

// -- Mock Repositories --

type mockControlRepo struct {
	controls map[uuid.UUID]*Control
}

func newMockControlRepo() *mockControlRepo {
	return &mockControlRepo{controls: make(map[uuid.UUID]*Control)}
}

func (m *mockControlRepo) Create(_ context.Context, c *Control) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	cp := *c
	m.controls[c.ID] = &cp
	return nil
}

func (m *mockControlRepo) GetByID(_ context.Context, id uuid.UUID) (*Control, error) {
	c, ok := m.controls[id]
	if !ok {
		return nil, apperr.NotFound("qc control not found")
	}
	cp := *c
	return &cp, nil
}

func (m *mockControlRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Control, error) {
	return m.GetByID(ctx, id)
}

func (m *mockControlRepo) List(_ context.Context, parameterCode string, activeOnly bool, limit, offset int) ([]*Control, int, error) {
	var out []*Control
	for _, c := range m.controls {
		if parameterCode != "" && c.ParameterCode != parameterCode {
			continue
		}
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	return out, len(out), nil
}

func (m *mockControlRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	c, ok := m.controls[id]
	if !ok {
		return apperr.NotFound("qc control not found")
	}
	c.Active = active
	return nil
}

type mockRunRepo struct {
	runs []*Run
	seq  int64
	// stamp overrides created_at; the store orders by seq regardless.
	stamp func() time.Time
}

func (m *mockRunRepo) Insert(_ context.Context, r *Run) error {
	r.ID = uuid.New()
	m.seq++
	r.Seq = m.seq
	r.CreatedAt = time.Unix(m.seq, 0)
	if m.stamp != nil {
		r.CreatedAt = m.stamp()
	}
	cp := *r
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *mockRunRepo) newestFirst() []*Run {
	out := append([]*Run{}, m.runs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

func (m *mockRunRepo) Recent(_ context.Context, controlID uuid.UUID, batchID string, limit int) ([]*Run, error) {
	var out []*Run
	for _, r := range m.newestFirst() {
		if r.ControlID != controlID || (batchID != "" && r.BatchID != batchID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRunRepo) AmendViolations(_ context.Context, runID uuid.UUID, violations []string, status string) error {
	for _, r := range m.runs {
		if r.ID == runID {
			r.Violations = violations
			r.Status = status
			return nil
		}
	}
	return apperr.NotFound("qc run not found")
}

func (m *mockRunRepo) ListByControl(_ context.Context, controlID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	var out []*Run
	for _, r := range m.newestFirst() {
		if r.ControlID == controlID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *mockRunRepo) LatestPerControl(_ context.Context, batchID string) ([]*Run, error) {
	seen := map[uuid.UUID]bool{}
	var out []*Run
	for _, r := range m.newestFirst() {
		if r.BatchID != batchID || seen[r.ControlID] {
			continue
		}
		seen[r.ControlID] = true
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRunRepo) byID(id uuid.UUID) *Run {
	for _, r := range m.runs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// scopeTx runs fn in a commit-hook scope without a database.
type scopeTx struct{}

func (scopeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.InScope(ctx) {
		return fn(ctx)
	}
	ctx, finish := db.BeginScope(ctx)
	err := fn(ctx)
	finish(err == nil)
	return err
}

type memSink struct{ entries []audit.Entry }

func (s *memSink) Record(_ context.Context, e audit.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

var qa = auth.Actor{ID: "qa-1", Roles: []string{auth.RoleQA}}

func newTestService() (*Service, *mockRunRepo, *memSink) {
	runs := &mockRunRepo{}
	sink := &memSink{}
	svc := NewService(newMockControlRepo(), runs, scopeTx{}, zerolog.Nop())
	svc.SetAuditSink(sink)
	return svc, runs, sink
}

func mustControl(t *testing.T, svc *Service) *Control {
	t.Helper()
	c := &Control{ParameterCode: "GLU", Name: "Glucose L1", Target: 100, Tolerance: 10}
	if err := svc.CreateControl(context.Background(), c, qa); err != nil {
		t.Fatalf("create control: %v", err)
	}
	return c
}

func TestService_CreateControl_Defaults(t *testing.T) {
	svc, _, sink := newTestService()
	c := mustControl(t, svc)

	if c.ID == uuid.Nil {
		t.Fatal("expected id to be assigned")
	}
	if !c.Active || c.Kind != KindControl {
		t.Errorf("expected active control kind, got active=%v kind=%s", c.Active, c.Kind)
	}
	if len(c.Ruleset) != 3 || c.Ruleset[0] != Rule12s || c.Ruleset[2] != RuleR4s {
		t.Errorf("expected default ruleset, got %v", c.Ruleset)
	}
	if len(sink.entries) != 1 || sink.entries[0].Action != "qc_control.created" {
		t.Errorf("expected one audit entry, got %+v", sink.entries)
	}
}

func TestService_CreateControl_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	cases := []*Control{
		{ParameterCode: "GLU", Name: "L1", Target: 100, Tolerance: 0},
		{ParameterCode: "GLU", Name: "L1", Target: 100, Tolerance: -1},
		{Name: "L1", Target: 100, Tolerance: 1},
		{ParameterCode: "GLU", Name: "L1", Target: 100, Tolerance: 1, Ruleset: []string{"4-1s"}},
		{ParameterCode: "GLU", Name: "L1", Target: 100, Tolerance: 1, Kind: "calibrator"},
	}
	for i, c := range cases {
		err := svc.CreateControl(context.Background(), c, qa)
		if !apperr.Is(err, apperr.KindInvalidArgument) {
			t.Errorf("case %d: expected INVALID_ARGUMENT, got %v", i, err)
		}
	}
}

func TestService_EvaluateAndPersist_Warning(t *testing.T) {
	svc, _, _ := newTestService()
	c := mustControl(t, svc)

	rec, err := svc.EvaluateAndPersist(context.Background(), "B1", c.ID, 121, "analyst-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Run.Status != StatusWarning {
		t.Errorf("expected warning, got %s", rec.Run.Status)
	}
	if len(rec.Run.Violations) != 1 || rec.Run.Violations[0] != Rule12s {
		t.Errorf("expected [1-2s], got %v", rec.Run.Violations)
	}
	if rec.Amended != nil {
		t.Error("expected no amendment on a first run")
	}
}

func TestService_EvaluateAndPersist_R4sAmendsPredecessor(t *testing.T) {
	svc, runs, sink := newTestService()
	c := mustControl(t, svc)
	ctx := context.Background()

	first, err := svc.EvaluateAndPersist(ctx, "B1", c.ID, 121, "analyst-1")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := svc.EvaluateAndPersist(ctx, "B1", c.ID, 78, "analyst-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if second.Run.Status != StatusFail {
		t.Errorf("expected new run to fail, got %s", second.Run.Status)
	}
	if second.Amended == nil || second.Amended.ID != first.Run.ID {
		t.Fatalf("expected predecessor %s to be amended, got %+v", first.Run.ID, second.Amended)
	}
	stored := runs.byID(first.Run.ID)
	if stored.Status != StatusFail {
		t.Errorf("expected stored predecessor to be escalated to fail, got %s", stored.Status)
	}
	if diff := cmp.Diff([]string{Rule12s, RuleR4s}, stored.Violations); diff != "" {
		t.Errorf("predecessor violations mismatch (-want +got):\n%s", diff)
	}
	if stored.Value != 121 || stored.ZScore != first.Run.ZScore {
		t.Error("amendment must not touch value or z-score")
	}

	var amendedEntries int
	for _, e := range sink.entries {
		if e.Action == "qc_run.amended" {
			amendedEntries++
		}
	}
	if amendedEntries != 1 {
		t.Errorf("expected one amendment audit entry, got %d", amendedEntries)
	}
}

func TestService_EvaluateAndPersist_R4sScope(t *testing.T) {
	ctx := context.Background()

	svc, _, _ := newTestService()
	c := mustControl(t, svc)
	if _, err := svc.EvaluateAndPersist(ctx, "B1", c.ID, 121, "a"); err != nil {
		t.Fatal(err)
	}
	rec, err := svc.EvaluateAndPersist(ctx, "B2", c.ID, 78, "a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Amended == nil {
		t.Error("control scope must compare across batches")
	}

	svc, _, _ = newTestService()
	svc.SetR4SScope(ScopeBatch)
	c = mustControl(t, svc)
	if _, err := svc.EvaluateAndPersist(ctx, "B1", c.ID, 121, "a"); err != nil {
		t.Fatal(err)
	}
	rec, err = svc.EvaluateAndPersist(ctx, "B2", c.ID, 78, "a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Amended != nil || rec.Run.Status != StatusWarning {
		t.Errorf("batch scope must not compare across batches, got %+v", rec.Run)
	}
}

func TestService_EvaluateAndPersist_InactiveControl(t *testing.T) {
	svc, _, _ := newTestService()
	c := mustControl(t, svc)
	if _, err := svc.SetControlActive(context.Background(), c.ID, false, qa); err != nil {
		t.Fatal(err)
	}
	_, err := svc.EvaluateAndPersist(context.Background(), "B1", c.ID, 100, "a")
	if !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Errorf("expected PRECONDITION_FAILED, got %v", err)
	}
}

func TestService_EvaluateAndPersist_UnknownControl(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.EvaluateAndPersist(context.Background(), "B1", uuid.New(), 100, "a")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestService_EvaluateAndPersist_RequiresBatch(t *testing.T) {
	svc, _, _ := newTestService()
	c := mustControl(t, svc)
	_, err := svc.EvaluateAndPersist(context.Background(), "  ", c.ID, 100, "a")
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestService_HasOpenFailure(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	c1 := mustControl(t, svc)
	c2 := mustControl(t, svc)

	open, err := svc.HasOpenFailure(ctx, "B1")
	if err != nil || open {
		t.Fatalf("empty batch must not have an open failure (open=%v err=%v)", open, err)
	}
	if has, _ := svc.HasRuns(ctx, "B1"); has {
		t.Error("expected no runs on an empty batch")
	}

	if _, err := svc.EvaluateAndPersist(ctx, "B1", c1.ID, 100, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EvaluateAndPersist(ctx, "B1", c2.ID, 140, "a"); err != nil {
		t.Fatal(err)
	}
	if open, _ := svc.HasOpenFailure(ctx, "B1"); !open {
		t.Error("expected failing latest run to open the batch")
	}
	if open, _ := svc.HasOpenFailure(ctx, "B2"); open {
		t.Error("failure must not leak into another batch")
	}

	// A passing rerun of the failed control closes it.
	if _, err := svc.EvaluateAndPersist(ctx, "B1", c2.ID, 101, "a"); err != nil {
		t.Fatal(err)
	}
	bs, err := svc.BatchStatus(ctx, "B1")
	if err != nil {
		t.Fatal(err)
	}
	if bs.OpenFailure {
		t.Errorf("expected passing rerun to close the failure, got %+v", bs.Controls)
	}
	if !bs.HasRuns || len(bs.Controls) != 2 {
		t.Errorf("expected two controls in batch status, got %d", len(bs.Controls))
	}
}

// A run recorded by a transaction that began earlier but waited on the
// control lock carries an older created_at. It is still the latest run.
func TestService_LatestRunFollowsRecordingOrder(t *testing.T) {
	svc, runs, _ := newTestService()
	ctx := context.Background()
	c := mustControl(t, svc)

	clock := time.Unix(1000, 0)
	runs.stamp = func() time.Time {
		clock = clock.Add(-time.Second)
		return clock
	}

	if _, err := svc.EvaluateAndPersist(ctx, "B1", c.ID, 101, "a"); err != nil {
		t.Fatal(err)
	}
	rec, err := svc.EvaluateAndPersist(ctx, "B1", c.ID, 135, "a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Run.Status != StatusFail {
		t.Fatalf("expected 1-3s fail, got %s", rec.Run.Status)
	}

	bs, err := svc.BatchStatus(ctx, "B1")
	if err != nil {
		t.Fatal(err)
	}
	if !bs.OpenFailure || bs.Controls[0].LatestRunID != rec.Run.ID {
		t.Errorf("expected the later-recorded fail to be latest, got %+v", bs.Controls[0])
	}

	listed, _, err := svc.ListRuns(ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].ID != rec.Run.ID {
		t.Errorf("expected newest-recorded run first")
	}
}

func TestService_SetControlActive_NoopWhenUnchanged(t *testing.T) {
	svc, _, sink := newTestService()
	c := mustControl(t, svc)
	before := len(sink.entries)
	got, err := svc.SetControlActive(context.Background(), c.ID, true, qa)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("expected control to stay active")
	}
	if len(sink.entries) != before {
		t.Error("no-op must not be audited")
	}
}
