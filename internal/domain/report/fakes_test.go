package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/sample"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/audit"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

// memDB is an in-memory stand-in for the database. Transactions are
// serialized and roll back to a snapshot on error, which is enough to
// observe the row-lock and rollback behaviour the services rely on.
type memDB struct {
	mu sync.Mutex

	samples  map[uuid.UUID]sample.Sample
	tests    map[uuid.UUID]sample.SampleTest
	results  map[uuid.UUID][]sample.TestResult
	reports  map[uuid.UUID]Report
	items    map[uuid.UUID][]Item
	sigs     map[uuid.UUID][]Signature
	onFile   map[string]SignatureOnFile
	counters map[string]int64
	seq      int
}

func newMemDB() *memDB {
	return &memDB{
		samples:  map[uuid.UUID]sample.Sample{},
		tests:    map[uuid.UUID]sample.SampleTest{},
		results:  map[uuid.UUID][]sample.TestResult{},
		reports:  map[uuid.UUID]Report{},
		items:    map[uuid.UUID][]Item{},
		sigs:     map[uuid.UUID][]Signature{},
		onFile:   map[string]SignatureOnFile{},
		counters: map[string]int64{},
	}
}

func (m *memDB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.InScope(ctx) {
		return fn(ctx)
	}
	m.mu.Lock()
	snap := m.snapshot()
	ctx, finish := db.BeginScope(ctx)
	err := fn(ctx)
	if err != nil {
		m.restore(snap)
	}
	m.mu.Unlock()
	finish(err == nil)
	return err
}

func (m *memDB) snapshot() *memDB {
	s := newMemDB()
	for k, v := range m.samples {
		s.samples[k] = v
	}
	for k, v := range m.tests {
		s.tests[k] = v
	}
	for k, v := range m.results {
		s.results[k] = append([]sample.TestResult(nil), v...)
	}
	for k, v := range m.reports {
		s.reports[k] = v
	}
	for k, v := range m.items {
		s.items[k] = append([]Item(nil), v...)
	}
	for k, v := range m.sigs {
		s.sigs[k] = append([]Signature(nil), v...)
	}
	for k, v := range m.onFile {
		s.onFile[k] = v
	}
	for k, v := range m.counters {
		s.counters[k] = v
	}
	s.seq = m.seq
	return s
}

func (m *memDB) restore(s *memDB) {
	m.samples, m.tests, m.results = s.samples, s.tests, s.results
	m.reports, m.items, m.sigs = s.reports, s.items, s.sigs
	m.onFile, m.counters, m.seq = s.onFile, s.counters, s.seq
}

// -- sample repositories --

type memSamples struct{ *memDB }

func (r memSamples) Create(_ context.Context, s *sample.Sample) error {
	s.ID = uuid.New()
	s.Version = 1
	r.samples[s.ID] = *s
	return nil
}

func (r memSamples) GetByID(_ context.Context, id uuid.UUID) (*sample.Sample, error) {
	s, ok := r.samples[id]
	if !ok {
		return nil, apperr.NotFound("sample not found")
	}
	return &s, nil
}

func (r memSamples) GetForUpdate(ctx context.Context, id uuid.UUID) (*sample.Sample, error) {
	return r.GetByID(ctx, id)
}

func (r memSamples) List(context.Context, sample.ListFilter, int, int) ([]*sample.Sample, int, error) {
	return nil, 0, nil
}

func (r memSamples) UpdateStatus(_ context.Context, s *sample.Sample) error {
	stored := r.samples[s.ID]
	stored.Status = s.Status
	stored.Version++
	r.samples[s.ID] = stored
	return nil
}

func (r memSamples) Archive(_ context.Context, s *sample.Sample) error {
	now := time.Now()
	stored := r.samples[s.ID]
	stored.ArchivedAt = &now
	r.samples[s.ID] = stored
	return nil
}

type memTests struct{ *memDB }

func (r memTests) Create(_ context.Context, t *sample.SampleTest) error {
	t.ID = uuid.New()
	r.seq++
	t.CreatedAt = time.Unix(int64(r.seq), 0)
	r.tests[t.ID] = *t
	return nil
}

func (r memTests) GetByID(_ context.Context, id uuid.UUID) (*sample.SampleTest, error) {
	t, ok := r.tests[id]
	if !ok {
		return nil, apperr.NotFound("sample test not found")
	}
	return &t, nil
}

func (r memTests) ListBySample(_ context.Context, sampleID uuid.UUID) ([]*sample.SampleTest, error) {
	var out []*sample.SampleTest
	for _, t := range r.tests {
		if t.SampleID == sampleID {
			cp := t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memTests) Update(_ context.Context, t *sample.SampleTest) error {
	r.tests[t.ID] = *t
	return nil
}

type memResults struct{ *memDB }

func (r memResults) Append(_ context.Context, res *sample.TestResult) error {
	res.ID = uuid.New()
	res.Version = len(r.results[res.SampleTestID]) + 1
	r.results[res.SampleTestID] = append(r.results[res.SampleTestID], *res)
	return nil
}

func (r memResults) ListByTest(_ context.Context, testID uuid.UUID) ([]*sample.TestResult, error) {
	var out []*sample.TestResult
	for _, res := range r.results[testID] {
		cp := res
		out = append(out, &cp)
	}
	return out, nil
}

func (r memResults) Latest(_ context.Context, testID uuid.UUID) (*sample.TestResult, error) {
	rs := r.results[testID]
	if len(rs) == 0 {
		return nil, apperr.NotFound("no result recorded for test")
	}
	res := rs[len(rs)-1]
	return &res, nil
}

// -- report repositories --

type memReports struct{ *memDB }

func (r memReports) Create(_ context.Context, rep *Report) error {
	for _, other := range r.reports {
		if other.ReportNo == rep.ReportNo {
			return apperr.Conflict("duplicate report number %s", rep.ReportNo)
		}
		if other.SampleID == rep.SampleID && other.ReportType == rep.ReportType && other.SupersededAt == nil {
			return apperr.Conflict("current report exists")
		}
	}
	rep.ID = uuid.New()
	rep.GeneratedAt = time.Now().UTC()
	r.reports[rep.ID] = *rep
	return nil
}

func (r memReports) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	rep, ok := r.reports[id]
	if !ok {
		return nil, apperr.NotFound("report not found")
	}
	return &rep, nil
}

func (r memReports) Current(_ context.Context, sampleID uuid.UUID, reportType string) (*Report, error) {
	for _, rep := range r.reports {
		if rep.SampleID == sampleID && rep.ReportType == reportType && rep.SupersededAt == nil {
			cp := rep
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("report not found")
}

func (r memReports) ListBySample(_ context.Context, sampleID uuid.UUID) ([]*Report, error) {
	var out []*Report
	for _, rep := range r.reports {
		if rep.SampleID == sampleID {
			cp := rep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r memReports) AddItems(_ context.Context, items []*Item) error {
	for _, it := range items {
		it.ID = uuid.New()
		r.items[it.ReportID] = append(r.items[it.ReportID], *it)
	}
	return nil
}

func (r memReports) Items(_ context.Context, reportID uuid.UUID) ([]*Item, error) {
	var out []*Item
	for _, it := range r.items[reportID] {
		cp := it
		out = append(out, &cp)
	}
	return out, nil
}

func (r memReports) LinkTests(_ context.Context, reportID uuid.UUID, testIDs []uuid.UUID) error {
	for _, id := range testIDs {
		t := r.tests[id]
		t.ReportID = &reportID
		r.tests[id] = t
	}
	return nil
}

func (r memReports) Lock(_ context.Context, id uuid.UUID, actorID string, at time.Time) (bool, error) {
	rep, ok := r.reports[id]
	if !ok || rep.IsLocked || rep.SupersededAt != nil {
		return false, nil
	}
	rep.IsLocked, rep.LockedAt, rep.LockedBy = true, &at, &actorID
	r.reports[id] = rep
	return true, nil
}

func (r memReports) SetRendition(_ context.Context, id uuid.UUID, pdfURL, templateCode string) error {
	rep := r.reports[id]
	rep.PDFURL, rep.TemplateCode = &pdfURL, &templateCode
	r.reports[id] = rep
	return nil
}

func (r memReports) HasFinalized(_ context.Context, sampleID uuid.UUID) (bool, error) {
	for _, rep := range r.reports {
		if rep.SampleID == sampleID && rep.IsLocked && rep.SupersededAt == nil {
			return true, nil
		}
	}
	return false, nil
}

type memSigs struct{ *memDB }

func (r memSigs) AddSlots(_ context.Context, sigs []*Signature) error {
	for _, s := range sigs {
		s.ID = uuid.New()
		r.sigs[s.ReportID] = append(r.sigs[s.ReportID], *s)
	}
	return nil
}

func (r memSigs) ListByReport(_ context.Context, reportID uuid.UUID) ([]*Signature, error) {
	var out []*Signature
	for _, s := range r.sigs[reportID] {
		cp := s
		out = append(out, &cp)
	}
	return out, nil
}

func (r memSigs) Sign(_ context.Context, reportID uuid.UUID, role, actorID string, at time.Time, hash string) (bool, error) {
	slots := r.sigs[reportID]
	for i := range slots {
		if slots[i].RoleCode == role && slots[i].SignedAt == nil {
			slots[i].SignedBy, slots[i].SignedAt, slots[i].SignatureHash = &actorID, &at, &hash
			return true, nil
		}
	}
	return false, nil
}

func (r memSigs) OnFile(_ context.Context, actorID, role string) (*SignatureOnFile, error) {
	s, ok := r.onFile[actorID+"/"+role]
	if !ok {
		return nil, apperr.NotFound("no signature on file")
	}
	return &s, nil
}

func (r memSigs) PutOnFile(_ context.Context, s *SignatureOnFile) error {
	s.CreatedAt = time.Now()
	r.onFile[s.ActorID+"/"+s.RoleCode] = *s
	return nil
}

// memAllocator keeps its counters in memDB so they roll back with the
// transaction, as the counter row does.
type memAllocator struct {
	*memDB
	year int
}

func (a memAllocator) Next(_ context.Context, prefix string) (string, error) {
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	key := CounterKey(prefix, a.year)
	a.counters[key]++
	return FormatNumber(a.counters[key], a.year, prefix), nil
}

// memWorkflow marks samples reported the way the workflow does once a
// finalized report exists.
type memWorkflow struct {
	*memDB
	fail  error
	calls []auth.Actor
}

func (w *memWorkflow) ApplySampleTransition(ctx context.Context, id uuid.UUID, target string, actor auth.Actor) (*sample.Sample, error) {
	w.calls = append(w.calls, actor)
	if w.fail != nil {
		return nil, w.fail
	}
	s, ok := w.samples[id]
	if !ok {
		return nil, apperr.NotFound("sample not found")
	}
	if s.Status != sample.StatusValidated {
		return nil, apperr.InvalidTransition("sample cannot move from %s to %s", s.Status, target)
	}
	if ok, _ := (memReports{w.memDB}).HasFinalized(ctx, id); !ok {
		return nil, apperr.PreconditionFailed("no finalized report")
	}
	s.Status = target
	w.samples[id] = s
	return &s, nil
}

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memSink) Record(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}
