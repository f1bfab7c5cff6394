package sample

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
)

// =========== Sample Repository ===========

type sampleRepoPG struct{ pool *pgxpool.Pool }

func NewSampleRepoPG(pool *pgxpool.Pool) SampleRepository {
	return &sampleRepoPG{pool: pool}
}

const sampleCols = `id, sample_no, received_at, sample_type, priority, status, client_ref,
	archived_at, version, created_at, updated_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.SampleNo, &s.ReceivedAt, &s.SampleType, &s.Priority, &s.Status,
		&s.ClientRef, &s.ArchivedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("sample not found")
	}
	return &s, err
}

func (r *sampleRepoPG) Create(ctx context.Context, s *Sample) error {
	s.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO sample (id, sample_no, received_at, sample_type, priority, status, client_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING version, created_at, updated_at`,
		s.ID, s.SampleNo, s.ReceivedAt, s.SampleType, s.Priority, s.Status, s.ClientRef,
	).Scan(&s.Version, &s.CreatedAt, &s.UpdatedAt)
}

func (r *sampleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return scanSample(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE id = $1`, id))
}

func (r *sampleRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Sample, error) {
	return scanSample(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sampleCols+` FROM sample WHERE id = $1 FOR UPDATE`, id))
}

func (r *sampleRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Sample, int, error) {
	where := ` WHERE ($1 = '' OR status = $1) AND ($2 OR archived_at IS NULL)`
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM sample`+where, f.Status, f.IncludeArchived).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count samples: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT `+sampleCols+` FROM sample`+where+`
		ORDER BY received_at DESC, id LIMIT $3 OFFSET $4`, f.Status, f.IncludeArchived, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var items []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *sampleRepoPG) UpdateStatus(ctx context.Context, s *Sample) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE sample SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING version, updated_at`, s.ID, s.Status).Scan(&s.Version, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("sample not found")
	}
	return err
}

func (r *sampleRepoPG) Archive(ctx context.Context, s *Sample) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE sample SET archived_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING archived_at, version, updated_at`, s.ID).Scan(&s.ArchivedAt, &s.Version, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("sample not found")
	}
	return err
}

// =========== SampleTest Repository ===========

type testRepoPG struct{ pool *pgxpool.Pool }

func NewTestRepoPG(pool *pgxpool.Pool) TestRepository {
	return &testRepoPG{pool: pool}
}

const testCols = `id, sample_id, parameter_code, parameter_name, method_code, status,
	qc_done, om_verified, lh_validated, batch_id, report_id, created_at, updated_at`

func scanTest(row pgx.Row) (*SampleTest, error) {
	var t SampleTest
	err := row.Scan(&t.ID, &t.SampleID, &t.ParameterCode, &t.ParameterName, &t.MethodCode, &t.Status,
		&t.QCDone, &t.OMVerified, &t.LHValidated, &t.BatchID, &t.ReportID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("sample test not found")
	}
	return &t, err
}

func (r *testRepoPG) Create(ctx context.Context, t *SampleTest) error {
	t.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO sample_test (id, sample_id, parameter_code, parameter_name, method_code, status, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		t.ID, t.SampleID, t.ParameterCode, t.ParameterName, t.MethodCode, t.Status, t.BatchID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *testRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SampleTest, error) {
	return scanTest(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+testCols+` FROM sample_test WHERE id = $1`, id))
}

func (r *testRepoPG) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*SampleTest, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+testCols+` FROM sample_test WHERE sample_id = $1 ORDER BY created_at, id`, sampleID)
	if err != nil {
		return nil, fmt.Errorf("list sample tests: %w", err)
	}
	defer rows.Close()

	var items []*SampleTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *testRepoPG) Update(ctx context.Context, t *SampleTest) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE sample_test SET status = $2, qc_done = $3, om_verified = $4, lh_validated = $5,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Status, t.QCDone, t.OMVerified, t.LHValidated).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("sample test not found")
	}
	return err
}

// =========== TestResult Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

const resultCols = `id, sample_test_id, version, raw_data, calculated_data, interpretation,
	final_value, unit, flags, created_by, created_at`

func scanResult(row pgx.Row) (*TestResult, error) {
	var r TestResult
	var raw, calc []byte
	err := row.Scan(&r.ID, &r.SampleTestID, &r.Version, &raw, &calc, &r.Interpretation,
		&r.FinalValue, &r.Unit, &r.Flags, &r.CreatedBy, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no result recorded for test")
	}
	r.RawData, r.CalculatedData = raw, calc
	return &r, err
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func (r *resultRepoPG) Append(ctx context.Context, res *TestResult) error {
	res.ID = uuid.New()
	if res.Flags == nil {
		res.Flags = []string{}
	}
	// The unique (sample_test_id, version) constraint backs the caller's
	// sample lock.
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO test_result (id, sample_test_id, version, raw_data, calculated_data,
			interpretation, final_value, unit, flags, created_by)
		SELECT $1::uuid, $2::uuid, COALESCE(MAX(version), 0) + 1, $3::jsonb, $4::jsonb,
			$5::text, $6::text, $7::text, $8::text[], $9::text
		FROM test_result WHERE sample_test_id = $2
		RETURNING version, created_at`,
		res.ID, res.SampleTestID, jsonOrEmpty(res.RawData), jsonOrEmpty(res.CalculatedData),
		res.Interpretation, res.FinalValue, res.Unit, res.Flags, res.CreatedBy,
	).Scan(&res.Version, &res.CreatedAt)
}

func (r *resultRepoPG) ListByTest(ctx context.Context, testID uuid.UUID) ([]*TestResult, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+resultCols+` FROM test_result WHERE sample_test_id = $1 ORDER BY version`, testID)
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	defer rows.Close()

	var items []*TestResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *resultRepoPG) Latest(ctx context.Context, testID uuid.UUID) (*TestResult, error) {
	return scanResult(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+resultCols+` FROM test_result WHERE sample_test_id = $1
		ORDER BY version DESC LIMIT 1`, testID))
}
