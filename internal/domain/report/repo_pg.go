package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
)

// =========== Report Repository ===========

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{pool: pool}
}

const reportCols = `id, sample_id, report_type, report_no, generated_at, generated_by, is_locked,
	locked_at, locked_by, pdf_url, template_code, superseded_at`

func scanReport(row pgx.Row) (*Report, error) {
	var r Report
	err := row.Scan(&r.ID, &r.SampleID, &r.ReportType, &r.ReportNo, &r.GeneratedAt, &r.GeneratedBy,
		&r.IsLocked, &r.LockedAt, &r.LockedBy, &r.PDFURL, &r.TemplateCode, &r.SupersededAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("report not found")
	}
	return &r, err
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	rep.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO report (id, sample_id, report_type, report_no, generated_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING generated_at`,
		rep.ID, rep.SampleID, rep.ReportType, rep.ReportNo, rep.GeneratedBy,
	).Scan(&rep.GeneratedAt)
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return scanReport(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+reportCols+` FROM report WHERE id = $1`, id))
}

func (r *reportRepoPG) Current(ctx context.Context, sampleID uuid.UUID, reportType string) (*Report, error) {
	return scanReport(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+reportCols+` FROM report
		 WHERE sample_id = $1 AND report_type = $2 AND superseded_at IS NULL`, sampleID, reportType))
}

func (r *reportRepoPG) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*Report, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+reportCols+` FROM report WHERE sample_id = $1 ORDER BY generated_at DESC`, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

func (r *reportRepoPG) AddItems(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		it.ID = uuid.New()
		if it.Flags == nil {
			it.Flags = []string{}
		}
		batch.Queue(`
			INSERT INTO report_item (id, report_id, sample_test_id, parameter_code, parameter_label,
				final_value, unit, flags, result_version, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.ID, it.ReportID, it.SampleTestID, it.ParameterCode, it.ParameterLabel,
			it.FinalValue, it.Unit, it.Flags, it.ResultVersion, it.Position)
	}
	return sendBatch(ctx, db.Conn(ctx, r.pool), batch)
}

func (r *reportRepoPG) Items(ctx context.Context, reportID uuid.UUID) ([]*Item, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, report_id, sample_test_id, parameter_code, parameter_label, final_value, unit,
			flags, result_version, position
		FROM report_item WHERE report_id = $1 ORDER BY position`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ReportID, &it.SampleTestID, &it.ParameterCode, &it.ParameterLabel,
			&it.FinalValue, &it.Unit, &it.Flags, &it.ResultVersion, &it.Position); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (r *reportRepoPG) LinkTests(ctx context.Context, reportID uuid.UUID, testIDs []uuid.UUID) error {
	if len(testIDs) == 0 {
		return nil
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE sample_test SET report_id = $1, updated_at = NOW() WHERE id = ANY($2)`, reportID, testIDs)
	return err
}

func (r *reportRepoPG) Lock(ctx context.Context, id uuid.UUID, actorID string, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE report SET is_locked = true, locked_at = $3, locked_by = $2
		WHERE id = $1 AND is_locked = false AND superseded_at IS NULL`, id, actorID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *reportRepoPG) SetRendition(ctx context.Context, id uuid.UUID, pdfURL, templateCode string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE report SET pdf_url = $2, template_code = $3 WHERE id = $1`, id, pdfURL, templateCode)
	return err
}

func (r *reportRepoPG) HasFinalized(ctx context.Context, sampleID uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM report
			WHERE sample_id = $1 AND is_locked AND superseded_at IS NULL)`, sampleID).Scan(&ok)
	return ok, err
}

// =========== Signature Repository ===========

type signatureRepoPG struct{ pool *pgxpool.Pool }

func NewSignatureRepoPG(pool *pgxpool.Pool) SignatureRepository {
	return &signatureRepoPG{pool: pool}
}

func (r *signatureRepoPG) AddSlots(ctx context.Context, sigs []*Signature) error {
	if len(sigs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range sigs {
		s.ID = uuid.New()
		batch.Queue(`INSERT INTO report_signature (id, report_id, role_code) VALUES ($1, $2, $3)`,
			s.ID, s.ReportID, s.RoleCode)
	}
	return sendBatch(ctx, db.Conn(ctx, r.pool), batch)
}

func (r *signatureRepoPG) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*Signature, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, report_id, role_code, signed_by, signed_at, signature_hash
		FROM report_signature WHERE report_id = $1 ORDER BY role_code`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Signature
	for rows.Next() {
		var s Signature
		if err := rows.Scan(&s.ID, &s.ReportID, &s.RoleCode, &s.SignedBy, &s.SignedAt, &s.SignatureHash); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *signatureRepoPG) Sign(ctx context.Context, reportID uuid.UUID, role, actorID string, at time.Time, hash string) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE report_signature SET signed_by = $3, signed_at = $4, signature_hash = $5
		WHERE report_id = $1 AND role_code = $2 AND signed_at IS NULL`,
		reportID, role, actorID, at, hash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *signatureRepoPG) OnFile(ctx context.Context, actorID, role string) (*SignatureOnFile, error) {
	var s SignatureOnFile
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT actor_id, role_code, signature_ref, created_at
		FROM signature_on_file WHERE actor_id = $1 AND role_code = $2`, actorID, role,
	).Scan(&s.ActorID, &s.RoleCode, &s.SignatureRef, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no signature on file for %s as %s", actorID, role)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *signatureRepoPG) PutOnFile(ctx context.Context, s *SignatureOnFile) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO signature_on_file (actor_id, role_code, signature_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_id, role_code) DO UPDATE SET signature_ref = EXCLUDED.signature_ref
		RETURNING created_at`,
		s.ActorID, s.RoleCode, s.SignatureRef,
	).Scan(&s.CreatedAt)
}

// batchSender is satisfied by both pgxpool.Pool and pgx.Tx.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func sendBatch(ctx context.Context, q db.Querier, b *pgx.Batch) error {
	bs, ok := q.(batchSender)
	if !ok {
		return errors.New("connection does not support batches")
	}
	br := bs.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}
