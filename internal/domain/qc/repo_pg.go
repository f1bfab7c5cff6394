package qc

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

// =========== Control Repository ===========

type controlRepoPG struct{ pool *pgxpool.Pool }

func NewControlRepoPG(pool *pgxpool.Pool) ControlRepository {
	return &controlRepoPG{pool: pool}
}

const controlCols = `id, parameter_code, name, kind, target, tolerance, ruleset, active, created_at`

func scanControl(row pgx.Row) (*Control, error) {
	var c Control
	err := row.Scan(&c.ID, &c.ParameterCode, &c.Name, &c.Kind, &c.Target, &c.Tolerance,
		&c.Ruleset, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("qc control not found")
	}
	return &c, err
}

func (r *controlRepoPG) Create(ctx context.Context, c *Control) error {
	c.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO qc_control (id, parameter_code, name, kind, target, tolerance, ruleset, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		c.ID, c.ParameterCode, c.Name, c.Kind, c.Target, c.Tolerance, c.Ruleset, c.Active,
	).Scan(&c.CreatedAt)
}

func (r *controlRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Control, error) {
	return scanControl(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+controlCols+` FROM qc_control WHERE id = $1`, id))
}

func (r *controlRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Control, error) {
	return scanControl(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+controlCols+` FROM qc_control WHERE id = $1 FOR UPDATE`, id))
}

func (r *controlRepoPG) List(ctx context.Context, parameterCode string, activeOnly bool, limit, offset int) ([]*Control, int, error) {
	where := ` WHERE ($1 = '' OR parameter_code = $1) AND (NOT $2 OR active)`
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM qc_control`+where, parameterCode, activeOnly).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count qc controls: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT `+controlCols+` FROM qc_control`+where+`
		ORDER BY parameter_code, name LIMIT $3 OFFSET $4`, parameterCode, activeOnly, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list qc controls: %w", err)
	}
	defer rows.Close()

	var items []*Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *controlRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE qc_control SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("qc control not found")
	}
	return nil
}

// =========== Run Repository ===========

type runRepoPG struct{ pool *pgxpool.Pool }

func NewRunRepoPG(pool *pgxpool.Pool) RunRepository {
	return &runRepoPG{pool: pool}
}

const runCols = `id, seq, control_id, batch_id, value, z_score, status, violations, created_by, created_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Seq, &r.ControlID, &r.BatchID, &r.Value, &r.ZScore, &r.Status,
		&r.Violations, &r.CreatedBy, &r.CreatedAt)
	return &r, err
}

func collectRuns(rows pgx.Rows) ([]*Run, error) {
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert appends a run. seq is drawn at insert time, after the caller holds
// the control lock, so it orders runs of one control by when they were
// recorded. created_at is the transaction start and can run backwards.
func (r *runRepoPG) Insert(ctx context.Context, run *Run) error {
	run.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO qc_run (id, control_id, batch_id, value, z_score, status, violations, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at`,
		run.ID, run.ControlID, run.BatchID, run.Value, run.ZScore, run.Status, run.Violations, run.CreatedBy,
	).Scan(&run.Seq, &run.CreatedAt)
}

func (r *runRepoPG) Recent(ctx context.Context, controlID uuid.UUID, batchID string, limit int) ([]*Run, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+runCols+` FROM qc_run
		WHERE control_id = $1 AND ($2 = '' OR batch_id = $2)
		ORDER BY seq DESC
		LIMIT $3`, controlID, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent qc runs: %w", err)
	}
	return collectRuns(rows)
}

func (r *runRepoPG) AmendViolations(ctx context.Context, runID uuid.UUID, violations []string, status string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE qc_run SET violations = $2, status = $3 WHERE id = $1`, runID, violations, status)
	if err != nil {
		return fmt.Errorf("amend qc run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("qc run not found")
	}
	return nil
}

func (r *runRepoPG) ListByControl(ctx context.Context, controlID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM qc_run WHERE control_id = $1`, controlID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count qc runs: %w", err)
	}
	rows, err := conn.Query(ctx, `
		SELECT `+runCols+` FROM qc_run WHERE control_id = $1
		ORDER BY seq DESC LIMIT $2 OFFSET $3`, controlID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list qc runs: %w", err)
	}
	runs, err := collectRuns(rows)
	return runs, total, err
}

func (r *runRepoPG) LatestPerControl(ctx context.Context, batchID string) ([]*Run, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT ON (control_id) `+runCols+` FROM qc_run
		WHERE batch_id = $1
		ORDER BY control_id, seq DESC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("latest qc runs for batch: %w", err)
	}
	return collectRuns(rows)
}
