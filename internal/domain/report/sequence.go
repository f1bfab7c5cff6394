package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
)

// Allocator hands out report numbers. Allocations made inside a
// transaction hold the counter row until it ends, so committed numbers
// are unique and contiguous per counter key.
type Allocator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

// FormatNumber renders a report number as seq/year/prefix.
func FormatNumber(seq int64, year int, prefix string) string {
	return fmt.Sprintf("%05d/%d/%s", seq, year, prefix)
}

// CounterKey scopes a sequence to a prefix and calendar year.
func CounterKey(prefix string, year int) string {
	return fmt.Sprintf("%s/%d", prefix, year)
}

func validatePrefix(prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return apperr.InvalidArgument("report number prefix is required")
	}
	if strings.ContainsAny(prefix, "/ ") {
		return apperr.InvalidArgument("report number prefix %q must not contain '/' or spaces", prefix)
	}
	return nil
}

type PGAllocator struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPGAllocator(pool *pgxpool.Pool) *PGAllocator {
	return &PGAllocator{pool: pool, now: time.Now}
}

func (a *PGAllocator) Next(ctx context.Context, prefix string) (string, error) {
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	year := a.now().UTC().Year()
	var seq int64
	// A single upsert both creates the row and takes its lock.
	err := db.Conn(ctx, a.pool).QueryRow(ctx, `
		INSERT INTO report_counter (counter_key, next_seq) VALUES ($1, 2)
		ON CONFLICT (counter_key) DO UPDATE SET next_seq = report_counter.next_seq + 1
		RETURNING next_seq - 1`, CounterKey(prefix, year)).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("allocate report number: %w", err)
	}
	return FormatNumber(seq, year, prefix), nil
}
