// Package sweep records the periodic review passes the assistant runs
// over its channels and backlog.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Known sweep types.
const (
	TypeHourly        = "hourly"
	TypeMorningRitual = "morning_ritual"
	TypeEveningRitual = "evening_ritual"
)

// ErrNoRun distinguishes "never ran" from any other failure. Callers must
// handle it explicitly; a fresh system has no runs at all.
var ErrNoRun = errors.New("sweep has never run")

// Types lists the known sweep types in a stable order.
func Types() []string {
	return []string{TypeHourly, TypeMorningRitual, TypeEveningRitual}
}

// Run is the latest completed pass of one sweep type. Only the most recent
// run per type is kept.
type Run struct {
	Type    string    `json:"type"`
	RanAt   time.Time `json:"ran_at"`
	Summary string    `json:"summary,omitempty"`
}

// Reader exposes sweep history to other packages.
type Reader interface {
	// GetLast returns the most recent run of a sweep type, or ErrNoRun.
	GetLast(ctx context.Context, sweepType string) (Run, error)
}

// Store reads and writes the sweep ledger.
type Store interface {
	Reader
	// Record upserts the latest run for a sweep type.
	Record(ctx context.Context, run Run) error
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore returns a Postgres-backed sweep ledger.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) GetLast(ctx context.Context, sweepType string) (Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT type, ran_at, summary FROM sweep_runs WHERE type = $1`, sweepType)
	var run Run
	if err := row.Scan(&run.Type, &run.RanAt, &run.Summary); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: %s", ErrNoRun, sweepType)
		}
		return Run{}, fmt.Errorf("get last sweep: %w", err)
	}
	return run, nil
}

func (s *pgStore) Record(ctx context.Context, run Run) error {
	if run.RanAt.IsZero() {
		run.RanAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sweep_runs (type, ran_at, summary)
		VALUES ($1, $2, $3)
		ON CONFLICT (type) DO UPDATE SET ran_at = EXCLUDED.ran_at, summary = EXCLUDED.summary`,
		run.Type, run.RanAt, run.Summary)
	if err != nil {
		return fmt.Errorf("record sweep run: %w", err)
	}
	return nil
}
