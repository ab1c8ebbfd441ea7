package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists actionable events.
type Store interface {
	Create(ctx context.Context, event Event) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
	List(ctx context.Context, filter Filter) ([]Event, error)
	// UpdateStatus sets the status and appends one log entry atomically.
	UpdateStatus(ctx context.Context, id, status string, entry ActionEntry) (Event, error)
	// SetLinkedTask attaches a task, or detaches it when taskID is nil.
	SetLinkedTask(ctx context.Context, id string, taskID *string, entry ActionEntry) (Event, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore returns a Postgres-backed event store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const eventColumns = `id, source_channel, source_id, source_metadata, summary, status, linked_task_id, action_log, created_at, updated_at`

func (s *pgStore) Create(ctx context.Context, event Event) (Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = StatusPending
	}
	meta, err := json.Marshal(event.SourceMetadata)
	if err != nil {
		return Event{}, fmt.Errorf("marshal source metadata: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO actionable_events (id, source_channel, source_id, source_metadata, summary, status, linked_task_id, action_log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '[]', now(), now())
		RETURNING `+eventColumns,
		event.ID, event.SourceChannel, event.SourceID, meta, event.Summary, event.Status, event.LinkedTaskID)
	return scanEvent(row)
}

func (s *pgStore) Get(ctx context.Context, id string) (Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM actionable_events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return event, err
}

func (s *pgStore) List(ctx context.Context, filter Filter) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM actionable_events`
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Channel != "" {
		args = append(args, filter.Channel)
		clauses = append(clauses, fmt.Sprintf("source_channel = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *pgStore) UpdateStatus(ctx context.Context, id, status string, entry ActionEntry) (Event, error) {
	blob, err := json.Marshal(entry)
	if err != nil {
		return Event{}, fmt.Errorf("marshal log entry: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE actionable_events
		SET status = $2, action_log = action_log || $3::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING `+eventColumns,
		id, status, blob)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return event, err
}

func (s *pgStore) SetLinkedTask(ctx context.Context, id string, taskID *string, entry ActionEntry) (Event, error) {
	blob, err := json.Marshal(entry)
	if err != nil {
		return Event{}, fmt.Errorf("marshal log entry: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE actionable_events
		SET linked_task_id = $2, action_log = action_log || $3::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING `+eventColumns,
		id, taskID, blob)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return event, err
}

func (s *pgStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM actionable_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		event Event
		meta  []byte
		log   []byte
	)
	if err := row.Scan(&event.ID, &event.SourceChannel, &event.SourceID, &meta, &event.Summary,
		&event.Status, &event.LinkedTaskID, &log, &event.CreatedAt, &event.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &event.SourceMetadata); err != nil {
			return Event{}, fmt.Errorf("decode source metadata: %w", err)
		}
	}
	if len(log) > 0 {
		if err := json.Unmarshal(log, &event.ActionLog); err != nil {
			return Event{}, fmt.Errorf("decode action log: %w", err)
		}
	}
	if event.ActionLog == nil {
		event.ActionLog = []ActionEntry{}
	}
	return event, nil
}
