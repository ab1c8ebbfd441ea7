package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore returns a Postgres-backed mapping store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const mappingColumns = `id, connection_id, external_sender_id, session_id, sender_name, created_at, last_active_at`

func (s *pgStore) GetOrCreate(ctx context.Context, connectionID, senderID, senderName string) (Mapping, bool, error) {
	// The unique (connection_id, external_sender_id) index resolves the
	// race between concurrent first messages from the same sender.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO session_mappings (id, connection_id, external_sender_id, session_id, sender_name, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (connection_id, external_sender_id) DO UPDATE SET
			sender_name = COALESCE(NULLIF(EXCLUDED.sender_name, ''), session_mappings.sender_name),
			last_active_at = now()
		RETURNING `+mappingColumns+`, (created_at = last_active_at) AS fresh`,
		uuid.NewString(), connectionID, senderID, uuid.NewString(), senderName)

	var m Mapping
	var name *string
	var fresh bool
	if err := row.Scan(&m.ID, &m.ConnectionID, &m.ExternalSenderID, &m.SessionID, &name, &m.CreatedAt, &m.LastActiveAt, &fresh); err != nil {
		return Mapping{}, false, fmt.Errorf("get or create mapping: %w", err)
	}
	if name != nil {
		m.SenderName = *name
	}
	return m, fresh, nil
}

func (s *pgStore) Get(ctx context.Context, connectionID, senderID string) (Mapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM session_mappings WHERE connection_id = $1 AND external_sender_id = $2`,
		connectionID, senderID)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	return m, err
}

func (s *pgStore) ListByConnection(ctx context.Context, connectionID string) ([]Mapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM session_mappings WHERE connection_id = $1 ORDER BY last_active_at DESC`,
		connectionID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgStore) Touch(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE session_mappings SET last_active_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch mapping: %w", err)
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM session_mappings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMapping(row pgx.Row) (Mapping, error) {
	var m Mapping
	var name *string
	if err := row.Scan(&m.ID, &m.ConnectionID, &m.ExternalSenderID, &m.SessionID, &name, &m.CreatedAt, &m.LastActiveAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, err
		}
		return Mapping{}, fmt.Errorf("scan mapping: %w", err)
	}
	if name != nil {
		m.SenderName = *name
	}
	return m, nil
}
