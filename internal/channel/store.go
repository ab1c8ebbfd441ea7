package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists channel connection rows. One row per channel type.
type Store interface {
	Upsert(ctx context.Context, conn Connection) (Connection, error)
	GetByType(ctx context.Context, t Type) (Connection, error)
	List(ctx context.Context) ([]Connection, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateDisplayName(ctx context.Context, id string, name string) error
	UpdateAuthState(ctx context.Context, id string, auth AuthState) error
	Delete(ctx context.Context, id string) error
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore returns a Postgres-backed connection store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const connColumns = `id, type, status, auth_state, display_name, created_at, updated_at`

func (s *pgStore) Upsert(ctx context.Context, conn Connection) (Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	auth, err := marshalAuth(conn.AuthState)
	if err != nil {
		return Connection{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channel_connections (id, type, status, auth_state, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (type) DO UPDATE SET
			status = EXCLUDED.status,
			auth_state = EXCLUDED.auth_state,
			display_name = EXCLUDED.display_name,
			updated_at = now()
		RETURNING `+connColumns,
		conn.ID, conn.Type, conn.Status, auth, conn.DisplayName)
	return scanConnection(row)
}

func (s *pgStore) GetByType(ctx context.Context, t Type) (Connection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connColumns+` FROM channel_connections WHERE type = $1`, t)
	conn, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	return conn, err
}

func (s *pgStore) List(ctx context.Context) ([]Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connColumns+` FROM channel_connections ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func (s *pgStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE channel_connections SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) UpdateDisplayName(ctx context.Context, id string, name string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE channel_connections SET display_name = $2, updated_at = now() WHERE id = $1`,
		id, name)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

func (s *pgStore) UpdateAuthState(ctx context.Context, id string, auth AuthState) error {
	blob, err := marshalAuth(auth)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE channel_connections SET auth_state = $2, updated_at = now() WHERE id = $1`,
		id, blob)
	if err != nil {
		return fmt.Errorf("update auth state: %w", err)
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM channel_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalAuth(auth AuthState) ([]byte, error) {
	if auth == nil {
		auth = AuthState{}
	}
	blob, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("marshal auth state: %w", err)
	}
	return blob, nil
}

func scanConnection(row pgx.Row) (Connection, error) {
	var (
		conn Connection
		auth []byte
		name *string
	)
	var created, updated time.Time
	if err := row.Scan(&conn.ID, &conn.Type, &conn.Status, &auth, &name, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, err
		}
		return Connection{}, fmt.Errorf("scan connection: %w", err)
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &conn.AuthState); err != nil {
			return Connection{}, fmt.Errorf("decode auth state: %w", err)
		}
	}
	if name != nil {
		conn.DisplayName = *name
	}
	conn.CreatedAt = created
	conn.UpdatedAt = updated
	return conn, nil
}
