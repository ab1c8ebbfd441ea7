package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TrustPolicy decides which email senders may reach the assistant. Other
// channels authenticate at the platform level; email is an open door and
// gets an allowlist instead.
//
// A sender is trusted when it matches the allowlist exactly, matches a
// *@domain wildcard, or writes inside a thread an allowlisted sender
// started. The third rule keeps a conversation working when someone CC'd
// into a trusted thread replies directly.
type TrustPolicy struct {
	exact   map[string]struct{}
	domains map[string]struct{}
}

// NewTrustPolicy parses allowlist entries. Entries are either full
// addresses or *@domain wildcards; everything is matched case-insensitively.
func NewTrustPolicy(allowed []string) *TrustPolicy {
	p := &TrustPolicy{
		exact:   make(map[string]struct{}),
		domains: make(map[string]struct{}),
	}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if domain, ok := strings.CutPrefix(entry, "*@"); ok {
			p.domains[domain] = struct{}{}
			continue
		}
		p.exact[entry] = struct{}{}
	}
	return p
}

// Allows reports whether the address itself is on the allowlist.
func (p *TrustPolicy) Allows(address string) bool {
	address = strings.ToLower(strings.TrimSpace(address))
	if _, ok := p.exact[address]; ok {
		return true
	}
	if _, domain, ok := strings.Cut(address, "@"); ok {
		if _, match := p.domains[domain]; match {
			return true
		}
	}
	return false
}

// ThreadStore is the ledger of email threads the assistant participates
// in. Only trusted mail is recorded, so membership implies trust.
type ThreadStore interface {
	// Record adds a message to a thread. rootID equal to messageID
	// starts a new thread.
	Record(ctx context.Context, messageID, rootID, originSender string) error
	// Resolve returns the thread root for any of the given message IDs.
	Resolve(ctx context.Context, messageIDs []string) (string, bool, error)
}

type pgThreadStore struct {
	pool *pgxpool.Pool
}

// NewThreadStore returns a Postgres-backed thread ledger.
func NewThreadStore(pool *pgxpool.Pool) ThreadStore {
	return &pgThreadStore{pool: pool}
}

func (s *pgThreadStore) Record(ctx context.Context, messageID, rootID, originSender string) error {
	if messageID == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_threads (message_id, root_id, origin_sender, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (message_id) DO NOTHING`,
		messageID, rootID, strings.ToLower(originSender))
	if err != nil {
		return fmt.Errorf("record thread message: %w", err)
	}
	return nil
}

func (s *pgThreadStore) Resolve(ctx context.Context, messageIDs []string) (string, bool, error) {
	if len(messageIDs) == 0 {
		return "", false, nil
	}
	row := s.pool.QueryRow(ctx,
		`SELECT root_id FROM email_threads WHERE message_id = ANY($1) LIMIT 1`,
		messageIDs)
	var root string
	if err := row.Scan(&root); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve thread: %w", err)
	}
	return root, true, nil
}
