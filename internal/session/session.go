// Package session maps external senders onto assistant sessions and
// serializes message processing per sender.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of mappings that do not exist.
var ErrNotFound = errors.New("session mapping not found")

// Mapping ties one (connection, external sender) pair to an assistant
// session. The pair is unique; the same person on two channels gets two
// mappings and thus two sessions.
type Mapping struct {
	ID               string    `json:"id"`
	ConnectionID     string    `json:"connection_id"`
	ExternalSenderID string    `json:"external_sender_id"`
	SessionID        string    `json:"session_id"`
	SenderName       string    `json:"sender_name,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActiveAt     time.Time `json:"last_active_at"`
}

// Store persists sender-to-session mappings.
type Store interface {
	// GetOrCreate returns the mapping for the pair, creating it with a
	// fresh session ID when none exists.
	GetOrCreate(ctx context.Context, connectionID, senderID, senderName string) (Mapping, bool, error)
	Get(ctx context.Context, connectionID, senderID string) (Mapping, error)
	ListByConnection(ctx context.Context, connectionID string) ([]Mapping, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
