// Package channel provides a unified abstraction for the assistant's
// messaging channels. It defines the adapter contract, the per-channel
// connection lifecycle, and the registry that owns one connection per
// channel type.
package channel

import (
	"strings"
	"time"
)

// Type identifies a messaging platform.
type Type string

const (
	TypeWhatsApp Type = "whatsapp"
	TypeDiscord  Type = "discord"
	TypeTelegram Type = "telegram"
	TypeSlack    Type = "slack"
	TypeEmail    Type = "email"
)

// String returns the channel type as a plain string.
func (t Type) String() string {
	return string(t)
}

// AllTypes lists every supported channel type in a stable order.
func AllTypes() []Type {
	return []Type{TypeWhatsApp, TypeDiscord, TypeTelegram, TypeSlack, TypeEmail}
}

// ParseType validates and normalizes a raw string into a Type.
func ParseType(raw string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypeWhatsApp, TypeDiscord, TypeTelegram, TypeSlack, TypeEmail:
		return t, true
	}
	return "", false
}

// Status is the lifecycle state of a channel connection.
type Status string

const (
	StatusDisconnected        Status = "disconnected"
	StatusConnecting          Status = "connecting"
	StatusConnected           Status = "connected"
	StatusQRPending           Status = "qr_pending"
	StatusCredentialsRequired Status = "credentials_required"
)

// AuthState is the channel-specific secret blob: a bot token, SMTP/IMAP
// credentials, or paired-device keys. Opaque to everything but the adapter.
type AuthState map[string]any

// String returns the trimmed string value for key, or empty.
func (a AuthState) String(key string) string {
	if a == nil {
		return ""
	}
	v, _ := a[key].(string)
	return strings.TrimSpace(v)
}

// Int returns the integer value for key, tolerating JSON float decoding.
func (a AuthState) Int(key string, fallback int) int {
	if a == nil {
		return fallback
	}
	switch n := a[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}

// Connection is the persisted record for one channel type. There is at most
// one row per type; the uniqueness is a storage invariant, not a runtime
// singleton.
type Connection struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Status      Status    `json:"status"`
	AuthState   AuthState `json:"-"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IncomingMessage is a normalized inbound message. It is transient: the
// router hands it to the assistant, nothing persists it here.
type IncomingMessage struct {
	ChannelType  Type           `json:"channel_type"`
	ConnectionID string         `json:"connection_id"`
	SenderID     string         `json:"sender_id"`
	SenderName   string         `json:"sender_name,omitempty"`
	Content      string         `json:"content"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MetadataString returns the trimmed string metadata value for key.
func (m IncomingMessage) MetadataString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	v, _ := m.Metadata[key].(string)
	return strings.TrimSpace(v)
}

// AuthChallenge is the pairing payload returned by QR-based channels.
type AuthChallenge struct {
	QRDataURL string `json:"qr_data_url"`
}

// SendResult reports the outcome of one outbound delivery.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
