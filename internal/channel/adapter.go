package channel

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when a send is attempted on a channel
	// that has no live session.
	ErrNotConnected = errors.New("channel not connected")
	// ErrMissingCredentials means the adapter cannot even attempt a
	// connection with the stored auth state.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrUnsupported marks an operation the adapter does not implement.
	ErrUnsupported = errors.New("operation not supported by channel")
	// ErrNotFound is returned for lookups of connections that do not exist.
	ErrNotFound = errors.New("connection not found")
)

// InboundHandler receives normalized messages from adapters. Adapters call
// it from their own receive goroutines; implementations must be safe for
// concurrent use.
type InboundHandler func(ctx context.Context, msg IncomingMessage)

// StateSink is how an adapter reports lifecycle changes back to its owner.
// The registry implements it by persisting the connection row.
type StateSink interface {
	// SetStatus records a status transition for the connection.
	SetStatus(connectionID string, status Status)
	// SetDisplayName records the account identity once the platform
	// reports it (bot username, email address, paired device name).
	SetDisplayName(connectionID string, name string)
	// SetAuthState persists updated channel secrets, e.g. session keys
	// obtained after a QR pairing completes.
	SetAuthState(connectionID string, auth AuthState)
}

// Adapter is the uniform contract every channel implements.
//
// Initialize starts the connection attempt and returns quickly; the real
// session is established on background goroutines and reported through the
// StateSink. Shutdown synchronously stops those goroutines, cancels any
// pending reconnect timer, and leaves the adapter inert.
type Adapter interface {
	Type() Type
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// SendMessage delivers content to a platform-native recipient ID,
	// splitting it into platform-limit chunks when needed.
	SendMessage(ctx context.Context, recipientID, content string, metadata map[string]any) SendResult
	Status() Status
}

// Pairer is implemented by channels that authenticate by scanning a
// QR code instead of storing a token.
type Pairer interface {
	// RequestAuth returns the current pairing challenge, or an error if
	// the adapter is not awaiting a scan.
	RequestAuth(ctx context.Context) (AuthChallenge, error)
}

// LogoutAdapter is implemented by channels that hold revocable session
// state beyond a static token.
type LogoutAdapter interface {
	// Logout invalidates the platform session so the next enable
	// requires fresh authentication.
	Logout(ctx context.Context) error
}

// Factory builds an adapter for a stored connection. The sink and handler
// are wired by the registry before Initialize is called.
type Factory func(conn Connection, sink StateSink, handler InboundHandler) (Adapter, error)
