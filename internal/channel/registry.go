package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outpostai/outpost/internal/logger"
)

// ErrUnknownType is returned for channel types no factory is registered for.
var ErrUnknownType = errors.New("unknown channel type")

// Registry owns one live adapter per channel type. Enabling a channel
// upserts its singleton connection row and starts its adapter; disabling
// shuts the adapter down and records the terminal status. The registry is
// also each adapter's StateSink, persisting status and identity changes.
type Registry struct {
	store     Store
	factories map[Type]Factory
	handler   InboundHandler
	log       *slog.Logger

	mu      sync.RWMutex
	active  map[Type]Adapter
	connIDs map[string]Type
}

// NewRegistry builds a registry over the given store and adapter factories.
// The handler receives every normalized inbound message.
func NewRegistry(store Store, factories map[Type]Factory, handler InboundHandler) *Registry {
	return &Registry{
		store:     store,
		factories: factories,
		handler:   handler,
		log:       logger.L.With(slog.String("component", "channel_registry")),
		active:    make(map[Type]Adapter),
		connIDs:   make(map[string]Type),
	}
}

// Enable stores or refreshes credentials for a channel type and starts its
// adapter. Enabling an already-enabled channel restarts it with the new
// auth state.
func (r *Registry) Enable(ctx context.Context, t Type, auth AuthState) (Connection, error) {
	factory, ok := r.factories[t]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	// Restart cleanly when an adapter for this type is already running.
	if err := r.stopAdapter(ctx, t); err != nil {
		r.log.Warn("stopping previous adapter", slog.String("type", t.String()), slog.Any("error", err))
	}

	conn := Connection{Type: t, Status: StatusConnecting, AuthState: auth}
	conn, err := r.store.Upsert(ctx, conn)
	if err != nil {
		return Connection{}, fmt.Errorf("persist connection: %w", err)
	}

	adapter, err := factory(conn, r, r.handler)
	if err != nil {
		r.SetStatus(conn.ID, StatusDisconnected)
		return Connection{}, fmt.Errorf("build %s adapter: %w", t, err)
	}

	r.mu.Lock()
	r.active[t] = adapter
	r.connIDs[conn.ID] = t
	r.mu.Unlock()

	if err := adapter.Initialize(ctx); err != nil {
		if errors.Is(err, ErrMissingCredentials) {
			r.SetStatus(conn.ID, StatusCredentialsRequired)
		} else {
			r.SetStatus(conn.ID, StatusDisconnected)
		}
		return r.refresh(ctx, conn)
	}
	return r.refresh(ctx, conn)
}

// Disable shuts the channel's adapter down and marks it disconnected.
// Disabling a channel that is not running only updates the stored status.
func (r *Registry) Disable(ctx context.Context, t Type) (Connection, error) {
	conn, err := r.store.GetByType(ctx, t)
	if err != nil {
		return Connection{}, err
	}
	if err := r.stopAdapter(ctx, t); err != nil {
		r.log.Warn("adapter shutdown", slog.String("type", t.String()), slog.Any("error", err))
	}
	if err := r.store.UpdateStatus(ctx, conn.ID, StatusDisconnected); err != nil {
		return Connection{}, err
	}
	return r.store.GetByType(ctx, t)
}

// Logout ends the platform session, clears stored credentials, and leaves
// the channel disconnected. Channels without revocable sessions just get
// their credentials wiped.
func (r *Registry) Logout(ctx context.Context, t Type) (Connection, error) {
	conn, err := r.store.GetByType(ctx, t)
	if err != nil {
		return Connection{}, err
	}

	r.mu.RLock()
	adapter := r.active[t]
	r.mu.RUnlock()
	if lo, ok := adapter.(LogoutAdapter); ok {
		if err := lo.Logout(ctx); err != nil {
			r.log.Warn("platform logout", slog.String("type", t.String()), slog.Any("error", err))
		}
	}
	if err := r.stopAdapter(ctx, t); err != nil {
		r.log.Warn("adapter shutdown", slog.String("type", t.String()), slog.Any("error", err))
	}

	if err := r.store.UpdateAuthState(ctx, conn.ID, AuthState{}); err != nil {
		return Connection{}, err
	}
	if err := r.store.UpdateStatus(ctx, conn.ID, StatusDisconnected); err != nil {
		return Connection{}, err
	}
	return r.store.GetByType(ctx, t)
}

// Status returns the stored connection row for a channel type.
func (r *Registry) Status(ctx context.Context, t Type) (Connection, error) {
	return r.store.GetByType(ctx, t)
}

// List returns every stored connection.
func (r *Registry) List(ctx context.Context) ([]Connection, error) {
	return r.store.List(ctx)
}

// RequestAuth returns the current pairing challenge for QR-based channels.
func (r *Registry) RequestAuth(ctx context.Context, t Type) (AuthChallenge, error) {
	r.mu.RLock()
	adapter := r.active[t]
	r.mu.RUnlock()
	if adapter == nil {
		return AuthChallenge{}, ErrNotConnected
	}
	pairer, ok := adapter.(Pairer)
	if !ok {
		return AuthChallenge{}, fmt.Errorf("%w: %s has no pairing flow", ErrUnsupported, t)
	}
	return pairer.RequestAuth(ctx)
}

// Adapter returns the live adapter for a type, or nil.
func (r *Registry) Adapter(t Type) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[t]
}

// ConnectedTypes lists channel types whose adapter currently reports a
// connected session. Used for "all"-channel fan-out.
func (r *Registry) ConnectedTypes() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Type
	for _, t := range AllTypes() {
		if a, ok := r.active[t]; ok && a.Status() == StatusConnected {
			out = append(out, t)
		}
	}
	return out
}

// StartEnabled restores adapters for every connection that was not left
// disconnected, typically at process startup.
func (r *Registry) StartEnabled(ctx context.Context) error {
	conns, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if conn.Status == StatusDisconnected {
			continue
		}
		if _, err := r.Enable(ctx, conn.Type, conn.AuthState); err != nil {
			r.log.Error("restoring channel", slog.String("type", conn.Type.String()), slog.Any("error", err))
		}
	}
	return nil
}

// Shutdown stops every live adapter. Safe to call more than once.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	adapters := make(map[Type]Adapter, len(r.active))
	for t, a := range r.active {
		adapters[t] = a
	}
	r.active = make(map[Type]Adapter)
	r.mu.Unlock()

	for t, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			r.log.Warn("adapter shutdown", slog.String("type", t.String()), slog.Any("error", err))
		}
	}
}

func (r *Registry) stopAdapter(ctx context.Context, t Type) error {
	r.mu.Lock()
	adapter := r.active[t]
	delete(r.active, t)
	r.mu.Unlock()
	if adapter == nil {
		return nil
	}
	return adapter.Shutdown(ctx)
}

func (r *Registry) refresh(ctx context.Context, conn Connection) (Connection, error) {
	fresh, err := r.store.GetByType(ctx, conn.Type)
	if err != nil {
		return conn, nil
	}
	return fresh, nil
}

// SetStatus implements StateSink.
func (r *Registry) SetStatus(connectionID string, status Status) {
	if err := r.store.UpdateStatus(context.Background(), connectionID, status); err != nil {
		r.log.Error("persist status", slog.String("connection_id", connectionID), slog.Any("error", err))
		return
	}
	r.log.Info("channel status", slog.String("connection_id", connectionID), slog.String("status", string(status)))
}

// SetDisplayName implements StateSink.
func (r *Registry) SetDisplayName(connectionID string, name string) {
	if err := r.store.UpdateDisplayName(context.Background(), connectionID, name); err != nil {
		r.log.Error("persist display name", slog.String("connection_id", connectionID), slog.Any("error", err))
	}
}

// SetAuthState implements StateSink.
func (r *Registry) SetAuthState(connectionID string, auth AuthState) {
	if err := r.store.UpdateAuthState(context.Background(), connectionID, auth); err != nil {
		r.log.Error("persist auth state", slog.String("connection_id", connectionID), slog.Any("error", err))
	}
}
