package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/outpostai/outpost/internal/logger"
)

// laneBuffer bounds how many messages a single sender can queue before
// enqueueing blocks.
const laneBuffer = 64

// laneIdleTimeout is how long a lane may sit empty before its worker exits
// and the lane is removed. The next message from that sender starts a
// fresh one.
const laneIdleTimeout = 5 * time.Minute

// Processor handles one message inside a sender's session. Calls for the
// same mapping are strictly sequential.
type Processor func(ctx context.Context, mapping Mapping, content string, metadata map[string]any)

// Mapper resolves senders to sessions and dispatches their messages in
// arrival order. Each (connection, sender) pair gets its own lane backed by
// one worker goroutine, so two messages from the same person never
// interleave while different senders proceed in parallel. Idle lanes are
// reclaimed after laneIdleTimeout.
type Mapper struct {
	store       Store
	proc        Processor
	log         *slog.Logger
	idleTimeout time.Duration

	mu      sync.Mutex
	lanes   map[string]*lane
	closed  bool
	sending sync.WaitGroup
	wg      sync.WaitGroup
}

// lane carries one sender's queue. pending counts queued plus in-flight
// messages and is guarded by Mapper.mu; a worker only exits idle when it
// reads zero.
type lane struct {
	ch      chan laneItem
	pending int
}

type laneItem struct {
	ctx      context.Context
	mapping  Mapping
	content  string
	metadata map[string]any
}

// NewMapper builds a mapper dispatching to proc.
func NewMapper(store Store, proc Processor) *Mapper {
	return &Mapper{
		store:       store,
		proc:        proc,
		log:         logger.L.With(slog.String("component", "session_mapper")),
		idleTimeout: laneIdleTimeout,
		lanes:       make(map[string]*lane),
	}
}

// Dispatch resolves the sender's mapping (creating a session on first
// contact) and queues the message on the sender's lane. Enqueue order is
// dispatch order, so callers delivering from a single receive loop get
// strict per-sender FIFO processing.
func (m *Mapper) Dispatch(ctx context.Context, connectionID, senderID, senderName, content string, metadata map[string]any) (Mapping, error) {
	mapping, fresh, err := m.store.GetOrCreate(ctx, connectionID, senderID, senderName)
	if err != nil {
		return Mapping{}, err
	}
	if fresh {
		m.log.Info("session created",
			slog.String("connection_id", connectionID),
			slog.String("sender_id", senderID),
			slog.String("session_id", mapping.SessionID))
	}

	key := connectionID + "\x00" + senderID
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return mapping, context.Canceled
	}
	ln, ok := m.lanes[key]
	if !ok {
		ln = &lane{ch: make(chan laneItem, laneBuffer)}
		m.lanes[key] = ln
		m.wg.Add(1)
		go m.run(key, ln)
	}
	// The pending count and the send ticket are both taken under the
	// lock, so neither Close nor an idle worker can retire this lane
	// mid-send.
	ln.pending++
	m.sending.Add(1)
	m.mu.Unlock()

	ln.ch <- laneItem{ctx: ctx, mapping: mapping, content: content, metadata: metadata}
	m.sending.Done()
	return mapping, nil
}

func (m *Mapper) run(key string, ln *lane) {
	defer m.wg.Done()
	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case item, ok := <-ln.ch:
			if !ok {
				return
			}
			m.proc(item.ctx, item.mapping, item.content, item.metadata)
			m.mu.Lock()
			ln.pending--
			m.mu.Unlock()
			idle.Reset(m.idleTimeout)
		case <-idle.C:
			m.mu.Lock()
			if ln.pending == 0 {
				delete(m.lanes, key)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			idle.Reset(m.idleTimeout)
		}
	}
}

// Lookup returns the mapping for a pair without creating one.
func (m *Mapper) Lookup(ctx context.Context, connectionID, senderID string) (Mapping, error) {
	return m.store.Get(ctx, connectionID, senderID)
}

// ListByConnection returns every mapping for a connection, most recently
// active first.
func (m *Mapper) ListByConnection(ctx context.Context, connectionID string) ([]Mapping, error) {
	return m.store.ListByConnection(ctx, connectionID)
}

// Close drains every lane and waits for in-flight processing to finish.
// Dispatch calls after Close are rejected.
func (m *Mapper) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	// New dispatches are rejected now; wait out any send already started.
	m.sending.Wait()

	m.mu.Lock()
	for key, ln := range m.lanes {
		close(ln.ch)
		delete(m.lanes, key)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
