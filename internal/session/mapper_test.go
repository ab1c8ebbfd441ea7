package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for mapper tests.
type memStore struct {
	mu   sync.Mutex
	byID map[string]*Mapping
	keys map[string]string
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*Mapping), keys: make(map[string]string)}
}

func key(connectionID, senderID string) string { return connectionID + "|" + senderID }

func (s *memStore) GetOrCreate(_ context.Context, connectionID, senderID, senderName string) (Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.keys[key(connectionID, senderID)]; ok {
		m := s.byID[id]
		m.LastActiveAt = time.Now()
		return *m, false, nil
	}
	m := Mapping{
		ID:               uuid.NewString(),
		ConnectionID:     connectionID,
		ExternalSenderID: senderID,
		SessionID:        uuid.NewString(),
		SenderName:       senderName,
		CreatedAt:        time.Now(),
		LastActiveAt:     time.Now(),
	}
	s.byID[m.ID] = &m
	s.keys[key(connectionID, senderID)] = m.ID
	return m, true, nil
}

func (s *memStore) Get(_ context.Context, connectionID, senderID string) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[key(connectionID, senderID)]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *memStore) ListByConnection(_ context.Context, connectionID string) ([]Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Mapping
	for _, m := range s.byID {
		if m.ConnectionID == connectionID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) Touch(_ context.Context, id string) error { return nil }

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.keys, key(m.ConnectionID, m.ExternalSenderID))
	delete(s.byID, id)
	return nil
}

func TestDispatchCreatesMappingOnFirstContact(t *testing.T) {
	t.Parallel()

	mapper := NewMapper(newMemStore(), func(context.Context, Mapping, string, map[string]any) {})
	defer mapper.Close()

	first, err := mapper.Dispatch(context.Background(), "conn1", "alice", "Alice", "hi", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if first.SessionID == "" {
		t.Fatalf("first contact must allocate a session")
	}

	second, err := mapper.Dispatch(context.Background(), "conn1", "alice", "Alice", "again", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("same sender must keep its session: %s vs %s", first.SessionID, second.SessionID)
	}

	other, err := mapper.Dispatch(context.Background(), "conn2", "alice", "Alice", "hi", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if other.SessionID == first.SessionID {
		t.Fatalf("same sender on another connection must get its own session")
	}
}

func TestDispatchSerializesPerSender(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	order := make(map[string][]string)
	var inFlight sync.Map

	mapper := NewMapper(newMemStore(), func(_ context.Context, m Mapping, content string, _ map[string]any) {
		laneID := m.ExternalSenderID
		if _, busy := inFlight.LoadOrStore(laneID, true); busy {
			t.Errorf("two messages from %s processed concurrently", laneID)
		}
		time.Sleep(time.Millisecond)
		inFlight.Delete(laneID)

		mu.Lock()
		order[laneID] = append(order[laneID], content)
		mu.Unlock()
	})

	const perSender = 20
	for i := 0; i < perSender; i++ {
		for _, sender := range []string{"alice", "bob"} {
			if _, err := mapper.Dispatch(context.Background(), "conn1", sender, "", fmt.Sprintf("msg-%02d", i), nil); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
		}
	}
	mapper.Close()

	for _, sender := range []string{"alice", "bob"} {
		got := order[sender]
		if len(got) != perSender {
			t.Fatalf("%s: expected %d processed messages, got %d", sender, perSender, len(got))
		}
		for i, content := range got {
			if want := fmt.Sprintf("msg-%02d", i); content != want {
				t.Fatalf("%s: message %d out of order: got %s want %s", sender, i, content, want)
			}
		}
	}
}

func TestIdleLanesAreReclaimed(t *testing.T) {
	t.Parallel()

	mapper := NewMapper(newMemStore(), func(context.Context, Mapping, string, map[string]any) {})
	mapper.idleTimeout = 50 * time.Millisecond
	defer mapper.Close()

	if _, err := mapper.Dispatch(context.Background(), "conn1", "alice", "", "hi", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	laneCount := func() int {
		mapper.mu.Lock()
		defer mapper.mu.Unlock()
		return len(mapper.lanes)
	}
	if laneCount() != 1 {
		t.Fatalf("expected one lane, got %d", laneCount())
	}

	deadline := time.Now().Add(time.Second)
	for laneCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle lane was never reclaimed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A later message from the same sender keeps its session on a fresh
	// lane.
	mapping, err := mapper.Dispatch(context.Background(), "conn1", "alice", "", "again", nil)
	if err != nil {
		t.Fatalf("dispatch after reclaim: %v", err)
	}
	if mapping.SessionID == "" {
		t.Fatalf("mapping lost after lane reclaim")
	}
	if laneCount() != 1 {
		t.Fatalf("expected a fresh lane, got %d", laneCount())
	}
}

func TestDispatchAfterCloseIsRejected(t *testing.T) {
	t.Parallel()

	mapper := NewMapper(newMemStore(), func(context.Context, Mapping, string, map[string]any) {})
	mapper.Close()
	if _, err := mapper.Dispatch(context.Background(), "conn1", "alice", "", "late", nil); err == nil {
		t.Fatalf("dispatch after close must fail")
	}
}
