package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/session"
)

// memThreads is an in-memory ThreadStore.
type memThreads struct {
	mu    sync.Mutex
	roots map[string]string
}

func newMemThreads() *memThreads { return &memThreads{roots: make(map[string]string)} }

func (s *memThreads) Record(_ context.Context, messageID, rootID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID != "" {
		s.roots[messageID] = rootID
	}
	return nil
}

func (s *memThreads) Resolve(_ context.Context, messageIDs []string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		if root, ok := s.roots[id]; ok {
			return root, true, nil
		}
	}
	return "", false, nil
}

// memSessions is a minimal in-memory session.Store.
type memSessions struct {
	mu   sync.Mutex
	byKP map[string]session.Mapping
}

func newMemSessions() *memSessions { return &memSessions{byKP: make(map[string]session.Mapping)} }

func (s *memSessions) GetOrCreate(_ context.Context, connectionID, senderID, senderName string) (session.Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := connectionID + "|" + senderID
	if m, ok := s.byKP[k]; ok {
		return m, false, nil
	}
	m := session.Mapping{
		ID:               uuid.NewString(),
		ConnectionID:     connectionID,
		ExternalSenderID: senderID,
		SessionID:        uuid.NewString(),
		SenderName:       senderName,
		CreatedAt:        time.Now(),
		LastActiveAt:     time.Now(),
	}
	s.byKP[k] = m
	return m, true, nil
}

func (s *memSessions) Get(_ context.Context, connectionID, senderID string) (session.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byKP[connectionID+"|"+senderID]; ok {
		return m, nil
	}
	return session.Mapping{}, session.ErrNotFound
}

func (s *memSessions) ListByConnection(context.Context, string) ([]session.Mapping, error) {
	return nil, nil
}
func (s *memSessions) Touch(context.Context, string) error  { return nil }
func (s *memSessions) Delete(context.Context, string) error { return nil }

// stubAdapter records sends.
type stubAdapter struct {
	typ    channel.Type
	status channel.Status
	mu     sync.Mutex
	sent   []string
}

func (a *stubAdapter) Type() channel.Type                 { return a.typ }
func (a *stubAdapter) Initialize(context.Context) error   { return nil }
func (a *stubAdapter) Shutdown(context.Context) error     { return nil }
func (a *stubAdapter) Status() channel.Status             { return a.status }
func (a *stubAdapter) SendMessage(_ context.Context, _, content string, _ map[string]any) channel.SendResult {
	a.mu.Lock()
	a.sent = append(a.sent, content)
	a.mu.Unlock()
	return channel.SendResult{Success: true, MessageID: "sent-" + uuid.NewString()[:8]}
}

// stubRegistry wires stub adapters.
type stubRegistry struct {
	adapters map[channel.Type]*stubAdapter
}

func (r *stubRegistry) Adapter(t channel.Type) channel.Adapter {
	if a, ok := r.adapters[t]; ok {
		return a
	}
	return nil
}

func (r *stubRegistry) ConnectedTypes() []channel.Type {
	var out []channel.Type
	for _, t := range channel.AllTypes() {
		if a, ok := r.adapters[t]; ok && a.status == channel.StatusConnected {
			out = append(out, t)
		}
	}
	return out
}

type captured struct {
	mu   sync.Mutex
	msgs []channel.IncomingMessage
}

func (c *captured) handle(_ context.Context, _ session.Mapping, msg channel.IncomingMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *captured) list() []channel.IncomingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.IncomingMessage(nil), c.msgs...)
}

func newTestRouter(allowed []string) (*Router, *stubRegistry, *memThreads, *captured) {
	reg := &stubRegistry{adapters: map[channel.Type]*stubAdapter{
		channel.TypeEmail:    {typ: channel.TypeEmail, status: channel.StatusConnected},
		channel.TypeTelegram: {typ: channel.TypeTelegram, status: channel.StatusConnected},
		channel.TypeDiscord:  {typ: channel.TypeDiscord, status: channel.StatusDisconnected},
	}}
	threads := newMemThreads()
	sink := &captured{}
	r := New(reg, newMemSessions(), NewTrustPolicy(allowed), threads, AssistantFunc(sink.handle))
	return r, reg, threads, sink
}

func emailMsg(sender, messageID string, refs []string) channel.IncomingMessage {
	md := map[string]any{"message_id": messageID}
	if refs != nil {
		md["references"] = refs
	}
	return channel.IncomingMessage{
		ChannelType:  channel.TypeEmail,
		ConnectionID: "email-conn",
		SenderID:     sender,
		Content:      "hello",
		Timestamp:    time.Now(),
		Metadata:     md,
	}
}

func TestUntrustedEmailIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	r, reg, _, sink := newTestRouter([]string{"owner@example.com"})
	defer r.Mapper().Close()

	r.Inbound(context.Background(), emailMsg("eve@external.com", "m1@ext", nil))
	r.Mapper().Close()

	if msgs := sink.list(); len(msgs) != 0 {
		t.Fatalf("untrusted email must never reach the assistant, got %d", len(msgs))
	}
	// No reply, no bounce: the email adapter saw no send at all.
	if sent := reg.adapters[channel.TypeEmail].sent; len(sent) != 0 {
		t.Fatalf("drop must be silent, but %d messages were sent", len(sent))
	}
}

func TestAllowlistedEmailIsAccepted(t *testing.T) {
	t.Parallel()

	r, _, threads, sink := newTestRouter([]string{"owner@example.com"})
	r.Inbound(context.Background(), emailMsg("owner@example.com", "m1@x", nil))
	r.Mapper().Close()

	msgs := sink.list()
	if len(msgs) != 1 || msgs[0].SenderID != "owner@example.com" {
		t.Fatalf("allowlisted email must be processed, got %#v", msgs)
	}
	if root, ok, _ := threads.Resolve(context.Background(), []string{"m1@x"}); !ok || root != "m1@x" {
		t.Fatalf("accepted mail must start a thread, got %q %v", root, ok)
	}
}

func TestThreadParticipantIsTrusted(t *testing.T) {
	t.Parallel()

	r, _, _, sink := newTestRouter([]string{"owner@example.com"})

	// Owner starts a thread; a CC'd outsider replies referencing it.
	r.Inbound(context.Background(), emailMsg("owner@example.com", "root@x", nil))
	r.Inbound(context.Background(), emailMsg("cc.person@elsewhere.com", "reply1@y", []string{"root@x"}))
	// A later reply referencing only the outsider's message still resolves.
	r.Inbound(context.Background(), emailMsg("another@elsewhere.com", "reply2@z", []string{"reply1@y"}))
	// An outsider with no thread linkage stays out.
	r.Inbound(context.Background(), emailMsg("eve@external.com", "cold@e", []string{"unknown@q"}))
	r.Mapper().Close()

	msgs := sink.list()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 accepted messages, got %d", len(msgs))
	}
}

func TestWildcardDomainEmailIsAccepted(t *testing.T) {
	t.Parallel()

	r, _, _, sink := newTestRouter([]string{"*@corp.example"})
	r.Inbound(context.Background(), emailMsg("someone@corp.example", "m1@c", nil))
	r.Inbound(context.Background(), emailMsg("someone@other.example", "m2@o", nil))
	r.Mapper().Close()

	if msgs := sink.list(); len(msgs) != 1 || msgs[0].SenderID != "someone@corp.example" {
		t.Fatalf("only the wildcard domain passes, got %#v", msgs)
	}
}

func TestNonEmailChannelsBypassTrustGate(t *testing.T) {
	t.Parallel()

	r, _, _, sink := newTestRouter(nil)
	r.Inbound(context.Background(), channel.IncomingMessage{
		ChannelType:  channel.TypeTelegram,
		ConnectionID: "tg-conn",
		SenderID:     "42",
		Content:      "hi",
		Timestamp:    time.Now(),
	})
	r.Mapper().Close()

	if msgs := sink.list(); len(msgs) != 1 {
		t.Fatalf("platform channels are not gated, got %d", len(msgs))
	}
}

func TestSendFansOutToConnectedChannels(t *testing.T) {
	t.Parallel()

	r, reg, _, _ := newTestRouter(nil)
	defer r.Mapper().Close()

	results := r.Send(context.Background(), TargetAll, "someone", "broadcast", nil)
	if len(results) != 2 {
		t.Fatalf("expected sends only to the 2 connected channels, got %d", len(results))
	}
	for _, res := range results {
		if !res.Success {
			t.Fatalf("fan-out send failed: %s", res.Error)
		}
	}
	if len(reg.adapters[channel.TypeDiscord].sent) != 0 {
		t.Fatalf("disconnected channel must be skipped")
	}
}

func TestSendUnknownChannel(t *testing.T) {
	t.Parallel()

	r, _, _, _ := newTestRouter(nil)
	defer r.Mapper().Close()

	results := r.Send(context.Background(), "pager", "x", "y", nil)
	if len(results) != 1 || results[0].Success {
		t.Fatalf("unknown channel must fail: %#v", results)
	}
}

func TestOutboundEmailJoinsThreadLedger(t *testing.T) {
	t.Parallel()

	r, _, threads, _ := newTestRouter([]string{"owner@example.com"})
	defer r.Mapper().Close()

	results := r.Send(context.Background(), "email", "owner@example.com", "update", nil)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("send failed: %#v", results)
	}
	if _, ok, _ := threads.Resolve(context.Background(), []string{results[0].MessageID}); !ok {
		t.Fatalf("assistant-sent mail must be recorded so replies to it are trusted")
	}
}
