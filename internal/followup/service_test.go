package followup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/outpostai/outpost/internal/sweep"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

func newMemStore() *memStore { return &memStore{events: make(map[string]*Event)} }

func (s *memStore) Create(_ context.Context, event Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = StatusPending
	}
	event.ActionLog = []ActionEntry{}
	event.CreatedAt = time.Now()
	event.UpdatedAt = event.CreatedAt
	s.events[event.ID] = &event
	return event, nil
}

func (s *memStore) Get(_ context.Context, id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return *e, nil
}

func (s *memStore) List(_ context.Context, filter Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Channel != "" && e.SourceChannel != filter.Channel {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id, status string, entry ActionEntry) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	e.Status = status
	e.ActionLog = append(e.ActionLog, entry)
	e.UpdatedAt = time.Now()
	return *e, nil
}

func (s *memStore) SetLinkedTask(_ context.Context, id string, taskID *string, entry ActionEntry) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	e.LinkedTaskID = taskID
	e.ActionLog = append(e.ActionLog, entry)
	e.UpdatedAt = time.Now()
	return *e, nil
}

func (s *memStore) CountByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, e := range s.events {
		out[e.Status]++
	}
	return out, nil
}

// memSweeps is an in-memory sweep.Reader.
type memSweeps struct {
	runs map[string]sweep.Run
}

func (s *memSweeps) GetLast(_ context.Context, sweepType string) (sweep.Run, error) {
	if run, ok := s.runs[sweepType]; ok {
		return run, nil
	}
	return sweep.Run{}, sweep.ErrNoRun
}

func TestCreateDefaultsToPendingWithEmptyLog(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), nil)
	event, err := svc.Create(context.Background(), CreateInput{
		SourceChannel: "email",
		SourceID:      "m1@x",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if event.Status != StatusPending {
		t.Fatalf("new events start pending, got %s", event.Status)
	}
	if len(event.ActionLog) != 0 {
		t.Fatalf("new events have an empty action log, got %d entries", len(event.ActionLog))
	}
	if event.LinkedTaskID != nil {
		t.Fatalf("new events have no linked task")
	}
}

func TestCreateRejectsIncompleteInput(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), nil)
	if _, err := svc.Create(context.Background(), CreateInput{SourceChannel: "email"}); err == nil {
		t.Fatalf("missing source_id must be rejected")
	}
	if _, err := svc.Create(context.Background(), CreateInput{
		SourceChannel: "email", SourceID: "m2@x", Status: "archived",
	}); err == nil {
		t.Fatalf("unknown initial status must be rejected")
	}
}

func TestUpdateStatusAppendsToLog(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), nil)
	event, _ := svc.Create(context.Background(), CreateInput{
		SourceChannel: "telegram", SourceID: "42", Summary: "reply promised",
	})

	event, err := svc.Update(context.Background(), event.ID, UpdateInput{Status: StatusMonitoring, Note: "waiting on them"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	event, err = svc.Update(context.Background(), event.ID, UpdateInput{Status: StatusActedUpon})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if event.Status != StatusActedUpon {
		t.Fatalf("status: %s", event.Status)
	}
	if len(event.ActionLog) != 2 {
		t.Fatalf("every transition appends one entry, got %d", len(event.ActionLog))
	}
	if event.ActionLog[0].Note != "waiting on them" {
		t.Fatalf("log entry note lost: %#v", event.ActionLog[0])
	}
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), nil)
	event, _ := svc.Create(context.Background(), CreateInput{
		SourceChannel: "email", SourceID: "m", Summary: "s",
	})
	if _, err := svc.Update(context.Background(), event.ID, UpdateInput{Status: "archived"}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestEmptyTaskIDDetachesLink(t *testing.T) {
	t.Parallel()

	svc := NewService(newMemStore(), nil)
	event, _ := svc.Create(context.Background(), CreateInput{
		SourceChannel: "email", SourceID: "m", Summary: "s",
	})

	taskID := "task-7"
	event, err := svc.Update(context.Background(), event.ID, UpdateInput{TaskID: &taskID})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if event.LinkedTaskID == nil || *event.LinkedTaskID != "task-7" {
		t.Fatalf("task not linked: %#v", event.LinkedTaskID)
	}

	empty := ""
	event, err = svc.Update(context.Background(), event.ID, UpdateInput{TaskID: &empty})
	if err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if event.LinkedTaskID != nil {
		t.Fatalf("empty string must detach the task, got %#v", event.LinkedTaskID)
	}
	if len(event.ActionLog) != 2 {
		t.Fatalf("link and unlink each append an entry, got %d", len(event.ActionLog))
	}

	// Omitting task_id entirely leaves the link alone.
	event, err = svc.Update(context.Background(), event.ID, UpdateInput{Status: StatusDismissed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if event.LinkedTaskID != nil {
		t.Fatalf("absent task_id must not touch the link")
	}
}

func TestStatsAggregatesEventsAndSweeps(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	ranAt := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	sweeps := &memSweeps{runs: map[string]sweep.Run{
		sweep.TypeHourly: {Type: sweep.TypeHourly, RanAt: ranAt, Summary: "3 new"},
	}}
	svc := NewService(store, sweeps)

	for i, status := range []string{StatusPending, StatusPending, StatusDismissed} {
		event, err := svc.Create(context.Background(), CreateInput{
			SourceChannel: "email", SourceID: string(rune('a' + i)), Summary: "s",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if status != StatusPending {
			if _, err := svc.Update(context.Background(), event.ID, UpdateInput{Status: status}); err != nil {
				t.Fatalf("update: %v", err)
			}
		}
	}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total: %d", stats.Total)
	}
	if stats.ByStatus[StatusPending] != 2 || stats.ByStatus[StatusDismissed] != 1 {
		t.Fatalf("by status: %#v", stats.ByStatus)
	}
	// Zero-count statuses still get a key.
	for _, status := range AllStatuses() {
		if _, ok := stats.ByStatus[status]; !ok {
			t.Fatalf("by_status missing %q: %#v", status, stats.ByStatus)
		}
	}
	if stats.ByStatus[StatusActedUpon] != 0 || stats.ByStatus[StatusMonitoring] != 0 {
		t.Fatalf("zero statuses must count zero: %#v", stats.ByStatus)
	}
	if len(stats.Sweeps) != len(sweep.Types()) {
		t.Fatalf("every sweep type is reported: %#v", stats.Sweeps)
	}
	for _, info := range stats.Sweeps {
		if info.Type == sweep.TypeHourly {
			if info.LastRun == nil || !info.LastRun.Equal(ranAt) {
				t.Fatalf("hourly sweep timestamp lost: %#v", info)
			}
		} else if info.LastRun != nil {
			t.Fatalf("never-run sweep must report a null timestamp: %#v", info)
		}
	}
}
