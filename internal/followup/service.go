package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/outpostai/outpost/internal/logger"
	"github.com/outpostai/outpost/internal/sweep"
)

// CreateInput describes a new actionable event.
type CreateInput struct {
	SourceChannel  string         `json:"source_channel" validate:"required"`
	SourceID       string         `json:"source_id" validate:"required"`
	SourceMetadata map[string]any `json:"source_metadata"`
	Summary        string         `json:"summary"`
	Status         string         `json:"status" validate:"omitempty,oneof=pending acted_upon dismissed monitoring"`
	LinkedTaskID   string         `json:"linked_task_id"`
}

// UpdateInput carries a status change and/or a task link change. TaskID is
// a pointer so absence, empty string, and a value are three distinct
// inputs: nil leaves the link alone, "" detaches, anything else attaches.
type UpdateInput struct {
	Status string  `json:"status,omitempty" validate:"omitempty,oneof=pending acted_upon dismissed monitoring"`
	TaskID *string `json:"task_id,omitempty"`
	Note   string  `json:"note,omitempty"`
}

// Service validates and applies event operations, and builds the stats
// report the assistant exposes.
type Service struct {
	store    Store
	sweeps   sweep.Reader
	validate *validator.Validate
	log      *slog.Logger
}

// NewService builds the event service. sweeps may be nil in tests; Stats
// then reports no sweep information.
func NewService(store Store, sweeps sweep.Reader) *Service {
	return &Service{
		store:    store,
		sweeps:   sweeps,
		validate: validator.New(),
		log:      logger.L.With(slog.String("service", "followup")),
	}
}

// Create records a new event. It starts pending with an empty action log
// and no linked task.
func (s *Service) Create(ctx context.Context, input CreateInput) (Event, error) {
	if err := s.validate.Struct(input); err != nil {
		return Event{}, fmt.Errorf("validate event: %w", err)
	}
	record := Event{
		SourceChannel:  input.SourceChannel,
		SourceID:       input.SourceID,
		SourceMetadata: input.SourceMetadata,
		Summary:        input.Summary,
		Status:         input.Status,
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	if input.LinkedTaskID != "" {
		record.LinkedTaskID = &input.LinkedTaskID
	}
	event, err := s.store.Create(ctx, record)
	if err != nil {
		return Event{}, err
	}
	s.log.Info("event created",
		slog.String("event_id", event.ID),
		slog.String("channel", event.SourceChannel))
	return event, nil
}

// Get returns one event by ID.
func (s *Service) Get(ctx context.Context, id string) (Event, error) {
	return s.store.Get(ctx, id)
}

// List returns events matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Event, error) {
	if filter.Status != "" && !ValidStatus(filter.Status) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	return s.store.List(ctx, filter)
}

// Update applies a status change and/or a task link change, appending one
// action log entry per change. The log is append-only: nothing here ever
// rewrites past entries.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (Event, error) {
	if err := s.validate.Struct(input); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}

	event, err := s.store.Get(ctx, id)
	if err != nil {
		return Event{}, err
	}

	now := time.Now().UTC()
	if input.Status != "" && input.Status != event.Status {
		entry := ActionEntry{
			At:     now,
			Action: fmt.Sprintf("status: %s -> %s", event.Status, input.Status),
			Note:   input.Note,
		}
		event, err = s.store.UpdateStatus(ctx, id, input.Status, entry)
		if err != nil {
			return Event{}, err
		}
	}
	if input.TaskID != nil {
		// Empty string is the detach sentinel: the stored link becomes
		// null, not "".
		var taskID *string
		action := "task unlinked"
		if *input.TaskID != "" {
			taskID = input.TaskID
			action = "task linked: " + *input.TaskID
		}
		entry := ActionEntry{At: now, Action: action, Note: input.Note}
		event, err = s.store.SetLinkedTask(ctx, id, taskID, entry)
		if err != nil {
			return Event{}, err
		}
	}
	return event, nil
}

// Stats aggregates event counts by status and folds in each sweep type's
// last run.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	// Every status key is present even at zero, so consumers can index
	// the map without existence checks.
	byStatus := make(map[string]int, len(AllStatuses()))
	for _, status := range AllStatuses() {
		byStatus[status] = counts[status]
	}
	stats := Stats{ByStatus: byStatus}
	for _, n := range byStatus {
		stats.Total += n
	}

	if s.sweeps != nil {
		for _, sweepType := range sweep.Types() {
			info := SweepInfo{Type: sweepType}
			run, err := s.sweeps.GetLast(ctx, sweepType)
			switch {
			case err == nil:
				at := run.RanAt
				info.LastRun = &at
				info.Summary = run.Summary
			case errors.Is(err, sweep.ErrNoRun):
				// Never ran yet; reported with a null timestamp.
			default:
				return Stats{}, err
			}
			stats.Sweeps = append(stats.Sweeps, info)
		}
	}
	return stats, nil
}
