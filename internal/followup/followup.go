// Package followup tracks actionable events: things the assistant noticed
// in conversations or sweeps that need a human decision or a task.
package followup

import (
	"errors"
	"time"
)

// Event statuses. An event starts pending and moves through the others as
// the user or the assistant acts on it.
const (
	StatusPending    = "pending"
	StatusActedUpon  = "acted_upon"
	StatusDismissed  = "dismissed"
	StatusMonitoring = "monitoring"
)

// DefaultListLimit caps List results when the caller gives no limit.
const DefaultListLimit = 50

var (
	// ErrNotFound is returned for lookups of unknown events.
	ErrNotFound = errors.New("actionable event not found")
	// ErrInvalidStatus marks a status outside the allowed set.
	ErrInvalidStatus = errors.New("invalid event status")
)

// AllStatuses lists the allowed event statuses in lifecycle order.
func AllStatuses() []string {
	return []string{StatusPending, StatusActedUpon, StatusDismissed, StatusMonitoring}
}

// ValidStatus reports whether s is one of the allowed event statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusActedUpon, StatusDismissed, StatusMonitoring:
		return true
	}
	return false
}

// ActionEntry is one line of an event's append-only history.
type ActionEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
}

// Event is one actionable item. LinkedTaskID is nil until a task is
// attached; ActionLog only ever grows.
type Event struct {
	ID             string         `json:"id"`
	SourceChannel  string         `json:"source_channel"`
	SourceID       string         `json:"source_id"`
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`
	Summary        string         `json:"summary"`
	Status         string         `json:"status"`
	LinkedTaskID   *string        `json:"linked_task_id,omitempty"`
	ActionLog      []ActionEntry  `json:"action_log"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Filter narrows List results. Zero values mean no constraint.
type Filter struct {
	Status  string
	Channel string
	Limit   int
}

// Stats aggregates the event backlog for the assistant's self-report.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Sweeps   []SweepInfo    `json:"sweeps"`
}

// SweepInfo is one sweep type's last run, folded into Stats.
type SweepInfo struct {
	Type    string     `json:"type"`
	LastRun *time.Time `json:"last_run,omitempty"`
	Summary string     `json:"summary,omitempty"`
}
