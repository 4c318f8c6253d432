package queue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the client-side lifecycle of a tracked item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status. The service's "running"
// and "pending" spellings are accepted as aliases.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case "":
		return "", false
	case "pending":
		return StatusQueued, true
	case "running", "in_progress":
		return StatusProcessing, true
	case "canceled":
		return StatusCancelled, true
	case "error":
		return StatusFailed, true
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether no further progress is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Item is the client-side record of one tracked evaluation item.
type Item struct {
	LocalID         string
	RemoteJobID     string
	RemoteItemID    string
	Status          Status
	CurrentStageID  string
	ProgressPercent int
	StatusMessage   string
	ErrorMessage    string
	Result          json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsBound reports whether the item has been associated with a remote job.
func (i Item) IsBound() bool {
	return i.RemoteJobID != ""
}

func (i Item) clone() Item {
	if i.Result != nil {
		i.Result = append(json.RawMessage(nil), i.Result...)
	}
	return i
}

// Update is a partial write against an Item. Zero values leave fields untouched.
type Update struct {
	Status       Status
	StageID      string
	Percent      *int
	Message      string
	ErrorMessage string
	Result       json.RawMessage
}

// Percent returns a pointer for Update.Percent.
func Percent(v int) *int {
	return &v
}

// HealthSummary describes aggregated counts per lifecycle state.
type HealthSummary struct {
	Total      int
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}
