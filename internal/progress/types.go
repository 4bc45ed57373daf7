package progress

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether a session in this status can no longer be mutated.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Session is the tracked lifecycle of one long-running operation. The id is
// caller-generated so a client can agree on it before the task starts.
type Session struct {
	ID              string
	OwnerID         string
	TotalSteps      int
	CurrentStepID   string
	CurrentMessage  string
	CurrentProgress int
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Snapshot is the full current state of a session as returned to readers.
type Snapshot struct {
	SessionID       string    `json:"session_id"`
	OwnerID         string    `json:"owner_id,omitempty"`
	TotalSteps      int       `json:"total_steps"`
	CurrentStepID   string    `json:"current_step_id,omitempty"`
	CurrentMessage  string    `json:"current_message,omitempty"`
	CurrentProgress int       `json:"current_progress"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Summary is the cheap status view for dashboards that only need to decide
// whether to keep polling.
type Summary struct {
	SessionID  string `json:"session_id"`
	Status     Status `json:"status"`
	TotalSteps int    `json:"total_steps"`
	IsActive   bool   `json:"is_active"`
}

type EventType string

const (
	EventStarted   EventType = "progress_started"
	EventAdvanced  EventType = "progress_advanced"
	EventCompleted EventType = "progress_completed"
	EventFailed    EventType = "progress_failed"
	EventExpired   EventType = "progress_expired"

	// EventSnapshot is not produced by mutations; the push endpoint sends
	// it as the opening frame so a subscriber starts from current state.
	EventSnapshot EventType = "progress_snapshot"
)

// Event is the payload delivered to push subscribers after each mutation.
// It always carries the post-mutation snapshot, so a subscriber that misses
// intermediate events still ends on the latest state.
type Event struct {
	Type     EventType `json:"type"`
	Snapshot Snapshot  `json:"snapshot"`
	At       time.Time `json:"at"`
}

// Terminal reports whether this event ends the session's stream.
func (e Event) Terminal() bool {
	return e.Snapshot.Status.Terminal()
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		SessionID:       s.ID,
		OwnerID:         s.OwnerID,
		TotalSteps:      s.TotalSteps,
		CurrentStepID:   s.CurrentStepID,
		CurrentMessage:  s.CurrentMessage,
		CurrentProgress: s.CurrentProgress,
		Status:          s.Status,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}
