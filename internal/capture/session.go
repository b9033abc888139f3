package capture

import "time"

// State is the controller's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateCapturing State = "capturing"
	StateStopping  State = "stopping"
)

// Session is the single capture session owned by a Controller. All fields are
// guarded by the controller's mutex.
type Session struct {
	ID         string
	State      State
	Active     bool
	ViewportID string
	TabID      string
	Settings   Settings
	StartedAt  time.Time

	// PageCount is the number of pages written in this session.
	PageCount int
	// Retries counts duplicate re-turns for the current logical page.
	Retries int
}

// Status is the externally visible controller state.
type Status struct {
	Active           bool   `json:"active"`
	State            State  `json:"state"`
	SessionID        string `json:"session_id,omitempty"`
	SessionPageCount int    `json:"session_page_count"`
	TotalPages       int    `json:"total_pages"`
	Title            string `json:"title,omitempty"`
	LastMessage      string `json:"last_message"`
}

// Reason explains why a session ended.
type Reason string

const (
	ReasonStopped   Reason = "stopped"
	ReasonEndOfBook Reason = "end_of_book"
)

// Summary is passed to the hand-off collaborator when a session ends
// normally.
type Summary struct {
	SessionID string
	Settings  Settings
	PageCount int
	Title     string
	Reason    Reason
}
