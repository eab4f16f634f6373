package models

import "time"

// PauseMode selects how workers behave while paused.
type PauseMode string

const (
	PauseModeDrain   PauseMode = "drain"
	PauseModeQuiesce PauseMode = "quiesce"
)

// Valid reports whether m is a known mode.
func (m PauseMode) Valid() bool {
	return m == PauseModeDrain || m == PauseModeQuiesce
}

// PauseAction is an operator request against the pause state.
type PauseAction string

const (
	ActionPause  PauseAction = "pause"
	ActionResume PauseAction = "resume"
)

// PauseState is the singleton worker pause record.
type PauseState struct {
	Paused      bool       `json:"workersPaused"`
	Mode        *PauseMode `json:"mode"`
	Reason      *string    `json:"reason"`
	Version     int64      `json:"version"`
	RequestedBy *string    `json:"requestedBy"`
	RequestedAt *time.Time `json:"requestedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Quiescing reports whether running work should hold at its next checkpoint.
func (p PauseState) Quiescing() bool {
	return p.Paused && p.Mode != nil && *p.Mode == PauseModeQuiesce
}

// PauseRequest is a validated transition handed to the repository.
type PauseRequest struct {
	Action PauseAction
	Mode   PauseMode
	Reason string
	Actor  string
	Forced bool
}

// ControlEvent is an append-only audit row for pause and resume actions.
type ControlEvent struct {
	ID        string      `json:"id"`
	Action    PauseAction `json:"action"`
	Mode      *PauseMode  `json:"mode"`
	Reason    string      `json:"reason"`
	Actor     *string     `json:"actor"`
	Forced    bool        `json:"forced"`
	CreatedAt time.Time   `json:"createdAt"`
}
