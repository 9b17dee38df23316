package domain

import "time"

// InstanceStatus represents the lifecycle state of a supervised instance.
type InstanceStatus string

// Instance statuses.
const (
	StatusIdle     InstanceStatus = "idle"
	StatusActive   InstanceStatus = "active"
	StatusPaused   InstanceStatus = "paused"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
	StatusError    InstanceStatus = "error"
)

// IsValid reports whether the status is a known value.
func (s InstanceStatus) IsValid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusPaused, StatusStopping, StatusStopped, StatusError:
		return true
	}
	return false
}

// MergeConflict records an unresolved integration conflict for an instance.
type MergeConflict struct {
	DetectedAt time.Time `json:"detectedAt"`
	Branch     string    `json:"branch"`
	Files      []string  `json:"files"`
}

// Instance is one supervised (worker, agent controller) unit tracked by
// the registry. The registry exclusively owns and mutates it.
// Fields are ordered to minimize memory padding.
type Instance struct {
	Created       time.Time
	Controller    AgentController
	Conflict      *MergeConflict
	ID            string
	DisplayName   string
	AgentName     string
	WorkspacePath string // empty = main workspace
	Branch        string // empty = trunk
	CurrentTaskID string
	CurrentTask   string // title of the current task
}
