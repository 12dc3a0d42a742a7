package domain

import "time"

// DeploymentStatus enumerates the lifecycle states of a deployment.
type DeploymentStatus string

// Deployment lifecycle states. A deployment walks pending → cloning →
// building → starting → checking → running; failed and stopped are sinks.
const (
	StatusPending  DeploymentStatus = "pending"
	StatusCloning  DeploymentStatus = "cloning"
	StatusBuilding DeploymentStatus = "building"
	StatusStarting DeploymentStatus = "starting"
	StatusChecking DeploymentStatus = "checking"
	StatusRunning  DeploymentStatus = "running"
	StatusFailed   DeploymentStatus = "failed"
	StatusStopped  DeploymentStatus = "stopped"
)

// Active reports whether the status is a non-terminal pipeline state.
func (s DeploymentStatus) Active() bool {
	switch s {
	case StatusPending, StatusCloning, StatusBuilding, StatusStarting, StatusChecking:
		return true
	}
	return false
}

// Terminal reports whether the status is a sink. A running deployment is
// terminal for the pipeline even though its container keeps serving; it can
// still move to stopped when superseded.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusRunning, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether the status graph permits moving from one
// status to another. No stage may be skipped; pending → starting is the
// single exception, used by rollbacks that reuse an already built image.
func CanTransition(from, to DeploymentStatus) bool {
	switch to {
	case StatusCloning:
		return from == StatusPending
	case StatusBuilding:
		return from == StatusCloning
	case StatusStarting:
		return from == StatusBuilding || from == StatusPending
	case StatusChecking:
		return from == StatusStarting
	case StatusRunning:
		return from == StatusChecking
	case StatusFailed:
		return from.Active()
	case StatusStopped:
		return from.Active() || from == StatusRunning
	}
	return false
}

// Deployment captures a single attempt to bring an app to a running state.
type Deployment struct {
	ID             string
	AppID          string
	Status         DeploymentStatus
	Image          string
	ContainerID    *string
	HadRun         bool
	RolledBackFrom *string
	ErrorMessage   string
	StartedAt      time.Time
	FinishedAt     *time.Time
	UpdatedAt      time.Time
}

// RollbackEligible reports whether this deployment may serve as a rollback
// target: it must have been superseded after previously reaching running.
func (d Deployment) RollbackEligible() bool {
	return d.Status == StatusStopped && d.HadRun
}

// TransitionFields carries the mutable columns written alongside a status
// transition. Nil pointers leave the stored value untouched.
type TransitionFields struct {
	ContainerID  *string
	ErrorMessage string
	FinishedAt   *time.Time
	HadRun       bool
}

// DeploymentLogLine is one entry of a deployment's append-only pipeline
// narrative, ordered by ID within the deployment.
type DeploymentLogLine struct {
	ID           int64
	DeploymentID string
	Level        string
	Message      string
	CreatedAt    time.Time
}
