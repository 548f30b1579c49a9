package model

import (
	"time"
)

// Status represents the state of an operation, a cast or a cast step.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProgressing Status = "progressing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal returns true when no further events are expected for the id.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind represents the kind of remote compute work an operation belongs to.
type Kind string

const (
	// KindTool is a single-step execution.
	KindTool Kind = "tool"
	// KindSpell is a step of a multi-step pipeline correlated by a cast id.
	KindSpell Kind = "spell"
)

// Cast represents a composite operation of a fixed number of steps, each an
// operation, correlated by a shared cast id.
type Cast struct {
	ID             string
	TotalSteps     int
	CompletedSteps int
	Status         Status
	LatestPayload  *Event
}

// PendingRecord is the unit tracked for in-flight work and mirrored by the
// recovery ledger so reloads can pick unresolved operations back up.
type PendingRecord struct {
	OperationID  string
	OwnerContext string
	CastID       string
	Kind         Kind
	Status       Status
	Progress     float64
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
