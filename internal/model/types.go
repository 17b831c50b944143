package model

import "time"

// EventType classifies the impact of a scheduled event.
type EventType string

const (
	TypeFreeze   EventType = "Freeze"
	TypeReboot   EventType = "Reboot"
	TypeRedeploy EventType = "Redeploy"
	TypePreempt  EventType = "Preempt"
)

// EventSource identifies who initiated the event.
type EventSource string

const (
	SourcePlatform EventSource = "Platform"
	SourceUser     EventSource = "User"
)

const (
	StatusScheduled = "Scheduled"
	StatusStarted   = "Started"
	StatusCompleted = "Completed"
	StatusCanceled  = "Canceled"
)

// ResourceTypeVM is the only resource type the protocol reports.
const ResourceTypeVM = "VirtualMachine"

// DefaultResource is used when the operator never supplied a resource list.
const DefaultResource = "vmss_vm1"

// DurationUnknown is the DurationInSeconds value for events whose impact
// duration is not applicable or not known in advance.
const DurationUnknown = -1

// StatusDwell is one entry of a scenario's ordered status sequence: the
// status name and how many playback ticks the event dwells in it before
// auto-advancing.
type StatusDwell struct {
	Status string
	Dwell  int
}

// ScenarioDefinition is an immutable catalog entry describing one kind of
// maintenance or eviction event and its status timeline. Sequence order
// defines the only legal transition order for instances of the scenario.
type ScenarioDefinition struct {
	Name                string
	EventType           EventType
	EventSource         EventSource
	Description         string
	ScenarioDescription string
	DurationInSeconds   int
	NotBeforeDelay      time.Duration
	Sequence            []StatusDwell
}

// FirstStatus returns the sequence head, the only status from which an
// external confirmation may advance the event.
func (s ScenarioDefinition) FirstStatus() string {
	if len(s.Sequence) == 0 {
		return ""
	}
	return s.Sequence[0].Status
}

// StatusIndex returns the position of status in the sequence, or -1.
func (s ScenarioDefinition) StatusIndex(status string) int {
	for i, sd := range s.Sequence {
		if sd.Status == status {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether an instance at status never transitions
// again: the last sequence entry, plus Completed and Canceled wherever
// they appear.
func (s ScenarioDefinition) IsTerminal(status string) bool {
	if status == StatusCompleted || status == StatusCanceled {
		return true
	}
	n := len(s.Sequence)
	return n > 0 && s.Sequence[n-1].Status == status
}

// EventInstance is the single live event of the current document. The
// identifier is stable for the life of the instance; only Status and
// NotBefore mutate, and only forward along the scenario sequence.
type EventInstance struct {
	EventID   string
	Scenario  string
	Status    string
	NotBefore time.Time
	Resources []string
	CreatedAt time.Time
}

// PreemptRecord is the durable record written when a preempt
// (eviction) event is observed, enriched with the identity of the
// affected instance.
type PreemptRecord struct {
	RowKey         string
	EventID        string
	EventType      string
	Description    string
	Resources      []string
	DetectedAt     time.Time
	VMName         string
	SubscriptionID string
	ResourceGroup  string
	CreatedAt      time.Time
}

// Error codes defined by the control API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
)
