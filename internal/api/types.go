// Package api defines the wire types of the scheduled-events metadata
// protocol and of the simulator's operator control API.
package api

import "time"

// NotBeforeFormat is the RFC3339-with-Z layout the protocol uses for
// the NotBefore field.
const NotBeforeFormat = "2006-01-02T15:04:05Z"

// ScheduledEvent is one event as projected onto the wire. NotBefore is
// an empty string, never absent, when the event is past its pending
// status.
type ScheduledEvent struct {
	EventID           string   `json:"EventId"`
	EventStatus       string   `json:"EventStatus"`
	EventType         string   `json:"EventType"`
	ResourceType      string   `json:"ResourceType"`
	Resources         []string `json:"Resources"`
	EventSource       string   `json:"EventSource"`
	NotBefore         string   `json:"NotBefore"`
	Description       string   `json:"Description"`
	DurationInSeconds int      `json:"DurationInSeconds"`
}

// EventsDocument is the response of both the query and confirm
// operations. Clients compare DocumentIncarnation to detect change.
type EventsDocument struct {
	DocumentIncarnation int64            `json:"DocumentIncarnation"`
	Events              []ScheduledEvent `json:"Events"`
}

// StartRequest names one event to confirm (advance early).
type StartRequest struct {
	EventID string `json:"EventId"`
}

// ConfirmRequest is the confirm operation's request body.
type ConfirmRequest struct {
	StartRequests []StartRequest `json:"StartRequests"`
}

// Control API envelopes.

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type ScenarioItem struct {
	Name                string   `json:"name"`
	EventType           string   `json:"event_type"`
	EventSource         string   `json:"event_source"`
	Description         string   `json:"description"`
	ScenarioDescription string   `json:"scenario_description"`
	DurationInSeconds   int      `json:"duration_in_seconds"`
	Statuses            []string `json:"statuses"`
}

type ScenariosEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Scenarios     []ScenarioItem `json:"scenarios"`
}

type StateResponse struct {
	SchemaVersion  string          `json:"schema_version"`
	GeneratedAt    time.Time       `json:"generated_at"`
	ArmedScenario  string          `json:"armed_scenario,omitempty"`
	PlaybackActive bool            `json:"playback_active"`
	Document       *EventsDocument `json:"document,omitempty"`
}
