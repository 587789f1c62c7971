package migration

import (
	"encoding/json"
	"time"
)

// EventKind tags a progress event. The set is closed; subscribers decode
// the payload by kind.
type EventKind string

const (
	EventWorkflowStart     EventKind = "workflow_start"
	EventPhaseEnter        EventKind = "phase_enter"
	EventWorkerThinking    EventKind = "worker_thinking"
	EventToolUse           EventKind = "tool_use"
	EventStageResult       EventKind = "stage_result"
	EventWorkerDone        EventKind = "worker_done"
	EventRetryScheduled    EventKind = "retry_scheduled"
	EventTerminalSuccess   EventKind = "terminal_success"
	EventTerminalFailure   EventKind = "terminal_failure"
	EventTerminalEscalated EventKind = "terminal_escalated"
)

// Terminal reports whether the kind ends the event stream.
func (k EventKind) Terminal() bool {
	switch k {
	case EventTerminalSuccess, EventTerminalFailure, EventTerminalEscalated:
		return true
	}
	return false
}

// TerminalEventKind maps a terminal phase to its event kind.
func TerminalEventKind(p Phase) EventKind {
	switch p {
	case PhaseTerminalSuccess:
		return EventTerminalSuccess
	case PhaseTerminalEscalated:
		return EventTerminalEscalated
	default:
		return EventTerminalFailure
	}
}

// Event is one append-only progress record. Seq is monotonic per migration
// and assigned by the event bus at publish time.
type Event struct {
	MigrationID  string          `json:"migration_id"`
	Seq          uint64          `json:"seq"`
	Kind         EventKind       `json:"kind"`
	SourceWorker string          `json:"source_worker,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TS           time.Time       `json:"ts"`
}

// NewEvent builds an event with a marshaled payload. Marshal failures fall
// back to an empty payload rather than blocking the publisher.
func NewEvent(migrationID string, kind EventKind, sourceWorker string, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return Event{
		MigrationID:  migrationID,
		Kind:         kind,
		SourceWorker: sourceWorker,
		Payload:      raw,
		TS:           time.Now().UTC(),
	}
}
