package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of mutation a change log entry records.
// Single-letter values are the wire format shared with the central server.
type Action string

const (
	ActionCreated Action = "C"
	ActionUpdated Action = "U"
	ActionDeleted Action = "D"
)

// Valid reports whether a is one of the three known mutation kinds.
func (a Action) Valid() bool {
	return a == ActionCreated || a == ActionUpdated || a == ActionDeleted
}

// Status tracks a change log entry through its outbox lifecycle:
// Pending -> Sent -> Acknowledged, with Failed as the retry branch.
type Status string

const (
	StatusPending      Status = "P"
	StatusSent         Status = "S"
	StatusFailed       Status = "F"
	StatusAcknowledged Status = "A"
)

// ChangeLogEntry is one row of the local outbox: a durable record of a
// single create/update/delete on a synchronizable entity, kept until the
// central server acknowledges it.
type ChangeLogEntry struct {
	ID           int64           `db:"id"`
	EventID      uuid.UUID       `db:"event_uuid"`
	EntityType   string          `db:"entity_type"`
	ObjectID     string          `db:"object_id"`
	Action       Action          `db:"action"`
	Payload      json.RawMessage `db:"data_payload"`
	Status       Status          `db:"status"`
	RetryCount   int             `db:"retry_count"`
	ErrorMessage *string         `db:"error_message"`
	Timestamp    time.Time       `db:"timestamp"`
	SentAt       *time.Time      `db:"sent_at"`
}

// EstimateBytes approximates the in-flight size of the entry for batch
// memory telemetry. Payload dominates; the fixed fields are a rough constant.
func (e *ChangeLogEntry) EstimateBytes() int {
	return len(e.Payload) + len(e.EntityType) + len(e.ObjectID) + 96
}

// RemoteChange is one inbound change delivered by the central server.
// It is ephemeral: applied to the local store and acknowledged by ID,
// never persisted as its own record.
type RemoteChange struct {
	ID       string         `json:"id"`
	Model    string         `json:"model"`
	ObjectID string         `json:"object_id"`
	Action   Action         `json:"action"`
	Payload  map[string]any `json:"data_payload"`
}

// PendingResponse is the body of the central server's get-pending endpoint.
// PendingChanges arrive in server-side causal order and must be applied in
// that order. AcknowledgedEvents are event UUIDs this node previously pushed
// that the server now confirms as durably processed.
type PendingResponse struct {
	PendingChanges     []RemoteChange `json:"pending_changes"`
	AcknowledgedEvents []string       `json:"acknowledged_events"`
}

// PushItem is one outbound change in a push batch.
type PushItem struct {
	EventUUID string          `json:"event_uuid"`
	Model     string          `json:"model"`
	ObjectID  string          `json:"object_id"`
	Action    Action          `json:"action"`
	Payload   json.RawMessage `json:"data_payload"`
}
