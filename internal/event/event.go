// Package event defines the append-only log at the core of the runtime.
// Every write enters the system as an event row; projections are updated
// by an Applier inside the same transaction as the append, so a reader
// never observes an event without its projection or vice versa.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Event types. The data column holds the matching payload struct below.
const (
	TypeAgentRegistered   = "agent_registered"
	TypeAgentActive       = "agent_active"
	TypeMessageSent       = "message_sent"
	TypeMessageRead       = "message_read"
	TypeMessageAcked      = "message_acked"
	TypeFileReserved      = "file_reserved"
	TypeFileReleased      = "file_released"
	TypeCellCreated       = "cell_created"
	TypeCellUpdated       = "cell_updated"
	TypeCellStatusChanged = "cell_status_changed"
	TypeCellClosed        = "cell_closed"
	TypeCellDeleted       = "cell_deleted"
	TypeCellImported      = "cell_imported"
	TypeCellCommented     = "cell_commented"
	TypeCellLabeled       = "cell_labeled"
	TypeDependencyAdded   = "dependency_added"
	TypeDependencyRemoved = "dependency_removed"
	TypeEpicCreated       = "epic_created"
	TypeSwarmCheckpointed = "swarm_checkpointed"
	TypeSwarmCompleted    = "swarm_completed"
	TypeDecisionRecorded  = "decision_recorded"
	TypeDecisionLinked    = "decision_linked"
	TypeMemoryStored      = "memory_stored"
	TypeMemoryUpdated     = "memory_updated"
	TypeMemoryDeleted     = "memory_deleted"
	TypeMemoryValidated   = "memory_validated"
	TypeMemoryFound       = "memory_found"
)

// Event is one row of the log. ID is the database sequence and total
// order within a project; EventID is the globally unique idempotency key.
type Event struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	ProjectKey  string          `json:"project_key"`
	TimestampMS int64           `json:"timestamp_ms"`
	Data        json.RawMessage `json:"data"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMS).UTC()
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &swarmerr.ProjectionError{EventType: e.Type, EventID: e.EventID, Err: err}
	}
	return nil
}

// New builds an unappended event stamped with the current time. The
// event id is assigned at append unless the caller supplies one.
func New(projectKey, typ string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, &swarmerr.ValidationError{Op: "event.new", Msg: "payload not serializable: " + err.Error()}
	}
	return Event{
		Type:        typ,
		ProjectKey:  projectKey,
		TimestampMS: time.Now().UnixMilli(),
		Data:        data,
	}, nil
}

// ValidEventID accepts the native evt_<ULID> form and plain UUIDs so
// callers with their own idempotency keys can reuse them.
func ValidEventID(id string) bool {
	if rest, ok := strings.CutPrefix(id, "evt_"); ok {
		_, err := ulid.Parse(rest)
		return err == nil
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func ensureEventID(ev *Event) error {
	if ev.EventID == "" {
		ev.EventID = identity.GenerateEventID()
		return nil
	}
	if !ValidEventID(ev.EventID) {
		return &swarmerr.ValidationError{Op: "event.append", Msg: "event id must be evt_<ULID> or a UUID: " + ev.EventID}
	}
	return nil
}
