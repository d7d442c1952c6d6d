package events

import (
	"encoding/json"
	"time"
)

// ChangeType the kind of row change carried by a RealtimeEvent
type ChangeType string

const (
	// ChangeInsert a new row appeared, no prior value
	ChangeInsert ChangeType = "insert"
	// ChangeUpdate an existing row changed, old value possibly partial
	ChangeUpdate ChangeType = "update"
	// ChangeDelete a row was removed, new value absent
	ChangeDelete ChangeType = "delete"
)

// Row one resource row as delivered on the wire
type Row map[string]interface{}

// RealtimeEvent a normalized row change event. Immutable once constructed,
// one instance per wire message.
type RealtimeEvent struct {
	// Type the kind of change
	Type ChangeType `json:"type" validate:"required,oneof=insert update delete"`
	// Resource the resource this change belongs to
	Resource string `json:"resource"`
	// New the row value after the change
	New Row `json:"new,omitempty"`
	// Old the row value before the change, possibly partial
	Old Row `json:"old,omitempty"`
	// Timestamp when the change was recorded at the source
	Timestamp time.Time `json:"ts"`
}

// PresenceState map of participant ID to that participant's last announced
// status. Last write wins per participant.
type PresenceState map[string]Row

// Clone deep-ish copy of the participant map. Row payloads are shared.
func (s PresenceState) Clone() PresenceState {
	result := make(PresenceState, len(s))
	for participant, status := range s {
		result[participant] = status
	}
	return result
}

// Merge apply a presence diff onto this state
func (s PresenceState) Merge(diff PresenceDiff) {
	for participant, status := range diff.Joins {
		s[participant] = status
	}
	for participant := range diff.Leaves {
		delete(s, participant)
	}
}

// PresenceDiff a change in channel presence
type PresenceDiff struct {
	// Joins participants which joined or re-announced status
	Joins PresenceState `json:"joins,omitempty"`
	// Leaves participants which left
	Leaves PresenceState `json:"leaves,omitempty"`
}

// BroadcastMessage a fire-and-forget message from a channel. Delivered at most
// once while connected, never persisted.
type BroadcastMessage struct {
	// Topic the channel topic the message arrived on
	Topic string `json:"topic"`
	// Event the application defined event name
	Event string `json:"event" validate:"required"`
	// Payload the opaque message body
	Payload json.RawMessage `json:"payload,omitempty"`
	// SenderID optional participant ID of the sender
	SenderID *string `json:"sender,omitempty"`
	// Timestamp when the message was sent
	Timestamp time.Time `json:"ts"`
}
