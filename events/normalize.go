package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/livesync/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// wireEnvelope the JSON envelope every transport message is wrapped in
type wireEnvelope struct {
	Kind      string            `json:"kind" validate:"required,oneof=change presence broadcast"`
	Change    *RealtimeEvent    `json:"change,omitempty"`
	Presence  *PresenceDiff     `json:"presence,omitempty"`
	Broadcast *BroadcastMessage `json:"broadcast,omitempty"`
}

// Normalizer converts heterogeneous wire payloads into one of the tagged union
// types RealtimeEvent, PresenceDiff, or BroadcastMessage.
type Normalizer interface {
	// Normalize parse one raw wire payload. The result is exactly one of
	// RealtimeEvent, PresenceDiff, or BroadcastMessage. A malformed payload
	// returns an error; callers drop the message with a logged warning instead
	// of passing the failure into consumer code.
	Normalize(payload []byte) (interface{}, error)
}

// normalizerImpl implements Normalizer
type normalizerImpl struct {
	common.Component
	validate *validator.Validate
}

// GetNormalizerInstance create new wire payload normalizer
func GetNormalizerInstance(instance string) (Normalizer, error) {
	logTags := log.Fields{
		"module": "events", "component": "normalizer", "instance": instance,
	}
	return &normalizerImpl{
		Component: common.Component{LogTags: logTags},
		validate:  validator.New(),
	}, nil
}

// Normalize parse one raw wire payload into a tagged union member
func (n *normalizerImpl) Normalize(payload []byte) (interface{}, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("unparsable wire payload: %w", err)
	}
	if err := n.validate.Struct(&envelope); err != nil {
		return nil, fmt.Errorf("invalid wire envelope: %w", err)
	}
	switch envelope.Kind {
	case "change":
		if envelope.Change == nil {
			return nil, fmt.Errorf("change envelope missing change body")
		}
		event := *envelope.Change
		if err := n.checkChangeShape(event); err != nil {
			return nil, err
		}
		return event, nil
	case "presence":
		if envelope.Presence == nil {
			return nil, fmt.Errorf("presence envelope missing presence body")
		}
		return *envelope.Presence, nil
	case "broadcast":
		if envelope.Broadcast == nil {
			return nil, fmt.Errorf("broadcast envelope missing broadcast body")
		}
		message := *envelope.Broadcast
		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now().UTC()
		}
		return message, nil
	}
	return nil, fmt.Errorf("unknown wire envelope kind '%s'", envelope.Kind)
}

// checkChangeShape enforce the distinction between the change types.
//
// Insert carries only a new value. Update carries a new value and optionally a
// partial old value. Delete carries only an old value.
func (n *normalizerImpl) checkChangeShape(event RealtimeEvent) error {
	switch event.Type {
	case ChangeInsert:
		if event.New == nil {
			return fmt.Errorf("insert event missing new value")
		}
		if event.Old != nil {
			return fmt.Errorf("insert event carries a prior value")
		}
	case ChangeUpdate:
		if event.New == nil {
			return fmt.Errorf("update event missing new value")
		}
	case ChangeDelete:
		if event.Old == nil {
			return fmt.Errorf("delete event missing old value")
		}
		if event.New != nil {
			return fmt.Errorf("delete event carries a new value")
		}
	}
	return nil
}

// ===============================================================================
// Wire payload builders. Used by the transports' test harnesses and by the
// registry when publishing broadcast and presence messages.

// FormatChange serialize a row change into its wire envelope
func FormatChange(event RealtimeEvent) ([]byte, error) {
	return json.Marshal(&wireEnvelope{Kind: "change", Change: &event})
}

// FormatPresence serialize a presence diff into its wire envelope
func FormatPresence(diff PresenceDiff) ([]byte, error) {
	return json.Marshal(&wireEnvelope{Kind: "presence", Presence: &diff})
}

// FormatBroadcast serialize a broadcast message into its wire envelope
func FormatBroadcast(message BroadcastMessage) ([]byte, error) {
	return json.Marshal(&wireEnvelope{Kind: "broadcast", Broadcast: &message})
}
