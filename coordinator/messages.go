// Package coordinator connects to the backend notification stream over
// WebSocket and routes each message type to a handler. Operation events are
// handed to the reconciler; data-changed notifications trigger refreshes.
package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the types of messages on the backend stream.
type MessageType string

const (
	// backend → client
	MessageTypeOperationEvent    MessageType = "operation-event"
	MessageTypeAddonDataUpdated  MessageType = "addon-data-updated"
	MessageTypeAddonDiskUpdated  MessageType = "addon-disk-updated"
	MessageTypeUpdateAllComplete MessageType = "update-all-complete"
	MessageTypeInstallEvent      MessageType = "install-event"
	MessageTypePing              MessageType = "ping"

	// client → backend
	MessageTypePong MessageType = "pong"
)

// WSMessage is the envelope of every stream message.
type WSMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a new WSMessage with the given type.
func NewMessage(msgType MessageType) *WSMessage {
	return &WSMessage{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
}

// JSON serializes the message to JSON bytes.
func (m *WSMessage) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a JSON message. A message without a type is
// rejected.
func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &msg, nil
}

// SetPayload sets the payload from a typed value.
func (m *WSMessage) SetPayload(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.Payload = data
	return nil
}

// DecodePayload unmarshals the payload into target.
func (m *WSMessage) DecodePayload(target interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, target)
}
