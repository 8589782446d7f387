package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for all duplex-channel traffic, in both directions.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
}

// NewMessage creates a Message with a generated ID and current timestamp.
func NewMessage(msgType string, data interface{}) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.NewString(),
	}, nil
}

// ParseData unmarshals the message data into the given target.
func (m *Message) ParseData(target interface{}) error {
	return json.Unmarshal(m.Data, target)
}

// Marshal serializes the message to JSON bytes.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// APIResponse is the body shape every HTTP endpoint responds with.
type APIResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    string          `json:"code,omitempty"`
}
