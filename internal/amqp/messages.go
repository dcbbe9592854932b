package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cashmanager/internal/core"
)

// messageVersion is bumped when AuthEventMessage changes incompatibly.
// Version 1 carried the raw session id; its events are still accepted
// and the id is discarded on decode.
const (
	messageVersion       = 2
	oldestMessageVersion = 1
)

// AuthEventMessage is the wire form of an auth event.
type AuthEventMessage struct {
	Version     int            `json:"version"`
	Event       core.AuthEvent `json:"event"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// NewAuthEventMessage wraps an event for publishing.
func NewAuthEventMessage(e core.AuthEvent) *AuthEventMessage {
	return &AuthEventMessage{
		Version:     messageVersion,
		Event:       e,
		PublishedAt: time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *AuthEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// AuthEventMessageFromJSON decodes and validates a delivered message.
func AuthEventMessageFromJSON(data []byte) (*AuthEventMessage, error) {
	var msg AuthEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Version < oldestMessageVersion || msg.Version > messageVersion {
		return nil, fmt.Errorf("unsupported message version %d", msg.Version)
	}
	if msg.Event.ID == "" {
		return nil, errors.New("event id is required")
	}
	if !msg.Event.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", msg.Event.Type)
	}
	return &msg, nil
}
