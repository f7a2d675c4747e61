package websocket

import (
	"encoding/json"
	"time"

	"dailyvault/internal/domain"
)

type MessageType string

const (
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
	TypeNoteUpdate   MessageType = "note_update"
	TypeNoteDelete   MessageType = "note_delete"
	TypeError        MessageType = "error"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SyncRequestPayload asks for every row stamped after Since.
type SyncRequestPayload struct {
	Since time.Time `json:"since"`
}

type SyncResponsePayload struct {
	Notes    []*domain.RemoteNote `json:"notes"`
	SyncTime time.Time            `json:"sync_time"`
}

// NoteChangedPayload announces an accepted write. It never carries the
// ciphertext: receivers pull the row through the regular API.
type NoteChangedPayload struct {
	Date            string    `json:"date"`
	Revision        int64     `json:"revision"`
	ServerUpdatedAt time.Time `json:"server_updated_at"`
	Deleted         bool      `json:"deleted"`
	DeviceID        string    `json:"device_id,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
