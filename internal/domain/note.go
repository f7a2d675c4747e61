package domain

import "time"

// NoteEnvelope is the encrypted-at-rest form of a single day's note as it
// lives in the local store. Ciphertext and Nonce are base64.
type NoteEnvelope struct {
	Date            string     `json:"date"`
	RemoteID        string     `json:"remote_id,omitempty"`
	Ciphertext      string     `json:"ciphertext"`
	Nonce           string     `json:"nonce"`
	KeyID           string     `json:"key_id"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Revision        int64      `json:"revision"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
}

// RemoteNote is the row shape stored by the sync server.
type RemoteNote struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Date            string    `json:"date"`
	Ciphertext      string    `json:"ciphertext"`
	Nonce           string    `json:"nonce"`
	KeyID           string    `json:"key_id"`
	Revision        int64     `json:"revision"`
	UpdatedAt       time.Time `json:"updated_at"`
	ServerUpdatedAt time.Time `json:"server_updated_at"`
	Deleted         bool      `json:"deleted"`
}

// PushNoteRequest carries a local envelope to the server. ServerUpdatedAt is
// the optimistic concurrency token: nil means "I believe no row exists yet".
type PushNoteRequest struct {
	ID              string     `json:"id,omitempty"`
	Date            string     `json:"date" validate:"required,daydate"`
	Ciphertext      string     `json:"ciphertext" validate:"required,base64"`
	Nonce           string     `json:"nonce" validate:"required,base64"`
	KeyID           string     `json:"key_id" validate:"required,hexadecimal,len=64"`
	Revision        int64      `json:"revision" validate:"gte=0"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
}

// DeleteNoteRequest identifies the row to tombstone.
type DeleteNoteRequest struct {
	ID   string `json:"id,omitempty"`
	Date string `json:"date" validate:"required,daydate"`
}

type NoteDatesResponse struct {
	Dates []string `json:"dates"`
}

// Envelope converts a server row into its local representation.
func (n *RemoteNote) Envelope() *NoteEnvelope {
	sua := n.ServerUpdatedAt
	return &NoteEnvelope{
		Date:            n.Date,
		RemoteID:        n.ID,
		Ciphertext:      n.Ciphertext,
		Nonce:           n.Nonce,
		KeyID:           n.KeyID,
		UpdatedAt:       n.UpdatedAt,
		Revision:        n.Revision,
		ServerUpdatedAt: &sua,
		Deleted:         n.Deleted,
	}
}

// PushRequest builds the payload that pushes e with its current token.
func (e *NoteEnvelope) PushRequest() *PushNoteRequest {
	return &PushNoteRequest{
		ID:              e.RemoteID,
		Date:            e.Date,
		Ciphertext:      e.Ciphertext,
		Nonce:           e.Nonce,
		KeyID:           e.KeyID,
		Revision:        e.Revision,
		UpdatedAt:       e.UpdatedAt,
		ServerUpdatedAt: e.ServerUpdatedAt,
	}
}
