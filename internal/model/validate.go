package model

import (
	"errors"
	"fmt"
)

// MaxPayloadBytes caps the size of a message payload accepted at ingress.
const MaxPayloadBytes = 64 * 1024

// ErrInvalid is wrapped by all validation failures.
var ErrInvalid = errors.New("invalid message")

// Validate checks the fields a client must supply on submission.
// ID and CreatedAt are assigned by the server and are not checked here.
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalid)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: sender_id is required", ErrInvalid)
	}
	if m.Payload == "" {
		return fmt.Errorf("%w: payload is required", ErrInvalid)
	}
	if len(m.Payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalid, MaxPayloadBytes)
	}
	return nil
}
