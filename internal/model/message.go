package model

import (
	"time"
)

// Message is a chat message accepted by the ingress service. Messages are
// immutable once created; message_id is the deduplication key for the whole
// pipeline.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Payload        string            `json:"payload"`
	Channels       []string          `json:"channels"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// DeliveryRecord tracks the delivery status of one message on one channel.
// The store row is the system of record; any cached copy is advisory.
type DeliveryRecord struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Status         Status    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MessageFilter selects messages for listing and export.
type MessageFilter struct {
	ConversationID string
	Limit          int
	Offset         int
}
