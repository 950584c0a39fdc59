package model

import "time"

// MessageEvent is the payload published to the messages stream when a message
// is accepted. Partitioned by conversation_id so that events for the same
// conversation are consumed in publish order.
type MessageEvent struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Channels       []string  `json:"channels"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusEvent is published whenever a DeliveryRecord changes state. It is
// ephemeral: consumed by the fan-out server and never persisted. The field set
// is a compatibility contract shared with downstream consumers.
type StatusEvent struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	Channel        string    `json:"channel"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
