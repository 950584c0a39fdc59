package channel

import (
	"context"
	"log/slog"

	"github.com/chat4all/chat4all/internal/model"
)

// LogAdapter writes deliveries to the structured log and always succeeds.
// It stands in for an external connector in development and tests.
type LogAdapter struct {
	name string
}

// NewLogAdapter creates a log adapter.
func NewLogAdapter(name string) *LogAdapter {
	return &LogAdapter{name: name}
}

func (a *LogAdapter) Name() string { return a.name }

func (a *LogAdapter) Send(_ context.Context, msg *model.Message) error {
	slog.Info("channel: delivered",
		"channel", a.name,
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"bytes", len(msg.Payload))
	return nil
}
