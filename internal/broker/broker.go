// Package broker wraps the NATS publish/subscribe substrate behind the narrow
// contract the pipeline relies on: a partitioned, explicitly-acknowledged
// messages stream (JetStream) and an ephemeral status subject space (core NATS).
package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/chat4all/chat4all/internal/model"
)

const (
	// MessagesStream is the JetStream stream holding message events.
	MessagesStream = "MESSAGES"

	// messageSubjectPrefix is the subject prefix for the partitioned
	// messages stream; full subjects are "messages.<partition>".
	messageSubjectPrefix = "messages."

	// statusSubjectPrefix is the subject prefix for ephemeral status
	// events; full subjects are "status.<conversation_id>".
	statusSubjectPrefix = "status."

	// StatusWildcard subscribes to status events for all conversations.
	StatusWildcard = "status.>"
)

// Partition maps a conversation ID onto a partition index. All events for one
// conversation land on the same partition, which is what gives the pipeline
// per-conversation ordering.
func Partition(conversationID string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(partitions))
}

// MessageSubject returns the stream subject for a partition index.
func MessageSubject(partition int) string {
	return fmt.Sprintf("%s%d", messageSubjectPrefix, partition)
}

// StatusSubject returns the status subject for a conversation.
func StatusSubject(conversationID string) string {
	return statusSubjectPrefix + conversationID
}

// Delivery is one consumed message event together with its acknowledgment
// controls. Attempt is the broker's delivery count (1 on first delivery).
type Delivery struct {
	Event   model.MessageEvent
	Attempt uint64

	// Ack commits the offset; call only after the record's terminal-or-
	// retry-scheduled state is durably persisted.
	Ack func() error

	// Retry schedules redelivery of this event after the given delay
	// without advancing the offset.
	Retry func(delay time.Duration) error
}

// MessagePublisher publishes message events to the partitioned stream.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, ev *model.MessageEvent) error
	Close() error
}

// MessageConsumer consumes one partition of the messages stream. Processing
// within a partition is strictly sequential; the returned stop function halts
// consumption and waits for the in-flight handler to return.
type MessageConsumer interface {
	ConsumePartition(ctx context.Context, partition int, handler func(Delivery)) (stop func(), err error)
}

// StatusPublisher emits status events for fan-out to subscribed clients.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, ev *model.StatusEvent) error
	Close() error
}

// StatusSubscriber receives raw status event payloads.
type StatusSubscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(subject string) (<-chan []byte, func(), error)
	Close() error
}
