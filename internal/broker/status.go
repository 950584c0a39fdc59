package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chat4all/chat4all/internal/model"
)

// NATSStatusPublisher publishes status events to core NATS subjects. Status
// events are ephemeral: clients that miss one fetch current state through the
// status query endpoint instead of replay.
type NATSStatusPublisher struct {
	conn *nats.Conn
}

var _ StatusPublisher = (*NATSStatusPublisher)(nil)

func NewNATSStatusPublisher(url string) (*NATSStatusPublisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSStatusPublisher{conn: nc}, nil
}

func (p *NATSStatusPublisher) PublishStatus(_ context.Context, ev *model.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling status event: %w", err)
	}
	return p.conn.Publish(StatusSubject(ev.ConversationID), data)
}

func (p *NATSStatusPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSStatusSubscriber subscribes to status events from NATS subjects.
type NATSStatusSubscriber struct {
	conn *nats.Conn
}

var _ StatusSubscriber = (*NATSStatusSubscriber)(nil)

// NewNATSStatusSubscriber connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSStatusSubscriber(url string, opts ...nats.Option) (*NATSStatusSubscriber, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSStatusSubscriber{conn: nc}, nil
}

// Subscribe returns a channel that receives raw event payloads for the given
// subject (supports NATS wildcards like "status.>"). Call the returned cancel
// function to unsubscribe and close the channel.
func (s *NATSStatusSubscriber) Subscribe(subject string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			// Drop message if channel is full to avoid blocking the NATS client.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

func (s *NATSStatusSubscriber) Close() error {
	s.conn.Close()
	return nil
}
