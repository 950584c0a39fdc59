package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/chat4all/chat4all/internal/model"
)

// Watch opens the status WebSocket and streams status events for the given
// conversation and/or user. The channel closes when the context is canceled
// or the connection drops.
func (c *Client) Watch(ctx context.Context, conversationID, userID string) (<-chan model.StatusEvent, error) {
	wsURL, err := c.watchURL(conversationID, userID)
	if err != nil {
		return nil, err
	}

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing status stream: %w", err)
	}

	events := make(chan model.StatusEvent, 16)
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("watch: status stream closed", "error", err)
				}
				return
			}
			var ev model.StatusEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Debug("watch: skipping malformed event", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Tear the connection down on cancellation so the reader unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return events, nil
}

func (c *Client) watchURL(conversationID, userID string) (string, error) {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "", fmt.Errorf("unsupported base URL %q", c.baseURL)
	}

	q := url.Values{}
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}
	if userID != "" {
		q.Set("user_id", userID)
	}
	wsURL := base + "/v1/status/ws"
	if len(q) > 0 {
		wsURL += "?" + q.Encode()
	}
	return wsURL, nil
}
