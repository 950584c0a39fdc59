// Package client is the Go client for the chat4all HTTP API, used by the c4
// CLI commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/chat4all/chat4all/internal/model"
)

// Client talks to a chat4all server over HTTP/JSON.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *Client) Close() error { return nil }

// SubmitResponse is the acknowledgment returned by Submit.
type SubmitResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Submit sends a message and returns the server's SENT acknowledgment.
func (c *Client) Submit(ctx context.Context, conversationID, senderID, payload string, metadata map[string]string) (*SubmitResponse, error) {
	req := map[string]any{
		"conversation_id": conversationID,
		"sender_id":       senderID,
		"payload":         payload,
	}
	if len(metadata) > 0 {
		req["metadata"] = metadata
	}
	var resp SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMessage fetches one message by ID.
func (c *Client) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	if err := c.doJSON(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(id), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns conversation history, newest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*model.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Messages []*model.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// GetStatus returns the per-channel delivery records of a message.
func (c *Client) GetStatus(ctx context.Context, id string) ([]*model.DeliveryRecord, error) {
	var resp struct {
		Records []*model.DeliveryRecord `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/messages/"+url.PathEscape(id)+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// MarkRead advances the message's delivered records to READ.
func (c *Client) MarkRead(ctx context.Context, id string) ([]*model.DeliveryRecord, error) {
	var resp struct {
		Records []*model.DeliveryRecord `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(id)+"/read", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Category   string
	Message    string
}

func (e *APIError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("HTTP %d [%s]: %s", e.StatusCode, e.Category, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the
// JSON response. If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error    string `json:"error"`
			Category string `json:"category"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Category: errResp.Category, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
