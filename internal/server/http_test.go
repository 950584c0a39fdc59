package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chat4all/chat4all/internal/channel"
	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store/memory"
)

// fakePublisher records published message events and can be forced to fail.
type fakePublisher struct {
	mu     sync.Mutex
	events []model.MessageEvent
	fail   error
}

func (p *fakePublisher) PublishMessage(_ context.Context, ev *model.MessageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, *ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakeStatus records published status events.
type fakeStatus struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *fakeStatus) PublishStatus(_ context.Context, ev *model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

func (p *fakeStatus) Close() error { return nil }

type testEnv struct {
	store     *memory.MemoryStore
	publisher *fakePublisher
	status    *fakeStatus
	server    *IngressServer
	handler   http.Handler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st := memory.New()
	pub := &fakePublisher{}
	status := &fakeStatus{}
	router, err := channel.LoadRouter("")
	if err != nil {
		t.Fatalf("loading router: %v", err)
	}
	srv := New(st, pub, status, router, opts)
	return &testEnv{
		store:     st,
		publisher: pub,
		status:    status,
		server:    srv,
		handler:   srv.NewHTTPHandler("", nil),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) submit(t *testing.T, conv, sender, payload string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/messages", submitInput{
		ConversationID: conv,
		SenderID:       sender,
		Payload:        payload,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp["message_id"]
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (category string) {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp["category"]
}

func TestSubmitMessage(t *testing.T) {
	env := newTestEnv(t, Options{})

	id := env.submit(t, "c1", "u1", "hello")
	if id == "" {
		t.Fatal("empty message_id")
	}

	ctx := context.Background()
	msg, err := env.store.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.ConversationID != "c1" || msg.Payload != "hello" {
		t.Errorf("persisted %+v", msg)
	}

	recs, err := env.store.GetDeliveryRecords(ctx, id)
	if err != nil {
		t.Fatalf("records not persisted: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != model.StatusSent {
		t.Errorf("records = %+v, want one SENT record", recs)
	}

	if env.publisher.count() != 1 {
		t.Errorf("published events = %d, want 1", env.publisher.count())
	}
}

func TestSubmitMessage_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name string
		in   submitInput
	}{
		{"missing conversation", submitInput{SenderID: "u1", Payload: "hi"}},
		{"missing sender", submitInput{ConversationID: "c1", Payload: "hi"}},
		{"empty payload", submitInput{ConversationID: "c1", SenderID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/messages", tt.in)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if cat := decodeError(t, w); cat != categoryInvalidArgument {
				t.Errorf("category = %s, want INVALID_ARGUMENT", cat)
			}
		})
	}

	// Nothing was persisted or published.
	if env.publisher.count() != 0 {
		t.Errorf("published events = %d, want 0", env.publisher.count())
	}
}

func TestSubmitMessage_BadJSON(t *testing.T) {
	env := newTestEnv(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSubmitMessage_BrokerDown(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.publisher.fail = errors.New("nats: no responders")

	w := env.do(t, http.MethodPost, "/v1/messages", submitInput{
		ConversationID: "c1", SenderID: "u1", Payload: "hi",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if cat := decodeError(t, w); cat != categoryUnavailable {
		t.Errorf("category = %s, want UNAVAILABLE", cat)
	}

	// The SENT record survives as a recoverable orphan.
	msgs, err := env.store.ListMessages(context.Background(), model.MessageFilter{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("persisted messages = %d, want 1", len(msgs))
	}
}

func TestSubmitMessage_RateLimited(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 1, RateBurst: 1})
	env.handler = env.server.NewHTTPHandler("", nil)

	env.submit(t, "c1", "u1", "first")

	w := env.do(t, http.MethodPost, "/v1/messages", submitInput{
		ConversationID: "c1", SenderID: "u1", Payload: "second",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	// A different sender is unaffected.
	env.submit(t, "c1", "u2", "other sender")
}

func TestGetMessage(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.submit(t, "c1", "u1", "hello")

	w := env.do(t, http.MethodGet, "/v1/messages/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var msg model.Message
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if msg.ID != id {
		t.Errorf("id = %s, want %s", msg.ID, id)
	}

	w = env.do(t, http.MethodGet, "/v1/messages/msg-missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing message status = %d, want 404", w.Code)
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.submit(t, "c1", "u1", "hello")

	w := env.do(t, http.MethodGet, "/v1/messages/"+id+"/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Records []*model.DeliveryRecord `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Records) != 1 || resp.Records[0].Status != model.StatusSent {
		t.Errorf("records = %+v", resp.Records)
	}

	w = env.do(t, http.MethodGet, "/v1/messages/msg-missing/status", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing message status = %d, want 404", w.Code)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.submit(t, "c1", "u1", "hello")

	ctx := context.Background()
	if err := env.store.AdvanceStatus(ctx, id, channel.DefaultChannel, model.StatusSent, model.StatusRouted, ""); err != nil {
		t.Fatalf("advancing: %v", err)
	}
	if err := env.store.AdvanceStatus(ctx, id, channel.DefaultChannel, model.StatusRouted, model.StatusDelivered, ""); err != nil {
		t.Fatalf("advancing: %v", err)
	}

	w := env.do(t, http.MethodPost, "/v1/messages/"+id+"/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	rec, err := env.store.GetDeliveryRecord(ctx, id, channel.DefaultChannel)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if rec.Status != model.StatusRead {
		t.Errorf("record status = %s, want READ", rec.Status)
	}

	env.status.mu.Lock()
	defer env.status.mu.Unlock()
	if len(env.status.events) != 1 || env.status.events[0].Status != model.StatusRead {
		t.Errorf("status events = %+v, want one READ", env.status.events)
	}
}

func TestMarkRead_EventCarriesSender(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.submit(t, "c1", "alice", "hello")

	ctx := context.Background()
	if err := env.store.AdvanceStatus(ctx, id, channel.DefaultChannel, model.StatusSent, model.StatusRouted, ""); err != nil {
		t.Fatalf("advancing: %v", err)
	}
	if err := env.store.AdvanceStatus(ctx, id, channel.DefaultChannel, model.StatusRouted, model.StatusDelivered, ""); err != nil {
		t.Fatalf("advancing: %v", err)
	}

	w := env.do(t, http.MethodPost, "/v1/messages/"+id+"/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	// User-scoped fan-out keys come from SenderID; a READ event without it
	// would never reach "user:alice" subscribers.
	env.status.mu.Lock()
	defer env.status.mu.Unlock()
	if len(env.status.events) != 1 {
		t.Fatalf("status events = %d, want 1", len(env.status.events))
	}
	if got := env.status.events[0].SenderID; got != "alice" {
		t.Errorf("READ event sender = %q, want %q", got, "alice")
	}
}

func TestMarkRead_SkipsUndelivered(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.submit(t, "c1", "u1", "hello")

	// Record is still SENT; read must not touch it.
	w := env.do(t, http.MethodPost, "/v1/messages/"+id+"/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	rec, err := env.store.GetDeliveryRecord(context.Background(), id, channel.DefaultChannel)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if rec.Status != model.StatusSent {
		t.Errorf("record status = %s, want SENT", rec.Status)
	}
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 0; i < 3; i++ {
		env.submit(t, "c1", "u1", fmt.Sprintf("message %d", i))
	}
	env.submit(t, "c2", "u1", "other conversation")

	w := env.do(t, http.MethodGet, "/v1/conversations/c1/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Messages []*model.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(resp.Messages))
	}

	w = env.do(t, http.MethodGet, "/v1/conversations/c1/messages?limit=2&offset=1", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Errorf("paginated messages = %d, want 2", len(resp.Messages))
	}

	w = env.do(t, http.MethodGet, "/v1/conversations/c1/messages?limit=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, Options{})
	handler := env.server.NewHTTPHandler("secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health without token = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/messages/msg-1", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/messages/msg-1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/messages/msg-1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("valid token = %d, want 404 (auth passed)", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := RecoveryMiddleware(panicking)

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestSenderLimiter_EvictsIdleSenders(t *testing.T) {
	l := newSenderLimiter(1, 1)
	if !l.Allow("u1") {
		t.Fatal("first call should pass")
	}

	l.mu.Lock()
	l.senders["u1"].lastSeen = time.Now().Add(-2 * limiterEvictAfter)
	l.lastSweep = time.Now().Add(-2 * limiterEvictAfter)
	l.mu.Unlock()

	l.Allow("u2")

	l.mu.Lock()
	_, exists := l.senders["u1"]
	l.mu.Unlock()
	if exists {
		t.Error("idle sender not evicted")
	}
}
