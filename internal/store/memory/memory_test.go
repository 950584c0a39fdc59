package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

func newRecord(msgID, channel string, status model.Status) *model.DeliveryRecord {
	now := time.Now().UTC()
	return &model.DeliveryRecord{
		MessageID:      msgID,
		ConversationID: "c1",
		Channel:        channel,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	msg := &model.Message{
		ID:             "msg-1",
		ConversationID: "c1",
		SenderID:       "u1",
		Payload:        "hello",
		Channels:       []string{"chA"},
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}
	if err := s.CreateMessage(ctx, msg); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("second CreateMessage() = %v, want ErrDuplicate", err)
	}

	got, err := s.GetMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.Payload != "hello" {
		t.Errorf("Payload = %q, want %q", got.Payload, "hello")
	}

	if _, err := s.GetMessage(ctx, "msg-nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetMessage(missing) = %v, want ErrNotFound", err)
	}
}

func TestAdvanceStatusCAS(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateDeliveryRecord(ctx, newRecord("msg-1", "chA", model.StatusSent)); err != nil {
		t.Fatalf("CreateDeliveryRecord() error: %v", err)
	}

	if err := s.AdvanceStatus(ctx, "msg-1", "chA", model.StatusSent, model.StatusRouted, ""); err != nil {
		t.Fatalf("AdvanceStatus(SENT->ROUTED) error: %v", err)
	}

	// Same CAS again must fail: stored status is now ROUTED.
	err := s.AdvanceStatus(ctx, "msg-1", "chA", model.StatusSent, model.StatusRouted, "")
	if !errors.Is(err, store.ErrStaleStatus) {
		t.Fatalf("repeated AdvanceStatus = %v, want ErrStaleStatus", err)
	}

	// Illegal transitions are rejected even when the stored status matches.
	err = s.AdvanceStatus(ctx, "msg-1", "chA", model.StatusRouted, model.StatusRead, "")
	if !errors.Is(err, store.ErrStaleStatus) {
		t.Fatalf("AdvanceStatus(ROUTED->READ) = %v, want ErrStaleStatus", err)
	}

	// A record that does not exist is ErrNotFound, not a lost CAS.
	err = s.AdvanceStatus(ctx, "msg-1", "chB", model.StatusSent, model.StatusRouted, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AdvanceStatus(missing record) = %v, want ErrNotFound", err)
	}
}

func TestAdvanceStatusConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateDeliveryRecord(ctx, newRecord("msg-1", "chA", model.StatusRouted)); err != nil {
		t.Fatalf("CreateDeliveryRecord() error: %v", err)
	}

	// Many goroutines race the same transition; exactly one must win.
	var wg sync.WaitGroup
	var winsMu sync.Mutex
	wins := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AdvanceStatus(ctx, "msg-1", "chA", model.StatusRouted, model.StatusDelivered, ""); err == nil {
				winsMu.Lock()
				wins++
				winsMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("got %d successful CAS writes, want exactly 1", wins)
	}
	rec, err := s.GetDeliveryRecord(ctx, "msg-1", "chA")
	if err != nil {
		t.Fatalf("GetDeliveryRecord() error: %v", err)
	}
	if rec.Status != model.StatusDelivered {
		t.Errorf("Status = %s, want DELIVERED", rec.Status)
	}
}

func TestRecordAttempt(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateDeliveryRecord(ctx, newRecord("msg-1", "chA", model.StatusRouted)); err != nil {
		t.Fatalf("CreateDeliveryRecord() error: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.RecordAttempt(ctx, "msg-1", "chA", "timeout")
		if err != nil {
			t.Fatalf("RecordAttempt() error: %v", err)
		}
		if got != want {
			t.Errorf("RecordAttempt() = %d, want %d", got, want)
		}
	}

	if _, err := s.RecordAttempt(ctx, "msg-x", "chA", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RecordAttempt(missing) = %v, want ErrNotFound", err)
	}
}

func TestListStale(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := newRecord("msg-old", "chA", model.StatusSent)
	old.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	fresh := newRecord("msg-fresh", "chA", model.StatusSent)

	if err := s.CreateDeliveryRecord(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDeliveryRecord(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStale(ctx, model.StatusSent, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale() error: %v", err)
	}
	if len(stale) != 1 || stale[0].MessageID != "msg-old" {
		t.Fatalf("ListStale() = %+v, want only msg-old", stale)
	}
}

func TestListMessagesFilterAndPaging(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"msg-1", "msg-2", "msg-3"} {
		conv := "c1"
		if id == "msg-3" {
			conv = "c2"
		}
		err := s.CreateMessage(ctx, &model.Message{
			ID:             id,
			ConversationID: conv,
			SenderID:       "u1",
			Payload:        "p",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListMessages(ctx, model.MessageFilter{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	// Newest first.
	if msgs[0].ID != "msg-2" {
		t.Errorf("msgs[0].ID = %s, want msg-2", msgs[0].ID)
	}

	paged, err := s.ListMessages(ctx, model.MessageFilter{ConversationID: "c1", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].ID != "msg-1" {
		t.Errorf("paged = %+v, want [msg-1]", paged)
	}
}
