package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store/memory"
)

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func seedMessage(t *testing.T, st *memory.MemoryStore, id, conv string, channels ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	msg := &model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u1",
		Payload:        "payload of " + id,
		Channels:       channels,
		CreatedAt:      now,
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	for _, ch := range channels {
		rec := &model.DeliveryRecord{
			MessageID:      id,
			ConversationID: conv,
			Channel:        ch,
			Status:         model.StatusDelivered,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := st.CreateDeliveryRecord(ctx, rec); err != nil {
			t.Fatalf("seeding record: %v", err)
		}
	}
}

func TestExportJSONL_Empty(t *testing.T) {
	st := memory.New()
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), st, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (header only), got %d", len(lines))
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != "1" || h.Type != "header" || h.MessageCount != 0 || h.RecordCount != 0 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestExportJSONL_SortedAndComplete(t *testing.T) {
	st := memory.New()

	// Out of ID order to verify sorting.
	seedMessage(t, st, "msg-zzz", "c1", "push")
	seedMessage(t, st, "msg-aaa", "c1", "push", "audit")

	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), st, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	// 1 header + 2 messages + 3 records = 6
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), buf.String())
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.MessageCount != 2 || h.RecordCount != 3 {
		t.Fatalf("unexpected header: %+v", h)
	}

	// Messages come before records, sorted by ID.
	var first record
	if err := json.Unmarshal([]byte(lines[1]), &first); err != nil {
		t.Fatalf("unmarshal line 1: %v", err)
	}
	if first.Type != "message" {
		t.Fatalf("line 1 type = %s, want message", first.Type)
	}
	firstMsg := first.Data.(map[string]any)
	if firstMsg["id"] != "msg-aaa" {
		t.Errorf("first message = %v, want msg-aaa", firstMsg["id"])
	}

	var last record
	if err := json.Unmarshal([]byte(lines[5]), &last); err != nil {
		t.Fatalf("unmarshal line 5: %v", err)
	}
	if last.Type != "delivery_record" {
		t.Fatalf("line 5 type = %s, want delivery_record", last.Type)
	}
}

// mockDestination records calls to Write.
type mockDestination struct {
	writes atomic.Int64
	last   atomic.Value // []byte
}

func (d *mockDestination) Write(_ context.Context, data []byte) error {
	d.writes.Add(1)
	cp := make([]byte, len(data))
	copy(cp, data)
	d.last.Store(cp)
	return nil
}

func TestSchedulerStartStop(t *testing.T) {
	st := memory.New()
	seedMessage(t, st, "msg-1", "c1", "push")

	dest := &mockDestination{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sched := NewScheduler(st, []Destination{dest}, 50*time.Millisecond, logger)
	sched.Start()

	// Wait for at least the initial export + one tick.
	time.Sleep(120 * time.Millisecond)
	sched.Stop()

	if writes := dest.writes.Load(); writes < 2 {
		t.Fatalf("expected at least 2 writes, got %d", writes)
	}

	data, ok := dest.last.Load().([]byte)
	if !ok || len(data) == 0 {
		t.Fatal("expected non-empty data")
	}
	lines := nonEmptyLines(string(data))
	// 1 header + 1 message + 1 record = 3
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
}

func TestSchedulerStop_NoStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sched := NewScheduler(memory.New(), nil, time.Minute, logger)
	// Stop without Start should not panic.
	sched.Stop()
}

func TestSchedulerMultipleDestinations(t *testing.T) {
	st := memory.New()
	dest1 := &mockDestination{}
	dest2 := &mockDestination{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sched := NewScheduler(st, []Destination{dest1, dest2}, time.Second, logger)
	sched.Start()

	// Wait for the initial export.
	time.Sleep(50 * time.Millisecond)
	sched.Stop()

	if dest1.writes.Load() < 1 {
		t.Fatal("dest1 expected at least 1 write")
	}
	if dest2.writes.Load() < 1 {
		t.Fatal("dest2 expected at least 1 write")
	}
}
