// Package archive periodically exports messages and their delivery records as
// JSONL to one or more destinations, S3-compatible object storage included.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"message_count"`
	RecordCount  int       `json:"record_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// exportPageSize is the ListMessages batch size during export.
const exportPageSize = 500

// ExportJSONL writes all messages and their delivery records from the store
// as JSONL to w. Messages are sorted by ID.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	var msgs []*model.Message
	for offset := 0; ; offset += exportPageSize {
		page, err := s.ListMessages(ctx, model.MessageFilter{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		msgs = append(msgs, page...)
		if len(page) < exportPageSize {
			break
		}
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].ID < msgs[j].ID
	})

	recs := make([]*model.DeliveryRecord, 0, len(msgs))
	for _, msg := range msgs {
		msgRecs, err := s.GetDeliveryRecords(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("get delivery records for %s: %w", msg.ID, err)
		}
		recs = append(recs, msgRecs...)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:      "1",
		Type:         "header",
		Timestamp:    time.Now().UTC(),
		MessageCount: len(msgs),
		RecordCount:  len(recs),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, msg := range msgs {
		if err := enc.Encode(record{Type: "message", Data: msg}); err != nil {
			return fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
	}
	for _, rec := range recs {
		if err := enc.Encode(record{Type: "delivery_record", Data: rec}); err != nil {
			return fmt.Errorf("encode record %s/%s: %w", rec.MessageID, rec.Channel, err)
		}
	}

	return nil
}
