package postgres

import (
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanMessage scans a single row into a model.Message.
// The row must contain columns in the order defined by messageColumns.
func scanMessage(row scannable) (*model.Message, error) {
	var m model.Message
	var (
		channels pq.StringArray
		metadata []byte
	)

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Payload,
		&channels,
		&metadata,
		&m.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	m.Channels = channels
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// scanDeliveryRecord scans a single row into a model.DeliveryRecord.
// The row must contain columns in the order defined by recordColumns.
func scanDeliveryRecord(row scannable) (*model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	var status string

	err := row.Scan(
		&r.MessageID,
		&r.ConversationID,
		&r.Channel,
		&status,
		&r.AttemptCount,
		&r.LastError,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	r.Status = model.Status(status)
	return &r, nil
}

// nullBytes returns nil for empty byte slices so JSONB columns store NULL
// instead of an empty string.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
