package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// messageColumns is the column list used for SELECT statements on the messages table.
const messageColumns = `id, conversation_id, sender_id, payload, channels, metadata, created_at`

// recordColumns is the column list used for SELECT statements on the delivery_records table.
const recordColumns = `message_id, conversation_id, channel, status, attempt_count, last_error, created_at, updated_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryCreateMessage(ctx context.Context, db executor, m *model.Message) error {
	var metadata []byte
	if len(m.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, sender_id, payload, channels, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID,
		m.ConversationID,
		m.SenderID,
		m.Payload,
		pq.Array(m.Channels),
		nullBytes(metadata),
		m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func queryGetMessage(ctx context.Context, db executor, id string) (*model.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func queryListMessages(ctx context.Context, db executor, filter model.MessageFilter) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages`
	var args []any
	if filter.ConversationID != "" {
		query += ` WHERE conversation_id = $1`
		args = append(args, filter.ConversationID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func queryCreateDeliveryRecord(ctx context.Context, db executor, r *model.DeliveryRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO delivery_records (
			message_id, conversation_id, channel, status, attempt_count, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.MessageID,
		r.ConversationID,
		r.Channel,
		string(r.Status),
		r.AttemptCount,
		r.LastError,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func queryGetDeliveryRecord(ctx context.Context, db executor, messageID, channel string) (*model.DeliveryRecord, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE message_id = $1 AND channel = $2`,
		messageID, channel)
	return scanDeliveryRecord(row)
}

func queryGetDeliveryRecords(ctx context.Context, db executor, messageID string) ([]*model.DeliveryRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE message_id = $1 ORDER BY channel`,
		messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.DeliveryRecord
	for rows.Next() {
		r, err := scanDeliveryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// queryAdvanceStatus is the compare-and-set at the heart of the status
// lifecycle: the UPDATE matches on the expected prior status, so a concurrent
// writer that already moved the record forward makes this a zero-row update.
func queryAdvanceStatus(ctx context.Context, db executor, messageID, channel string, from, to model.Status, lastError string) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s not allowed: %w", from, to, store.ErrStaleStatus)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $1, last_error = $2, updated_at = $3
		WHERE message_id = $4 AND channel = $5 AND status = $6`,
		string(to),
		lastError,
		time.Now().UTC(),
		messageID,
		channel,
		string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Zero rows is either a lost CAS or a record that does not exist;
		// callers need to tell the two apart.
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM delivery_records WHERE message_id = $1 AND channel = $2)`,
			messageID, channel).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrStaleStatus
	}
	return nil
}

func queryRecordAttempt(ctx context.Context, db executor, messageID, channel, lastError string) (int, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE delivery_records
		SET attempt_count = attempt_count + 1, last_error = $1, updated_at = $2
		WHERE message_id = $3 AND channel = $4
		RETURNING attempt_count`,
		lastError,
		time.Now().UTC(),
		messageID,
		channel,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

func queryListStale(ctx context.Context, db executor, status model.Status, cutoff time.Time, limit int) ([]*model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM delivery_records
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.DeliveryRecord
	for rows.Next() {
		r, err := scanDeliveryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
