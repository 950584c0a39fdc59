package store

import (
	"context"
	"errors"
	"time"

	"github.com/chat4all/chat4all/internal/model"
)

var (
	// ErrNotFound is returned when a message or delivery record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when creating a record whose key already exists.
	ErrDuplicate = errors.New("already exists")

	// ErrStaleStatus is returned by AdvanceStatus when the stored status does
	// not match the expected prior status. Callers treat it as evidence that a
	// concurrent worker already moved the record forward.
	ErrStaleStatus = errors.New("stale status")
)

// Store defines the persistence interface for messages and delivery records.
// The store is the system of record for delivery status; all status mutations
// go through the compare-and-set AdvanceStatus.
type Store interface {
	// Messages
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error)

	// Delivery records
	CreateDeliveryRecord(ctx context.Context, rec *model.DeliveryRecord) error
	GetDeliveryRecord(ctx context.Context, messageID, channel string) (*model.DeliveryRecord, error)
	GetDeliveryRecords(ctx context.Context, messageID string) ([]*model.DeliveryRecord, error)

	// AdvanceStatus moves a record from one status to the next. The write
	// succeeds only when the stored status equals from (compare-and-set) and
	// the transition is allowed by the lifecycle table; otherwise
	// ErrStaleStatus is returned and the record is unchanged. A record that
	// does not exist returns ErrNotFound, never ErrStaleStatus.
	AdvanceStatus(ctx context.Context, messageID, channel string, from, to model.Status, lastError string) error

	// RecordAttempt increments attempt_count and stores the last error.
	// It returns the new attempt count.
	RecordAttempt(ctx context.Context, messageID, channel, lastError string) (int, error)

	// ListStale returns delivery records stuck in the given status since
	// before cutoff, oldest first. Used by the reconciliation sweep.
	ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]*model.DeliveryRecord, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
