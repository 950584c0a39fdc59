// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	return queryCreateMessage(ctx, s.db, msg)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return queryGetMessage(ctx, s.db, id)
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	return queryListMessages(ctx, s.db, filter)
}

func (s *PostgresStore) CreateDeliveryRecord(ctx context.Context, rec *model.DeliveryRecord) error {
	return queryCreateDeliveryRecord(ctx, s.db, rec)
}

func (s *PostgresStore) GetDeliveryRecord(ctx context.Context, messageID, channel string) (*model.DeliveryRecord, error) {
	return queryGetDeliveryRecord(ctx, s.db, messageID, channel)
}

func (s *PostgresStore) GetDeliveryRecords(ctx context.Context, messageID string) ([]*model.DeliveryRecord, error) {
	return queryGetDeliveryRecords(ctx, s.db, messageID)
}

func (s *PostgresStore) AdvanceStatus(ctx context.Context, messageID, channel string, from, to model.Status, lastError string) error {
	return queryAdvanceStatus(ctx, s.db, messageID, channel, from, to, lastError)
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, messageID, channel, lastError string) (int, error) {
	return queryRecordAttempt(ctx, s.db, messageID, channel, lastError)
}

func (s *PostgresStore) ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]*model.DeliveryRecord, error) {
	return queryListStale(ctx, s.db, status, cutoff, limit)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	return queryCreateMessage(ctx, s.tx, msg)
}

func (s *txStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return queryGetMessage(ctx, s.tx, id)
}

func (s *txStore) ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	return queryListMessages(ctx, s.tx, filter)
}

func (s *txStore) CreateDeliveryRecord(ctx context.Context, rec *model.DeliveryRecord) error {
	return queryCreateDeliveryRecord(ctx, s.tx, rec)
}

func (s *txStore) GetDeliveryRecord(ctx context.Context, messageID, channel string) (*model.DeliveryRecord, error) {
	return queryGetDeliveryRecord(ctx, s.tx, messageID, channel)
}

func (s *txStore) GetDeliveryRecords(ctx context.Context, messageID string) ([]*model.DeliveryRecord, error) {
	return queryGetDeliveryRecords(ctx, s.tx, messageID)
}

func (s *txStore) AdvanceStatus(ctx context.Context, messageID, channel string, from, to model.Status, lastError string) error {
	return queryAdvanceStatus(ctx, s.tx, messageID, channel, from, to, lastError)
}

func (s *txStore) RecordAttempt(ctx context.Context, messageID, channel, lastError string) (int, error) {
	return queryRecordAttempt(ctx, s.tx, messageID, channel, lastError)
}

func (s *txStore) ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]*model.DeliveryRecord, error) {
	return queryListStale(ctx, s.tx, status, cutoff, limit)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
