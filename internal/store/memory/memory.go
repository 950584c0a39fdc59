// Package memory implements store.Store with in-process maps. It mirrors the
// compare-and-set semantics of the postgres store and is used in tests and for
// single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// MemoryStore implements store.Store backed by in-process maps.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*model.Message
	records  map[string]*model.DeliveryRecord // keyed message_id + "\x00" + channel
}

// Compile-time check that MemoryStore implements store.Store.
var _ store.Store = (*MemoryStore)(nil)

// New returns an empty in-memory store.
func New() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*model.Message),
		records:  make(map[string]*model.DeliveryRecord),
	}
}

func recordKey(messageID, channel string) string {
	return messageID + "\x00" + channel
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *msg
	cp.Channels = append([]string(nil), msg.Channels...)
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Message
	for _, msg := range s.messages {
		if filter.ConversationID != "" && msg.ConversationID != filter.ConversationID {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateDeliveryRecord(_ context.Context, rec *model.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(rec.MessageID, rec.Channel)
	if _, ok := s.records[key]; ok {
		return store.ErrDuplicate
	}
	cp := *rec
	s.records[key] = &cp
	return nil
}

func (s *MemoryStore) GetDeliveryRecord(_ context.Context, messageID, channel string) (*model.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(messageID, channel)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetDeliveryRecords(_ context.Context, messageID string) ([]*model.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.DeliveryRecord
	for _, rec := range s.records {
		if rec.MessageID == messageID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, messageID, channel string, from, to model.Status, lastError string) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s not allowed: %w", from, to, store.ErrStaleStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(messageID, channel)]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != from {
		return store.ErrStaleStatus
	}
	rec.Status = to
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, messageID, channel, lastError string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(messageID, channel)]
	if !ok {
		return 0, store.ErrNotFound
	}
	rec.AttemptCount++
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UTC()
	return rec.AttemptCount, nil
}

func (s *MemoryStore) ListStale(_ context.Context, status model.Status, cutoff time.Time, limit int) ([]*model.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*model.DeliveryRecord
	for _, rec := range s.records {
		if rec.Status == status && rec.UpdatedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RunInTransaction runs fn against the store itself. The memory store has no
// transaction isolation; per-key operations are individually atomic, which is
// all the pipeline relies on.
func (s *MemoryStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
