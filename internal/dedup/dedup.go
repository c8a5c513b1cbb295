// Package dedup keeps the permanent set of message ids already enqueued
// for a reply.
package dedup

import (
	"context"
	"sync"

	"github.com/user/chatpilot/internal/types"
)

// Store is the processed-id set. Membership never expires.
type Store interface {
	types.ProcessedSet
	Close() error
}

// MemoryStore is a process-lifetime Store.
type MemoryStore struct {
	mu  sync.Mutex
	ids map[types.MessageID]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[types.MessageID]struct{})}
}

func (s *MemoryStore) MarkNew(ctx context.Context, id types.MessageID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false, nil
	}
	s.ids[id] = struct{}{}
	return true, nil
}

func (s *MemoryStore) Contains(ctx context.Context, id types.MessageID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.ids)), nil
}

func (s *MemoryStore) Close() error { return nil }
