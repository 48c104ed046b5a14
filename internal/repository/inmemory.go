package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"inbox-memory/internal/domain"
)

// MemoryStore keeps records in process. It is meant for local runs and
// tests; contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]domain.MemoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]domain.MemoryRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, namespace, key string) (*domain.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("repository: Get: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[namespace][key]
	if !ok {
		return nil, nil
	}
	rec = cloneRecord(rec)
	return &rec, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec domain.MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("repository: Upsert: %w", err)
	}
	if rec.Namespace == "" || rec.Key == "" {
		return errors.New("repository: Upsert: namespace and key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.records[rec.Namespace]
	if !ok {
		ns = make(map[string]domain.MemoryRecord)
		s.records[rec.Namespace] = ns
	}
	ns[rec.Key] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, namespace string) ([]domain.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.records[namespace]
	out := make([]domain.MemoryRecord, 0, len(ns))
	for _, rec := range ns {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneRecord(rec domain.MemoryRecord) domain.MemoryRecord {
	if rec.Value.Data != nil {
		rec.Value.Data = append(json.RawMessage(nil), rec.Value.Data...)
	}
	return rec
}

// KeyLocker is an in-process Locker with one slot per (namespace, key).
type KeyLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewKeyLocker() *KeyLocker {
	return &KeyLocker{slots: make(map[string]chan struct{})}
}

func (l *KeyLocker) Lock(ctx context.Context, namespace, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[namespace+"\x00"+key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[namespace+"\x00"+key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("repository: Lock %s/%s: %w", namespace, key, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}
