package truststore

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Identity]Record
	open    atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Identity]Record)}
}

func (s *MemoryStore) Open(context.Context) (Handle, error) {
	s.open.Add(1)
	return &memoryHandle{s: s}, nil
}

// Records returns a copy of the stored records.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// OpenHandles reports handles that were opened and not yet closed.
func (s *MemoryStore) OpenHandles() int64 { return s.open.Load() }

type memoryHandle struct {
	s      *MemoryStore
	closed bool
}

func (h *memoryHandle) Contains(_ context.Context, id Identity) (bool, error) {
	if h.closed {
		return false, ErrHandleClosed
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	_, ok := h.s.records[id]
	return ok, nil
}

func (h *memoryHandle) Add(_ context.Context, rec Record) error {
	if h.closed {
		return ErrHandleClosed
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if _, ok := h.s.records[rec.Identity]; !ok {
		h.s.records[rec.Identity] = rec
	}
	return nil
}

func (h *memoryHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.s.open.Add(-1)
	return nil
}
