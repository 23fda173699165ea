package streaming

import (
	"context"
	"sort"
	"sync"
)

// Store is the durable ledger for streams and their paid parts.
// Implementations can be in-memory or SQL-backed (see internal/ledger).
// The Scheduler drives every write; the Registry only reads through Store
// when loading.
type Store interface {
	// ListStreams returns every stream that has not been deleted.
	ListStreams(ctx context.Context) ([]StreamPayment, error)

	// GetStream returns ErrRecordNotFound for unknown or deleted ids.
	GetStream(ctx context.Context, id StreamID) (StreamPayment, error)

	// SaveStream inserts or fully replaces the stream row. It fails with
	// ErrLedgerConflict if the write would lower parts paid.
	SaveStream(ctx context.Context, sp StreamPayment) error

	// RecordPart atomically appends part and writes sp. It fails with
	// ErrLedgerConflict unless the stored part count is sp.PartsPaid-1.
	RecordPart(ctx context.Context, sp StreamPayment, part StreamPart) error

	// ListParts returns the parts of a stream in payment order.
	ListParts(ctx context.Context, id StreamID) ([]StreamPart, error)

	// DeleteStream soft-deletes the stream; its parts are kept.
	DeleteStream(ctx context.Context, id StreamID) error
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	streams map[StreamID]StreamPayment
	deleted map[StreamID]bool
	parts   map[StreamID][]StreamPart
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[StreamID]StreamPayment),
		deleted: make(map[StreamID]bool),
		parts:   make(map[StreamID][]StreamPart),
	}
}

// ListStreams implements Store.ListStreams.
func (s *InMemoryStore) ListStreams(_ context.Context) ([]StreamPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StreamPayment, 0, len(s.streams))
	for id, sp := range s.streams {
		if !s.deleted[id] {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetStream implements Store.GetStream.
func (s *InMemoryStore) GetStream(_ context.Context, id StreamID) (StreamPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.streams[id]
	if !ok || s.deleted[id] {
		return StreamPayment{}, ErrRecordNotFound
	}
	return sp, nil
}

// SaveStream implements Store.SaveStream.
func (s *InMemoryStore) SaveStream(_ context.Context, sp StreamPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted[sp.ID] {
		return ErrRecordNotFound
	}
	if prev, ok := s.streams[sp.ID]; ok && sp.PartsPaid < prev.PartsPaid {
		return ErrLedgerConflict
	}
	sp.PartsPending = 0
	s.streams[sp.ID] = sp
	return nil
}

// RecordPart implements Store.RecordPart.
func (s *InMemoryStore) RecordPart(_ context.Context, sp StreamPayment, part StreamPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.streams[sp.ID]
	if !ok || s.deleted[sp.ID] {
		return ErrRecordNotFound
	}
	if prev.PartsPaid != sp.PartsPaid-1 {
		return ErrLedgerConflict
	}
	sp.PartsPending = 0
	s.streams[sp.ID] = sp
	s.parts[sp.ID] = append(s.parts[sp.ID], part)
	return nil
}

// ListParts implements Store.ListParts.
func (s *InMemoryStore) ListParts(_ context.Context, id StreamID) ([]StreamPart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.streams[id]; !ok {
		return nil, ErrRecordNotFound
	}
	out := make([]StreamPart, len(s.parts[id]))
	copy(out, s.parts[id])
	return out, nil
}

// DeleteStream implements Store.DeleteStream.
func (s *InMemoryStore) DeleteStream(_ context.Context, id StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[id]; !ok || s.deleted[id] {
		return ErrRecordNotFound
	}
	s.deleted[id] = true
	return nil
}
