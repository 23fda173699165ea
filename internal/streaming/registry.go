package streaming

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry is the authoritative in-memory view of known streams. It never
// writes to the Store; the Scheduler persists first and then updates the
// Registry. Readers get copies, never references into the map.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	streams map[StreamID]*StreamPayment

	// drafts holds prepared streams that are not yet in the ledger, keyed by
	// their own id.
	drafts map[StreamID]*StreamPayment
}

// NewRegistry returns an empty registry that loads from store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:   store,
		streams: make(map[StreamID]*StreamPayment),
		drafts:  make(map[StreamID]*StreamPayment),
	}
}

// Load replaces the registry contents with every non-deleted stream from the
// store. In-flight counters are reset and STREAMING records come back as
// PAUSED; the ids that were demoted are returned alongside the loaded set.
func (r *Registry) Load(ctx context.Context) (loaded []StreamPayment, interrupted []StreamID, err error) {
	records, err := r.store.ListStreams(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load streams: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams = make(map[StreamID]*StreamPayment, len(records))
	loaded = make([]StreamPayment, 0, len(records))
	for _, sp := range records {
		sp.PartsPending = 0
		if sp.Status == StatusStreaming {
			sp.Status = StatusPaused
			interrupted = append(interrupted, sp.ID)
		}
		rec := sp
		r.streams[sp.ID] = &rec
		loaded = append(loaded, sp)
	}
	return loaded, interrupted, nil
}

// Get returns a copy of the stream.
func (r *Registry) Get(id StreamID) (StreamPayment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sp, ok := r.streams[id]
	if !ok {
		return StreamPayment{}, false
	}
	return *sp, true
}

// Upsert stores a copy of sp.
func (r *Registry) Upsert(sp StreamPayment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := sp
	r.streams[sp.ID] = &rec
}

// ApplyDelta mutates the stream in place through fn and returns the result.
// ok is false if the stream is unknown.
func (r *Registry) ApplyDelta(id StreamID, fn func(*StreamPayment)) (StreamPayment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.streams[id]
	if !ok {
		return StreamPayment{}, false
	}
	fn(sp)
	return *sp, true
}

// Remove drops the stream from the registry.
func (r *Registry) Remove(id StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.streams, id)
}

// Snapshot returns copies of all streams, oldest first.
func (r *Registry) Snapshot() []StreamPayment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StreamPayment, 0, len(r.streams))
	for _, sp := range r.streams {
		out = append(out, *sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountByStatus returns the number of streams in status.
func (r *Registry) CountByStatus(status Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sp := range r.streams {
		if sp.Status == status {
			n++
		}
	}
	return n
}

// AnyStreaming reports whether at least one stream is STREAMING.
func (r *Registry) AnyStreaming() bool {
	return r.CountByStatus(StatusStreaming) > 0
}

// PutDraft stores a prepared stream until it is added or discarded.
func (r *Registry) PutDraft(sp StreamPayment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := sp
	r.drafts[sp.ID] = &rec
}

// Draft returns a copy of the prepared stream with id.
func (r *Registry) Draft(id StreamID) (StreamPayment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sp, ok := r.drafts[id]
	if !ok {
		return StreamPayment{}, false
	}
	return *sp, true
}

// TakeDraft removes and returns the prepared stream with id.
func (r *Registry) TakeDraft(id StreamID) (StreamPayment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.drafts[id]
	if !ok {
		return StreamPayment{}, false
	}
	delete(r.drafts, id)
	return *sp, true
}
