// Package ophistory holds the in-memory registry of OperationHandles
// for the current process (spec.md §6: "Operation history: in-memory
// for the current process; not persisted beyond transaction logs").
package ophistory

import (
	"sync"
	"time"

	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/model"
)

// DefaultMaxRetained bounds how many terminal (completed/failed/
// cancelled) operations the Store keeps before evicting the oldest.
// Active operations are never evicted.
const DefaultMaxRetained = 500

// Store is a concurrency-safe registry of OperationHandles keyed by ID.
type Store struct {
	mu          sync.Mutex
	handles     map[string]*model.OperationHandle
	order       []string
	maxRetained int
}

// New returns an empty Store with the default retention bound.
func New() *Store {
	return &Store{handles: make(map[string]*model.OperationHandle), maxRetained: DefaultMaxRetained}
}

// Create registers a new pending OperationHandle for id and returns it.
func (s *Store) Create(id, operationType string) *model.OperationHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &model.OperationHandle{
		ID:            id,
		OperationType: operationType,
		Status:        model.OperationPending,
		Created:       time.Now().UTC(),
	}
	s.handles[id] = h
	s.order = append(s.order, id)
	s.evictLocked()
	return h
}

// Get returns the handle for id, or OperationNotFound.
func (s *Store) Get(id string) (*model.OperationHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, corerr.OperationNotFound(id)
	}
	return h, nil
}

// Transition moves the handle for id into phase, enforcing the
// no-backward-transitions invariant from spec.md §8 property 6. It is a
// no-op (it returns nil, and does not panic) if the target phase is not a
// legal forward move, since the orchestrator may race a cancellation
// against normal completion.
func (s *Store) Transition(id string, phase model.OperationPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return corerr.OperationNotFound(id)
	}
	if h.Status.IsTerminal() {
		return nil
	}
	if phase == model.OperationPending && h.Status != model.OperationPending {
		return nil
	}
	now := time.Now().UTC()
	switch phase {
	case model.OperationRunning:
		h.Started = now
	case model.OperationCompleted, model.OperationFailed, model.OperationCancelled:
		h.Completed = now
	}
	h.Status = phase
	if phase.IsTerminal() {
		s.evictLocked()
	}
	return nil
}

// UpdateProgress merges a fresh Progress snapshot into the handle for
// id, clamping BytesTransferred so it is monotonically non-decreasing
// even if a retried sub-transfer reports a smaller interim count.
func (s *Store) UpdateProgress(id string, p model.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return corerr.OperationNotFound(id)
	}
	if p.BytesTransferred < h.Progress.BytesTransferred {
		p.BytesTransferred = h.Progress.BytesTransferred
	}
	h.Progress = p
	return nil
}

// SetResult attaches the final CloneResult (and, on failure, the error)
// to the handle for id.
func (s *Store) SetResult(id string, result *model.CloneResult, opErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return corerr.OperationNotFound(id)
	}
	h.Result = result
	h.Error = opErr
	return nil
}

// List returns every currently retained handle, oldest first.
func (s *Store) List() []*model.OperationHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.OperationHandle, 0, len(s.order))
	for _, id := range s.order {
		if h, ok := s.handles[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Active returns every handle not yet in a terminal phase.
func (s *Store) Active() []*model.OperationHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.OperationHandle
	for _, id := range s.order {
		if h, ok := s.handles[id]; ok && !h.Status.IsTerminal() {
			out = append(out, h)
		}
	}
	return out
}

// evictLocked drops the oldest terminal handles once the store holds
// more than maxRetained entries. Callers must hold s.mu.
func (s *Store) evictLocked() {
	if len(s.order) <= s.maxRetained {
		return
	}
	var kept []string
	dropped := 0
	toDrop := len(s.order) - s.maxRetained
	for _, id := range s.order {
		h := s.handles[id]
		if dropped < toDrop && h != nil && h.Status.IsTerminal() {
			delete(s.handles, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
