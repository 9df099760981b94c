// Package memory is an in-process ledger.Store. It is primarily useful for
// testing and for single-process deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
)

// Store is a thread-safe, map-backed ledger.Store. Values are copied on the
// way in and out so callers can never mutate stored rows.
type Store struct {
	mu      sync.RWMutex
	batches map[uuid.UUID]*ledger.Batch
	byCode  map[string]uuid.UUID
	order   []uuid.UUID
	events  map[uuid.UUID][]*ledger.TraceEvent
	proofs  map[uuid.UUID]*ledger.IntegrityProof
	byBatch map[uuid.UUID][]uuid.UUID
}

var _ ledger.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		batches: make(map[uuid.UUID]*ledger.Batch),
		byCode:  make(map[string]uuid.UUID),
		events:  make(map[uuid.UUID][]*ledger.TraceEvent),
		proofs:  make(map[uuid.UUID]*ledger.IntegrityProof),
		byBatch: make(map[uuid.UUID][]uuid.UUID),
	}
}

func copyBatch(b *ledger.Batch) *ledger.Batch {
	cp := *b
	if b.SealedAt != nil {
		t := *b.SealedAt
		cp.SealedAt = &t
	}
	return &cp
}

func copyEvent(ev *ledger.TraceEvent) *ledger.TraceEvent {
	cp := *ev
	if ev.Metadata != nil {
		cp.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func copyProof(p *ledger.IntegrityProof) *ledger.IntegrityProof {
	cp := *p
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// CreateBatch implements ledger.BatchStore.
func (s *Store) CreateBatch(_ context.Context, b *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byCode[b.Code]; taken {
		return ledger.ErrDuplicateBatchCode
	}
	s.batches[b.ID] = copyBatch(b)
	s.byCode[b.Code] = b.ID
	s.order = append(s.order, b.ID)
	return nil
}

// GetBatch implements ledger.BatchStore.
func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ledger.ErrBatchNotFound
	}
	return copyBatch(b), nil
}

// GetBatchByCode implements ledger.BatchStore.
func (s *Store) GetBatchByCode(_ context.Context, code string) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, ledger.ErrBatchNotFound
	}
	return copyBatch(s.batches[id]), nil
}

// ListBatches implements ledger.BatchStore.
func (s *Store) ListBatches(_ context.Context, limit, offset int) ([]*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset >= len(s.order) {
		return nil, nil
	}
	ids := s.order[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]*ledger.Batch, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyBatch(s.batches[id]))
	}
	return out, nil
}

// SealBatch implements ledger.BatchStore.
func (s *Store) SealBatch(_ context.Context, id uuid.UUID, expectedHead string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	switch {
	case !ok:
		return ledger.ErrBatchNotFound
	case b.Sealed:
		return ledger.ErrBatchSealed
	case b.ChainHeadHash != expectedHead:
		return ledger.ErrConflict
	}
	b.Sealed = true
	b.SealedAt = &at
	b.UpdatedAt = at
	return nil
}

// LastEvent implements ledger.EventStore.
func (s *Store) LastEvent(_ context.Context, batchID uuid.UUID) (*ledger.TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[batchID]
	if len(evs) == 0 {
		return nil, nil
	}
	return copyEvent(evs[len(evs)-1]), nil
}

// AppendEvent implements ledger.EventStore.
func (s *Store) AppendEvent(_ context.Context, ev *ledger.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[ev.BatchID]
	switch {
	case !ok:
		return ledger.ErrBatchNotFound
	case b.Sealed:
		return ledger.ErrBatchSealed
	case b.ChainHeadHash != ev.PreviousHash || b.EventCount != ev.Sequence-1:
		return ledger.ErrConflict
	}
	s.events[ev.BatchID] = append(s.events[ev.BatchID], copyEvent(ev))
	b.ChainHeadHash = ev.EventHash
	b.EventCount = ev.Sequence
	b.UpdatedAt = ev.CreatedAt
	return nil
}

// ListEvents implements ledger.EventStore.
func (s *Store) ListEvents(_ context.Context, batchID uuid.UUID) ([]*ledger.TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsLocked(batchID), nil
}

func (s *Store) eventsLocked(batchID uuid.UUID) []*ledger.TraceEvent {
	evs := s.events[batchID]
	out := make([]*ledger.TraceEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// LoadChain implements ledger.EventStore. Both reads happen under one read lock.
func (s *Store) LoadChain(_ context.Context, batchID uuid.UUID) (*ledger.Batch, []*ledger.TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, nil, ledger.ErrBatchNotFound
	}
	return copyBatch(b), s.eventsLocked(batchID), nil
}

// CreateProof implements ledger.ProofStore.
func (s *Store) CreateProof(_ context.Context, p *ledger.IntegrityProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[p.BatchID]; !ok {
		return ledger.ErrBatchNotFound
	}
	s.proofs[p.ID] = copyProof(p)
	s.byBatch[p.BatchID] = append(s.byBatch[p.BatchID], p.ID)
	return nil
}

// GetProof implements ledger.ProofStore.
func (s *Store) GetProof(_ context.Context, id uuid.UUID) (*ledger.IntegrityProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[id]
	if !ok {
		return nil, ledger.ErrProofNotFound
	}
	return copyProof(p), nil
}

// ListProofs implements ledger.ProofStore.
func (s *Store) ListProofs(_ context.Context, batchID uuid.UUID) ([]*ledger.IntegrityProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byBatch[batchID]
	out := make([]*ledger.IntegrityProof, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyProof(s.proofs[id]))
	}
	return out, nil
}

// ResolveProof implements ledger.ProofStore.
func (s *Store) ResolveProof(_ context.Context, id uuid.UUID, status ledger.ProofStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proofs[id]
	if !ok {
		return ledger.ErrProofNotFound
	}
	if p.VerificationStatus != ledger.ProofPending {
		return ledger.ErrInvalidProofTransition
	}
	p.VerificationStatus = status
	p.ResolvedAt = &at
	return nil
}
