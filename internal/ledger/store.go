package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BatchStore persists Batch aggregates.
type BatchStore interface {
	// CreateBatch inserts b. A taken code yields ErrDuplicateBatchCode.
	CreateBatch(ctx context.Context, b *Batch) error
	// GetBatch returns ErrBatchNotFound when id is unknown.
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	// GetBatchByCode returns ErrBatchNotFound when code is unknown.
	GetBatchByCode(ctx context.Context, code string) (*Batch, error)
	// ListBatches returns batches ordered by creation time, oldest first.
	ListBatches(ctx context.Context, limit, offset int) ([]*Batch, error)
	// SealBatch marks the batch sealed if its head still equals expectedHead.
	// It returns ErrBatchSealed if already sealed and ErrConflict if the head moved.
	SealBatch(ctx context.Context, id uuid.UUID, expectedHead string, at time.Time) error
}

// EventStore persists TraceEvent rows. Events are never updated or deleted.
type EventStore interface {
	// LastEvent returns the highest-sequence event of the batch, or nil with a
	// nil error when the batch has none.
	LastEvent(ctx context.Context, batchID uuid.UUID) (*TraceEvent, error)

	// AppendEvent inserts ev and advances the batch's chain head to
	// ev.EventHash and its event count to ev.Sequence as one atomic write.
	// The write only happens if the batch head still equals ev.PreviousHash
	// and its count equals ev.Sequence-1; otherwise ErrConflict. A sealed
	// batch yields ErrBatchSealed and a missing one ErrBatchNotFound.
	AppendEvent(ctx context.Context, ev *TraceEvent) error

	// ListEvents returns the batch's events ordered by ascending sequence.
	ListEvents(ctx context.Context, batchID uuid.UUID) ([]*TraceEvent, error)

	// LoadChain reads the batch and its ordered events as one consistent
	// snapshot; no append can land between the two reads.
	LoadChain(ctx context.Context, batchID uuid.UUID) (*Batch, []*TraceEvent, error)
}

// ProofStore persists IntegrityProof snapshots.
type ProofStore interface {
	CreateProof(ctx context.Context, p *IntegrityProof) error
	// GetProof returns ErrProofNotFound when id is unknown.
	GetProof(ctx context.Context, id uuid.UUID) (*IntegrityProof, error)
	// ListProofs returns proofs of a batch, oldest first.
	ListProofs(ctx context.Context, batchID uuid.UUID) ([]*IntegrityProof, error)
	// ResolveProof moves a pending proof to status. It returns
	// ErrInvalidProofTransition when the stored proof is no longer pending.
	ResolveProof(ctx context.Context, id uuid.UUID, status ProofStatus, at time.Time) error
}

// Store bundles the three persistence contracts. Every backend in this module
// implements all of them.
type Store interface {
	BatchStore
	EventStore
	ProofStore
}
