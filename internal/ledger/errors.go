package ledger

import "errors"

// Domain errors returned by Service. Integrity violations are not errors;
// they are Findings inside a VerificationReport.
var (
	ErrBatchNotFound          = errors.New("batch not found")
	ErrBatchSealed            = errors.New("batch is sealed")
	ErrConcurrencyConflict    = errors.New("concurrent append conflict: retries exhausted")
	ErrEmptyLedger            = errors.New("batch has no events")
	ErrUnsupportedAnchorType  = errors.New("unsupported anchor type")
	ErrDuplicateBatchCode     = errors.New("batch code already registered")
	ErrInvalidEvent           = errors.New("invalid event")
	ErrInvalidBatch           = errors.New("invalid batch")
	ErrProofNotFound          = errors.New("proof not found")
	ErrInvalidProofTransition = errors.New("proof status cannot change")
	ErrUnsupportedHashVersion = errors.New("unsupported hash version")
	// ErrChainInconsistent means the batch head no longer matches its last
	// stored event. Appends stop until the chain is repaired.
	ErrChainInconsistent = errors.New("chain head does not match last event")
)

// ErrConflict is returned by a store when a compare-and-swap on the batch head
// fails because another writer advanced it first. Service retries on it.
var ErrConflict = errors.New("batch head changed")
