package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/hashchain"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxAppendAttempts bounds the optimistic retries of one append.
const DefaultMaxAppendAttempts = 3

// Config tunes a Service.
type Config struct {
	// HashVersion is the scheme assigned to newly registered batches.
	// Empty means hashchain.DefaultVersion.
	HashVersion string
	// MaxAppendAttempts bounds retries when a store reports ErrConflict.
	MaxAppendAttempts int
	// Now stamps bookkeeping fields (created_at, sealed_at). Event timestamps
	// always come from the caller.
	Now func() time.Time
}

// Observer receives ledger outcomes, typically to feed metrics.
type Observer interface {
	EventAppended(ev *TraceEvent)
	AppendConflict(batchID uuid.UUID)
	ChainVerified(report *VerificationReport)
	ProofCreated(p *IntegrityProof)
}

type nopObserver struct{}

func (nopObserver) EventAppended(*TraceEvent)         {}
func (nopObserver) AppendConflict(uuid.UUID)          {}
func (nopObserver) ChainVerified(*VerificationReport) {}
func (nopObserver) ProofCreated(*IntegrityProof)      {}

// Service is the single writer of batch chains. Appends and seals on the same
// batch are serialised by an in-process lock and, across processes, by the
// store's compare-and-swap on the batch head. Reads take a shared lock and a
// store snapshot, so they never observe a half-applied append.
type Service struct {
	store    Store
	version  string
	attempts int
	now      func() time.Time
	locks    *batchLocks
	observer Observer
	logger   *zap.Logger
}

// NewService creates a Service over store. It fails if cfg names an unknown
// hash version.
func NewService(store Store, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.HashVersion == "" {
		cfg.HashVersion = hashchain.DefaultVersion
	}
	if _, ok := hashchain.Lookup(cfg.HashVersion); !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnsupportedHashVersion,
			cfg.HashVersion, strings.Join(hashchain.Versions(), ", "))
	}
	if cfg.MaxAppendAttempts <= 0 {
		cfg.MaxAppendAttempts = DefaultMaxAppendAttempts
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    store,
		version:  cfg.HashVersion,
		attempts: cfg.MaxAppendAttempts,
		now:      cfg.Now,
		locks:    newBatchLocks(),
		observer: nopObserver{},
		logger:   logger,
	}, nil
}

// SetObserver installs o. Pass nil to disable observation.
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// HashVersion returns the scheme assigned to new batches.
func (s *Service) HashVersion() string { return s.version }

// RegisterBatch creates an open batch with an empty chain.
func (s *Service) RegisterBatch(ctx context.Context, nb NewBatch) (*Batch, error) {
	code := strings.TrimSpace(nb.Code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidBatch)
	}
	scheme, _ := hashchain.Lookup(s.version)
	now := s.now()
	b := &Batch{
		ID:            uuid.New(),
		Code:          code,
		Origin:        nb.Origin,
		Variety:       nb.Variety,
		HarvestDate:   nb.HarvestDate.UTC(),
		Quantity:      nb.Quantity,
		Unit:          nb.Unit,
		ChainHeadHash: scheme.Genesis(),
		HashVersion:   s.version,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	s.logger.Info("batch registered",
		zap.String("batch_id", b.ID.String()),
		zap.String("code", b.Code),
		zap.String("hash_version", b.HashVersion),
	)
	return b, nil
}

// GetBatch returns the batch with id.
func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// GetBatchByCode returns the batch printed with code.
func (s *Service) GetBatchByCode(ctx context.Context, code string) (*Batch, error) {
	return s.store.GetBatchByCode(ctx, code)
}

// ListBatches pages through batches, oldest first.
func (s *Service) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBatches(ctx, limit, offset)
}

// ListEvents returns the batch's events in sequence order.
func (s *Service) ListEvents(ctx context.Context, batchID uuid.UUID) ([]*TraceEvent, error) {
	_, events, err := s.Snapshot(ctx, batchID)
	return events, err
}

func validateEvent(in EventInput) error {
	switch {
	case !in.EventType.Valid():
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, in.EventType)
	case strings.TrimSpace(in.Actor) == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidEvent)
	case in.Timestamp.IsZero():
		return fmt.Errorf("%w: event timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// AppendEvent links a new event to the tail of the batch's chain.
//
// The timestamp is normalised to UTC at microsecond precision and text fields
// to NFC before hashing, so every backend stores exactly the bytes that were
// hashed.
func (s *Service) AppendEvent(ctx context.Context, batchID uuid.UUID, in EventInput) (*TraceEvent, error) {
	if err := validateEvent(in); err != nil {
		return nil, err
	}
	in.Description = norm.NFC.String(in.Description)
	in.Location = norm.NFC.String(in.Location)
	in.Actor = norm.NFC.String(in.Actor)

	unlock := s.locks.Lock(batchID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		ev, err := s.tryAppend(ctx, batchID, in)
		if err == nil {
			s.observer.EventAppended(ev)
			s.logger.Info("trace event appended",
				zap.String("batch_id", batchID.String()),
				zap.Int64("sequence", ev.Sequence),
				zap.String("event_type", string(ev.EventType)),
				zap.String("hash", ev.EventHash),
			)
			return ev, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		s.observer.AppendConflict(batchID)
		s.logger.Warn("append conflict",
			zap.String("batch_id", batchID.String()),
			zap.Int("attempt", attempt),
		)
		if attempt >= s.attempts {
			return nil, fmt.Errorf("%w after %d attempts", ErrConcurrencyConflict, attempt)
		}
	}
}

func (s *Service) tryAppend(ctx context.Context, batchID uuid.UUID, in EventInput) (*TraceEvent, error) {
	scheme, tail, err := s.readTail(ctx, batchID)
	if err != nil {
		return nil, err
	}
	prevHash, seq := scheme.Genesis(), int64(1)
	if tail != nil {
		prevHash, seq = tail.EventHash, tail.Sequence+1
	}

	ev := &TraceEvent{
		ID:           uuid.New(),
		BatchID:      batchID,
		Sequence:     seq,
		EventType:    in.EventType,
		Description:  in.Description,
		Location:     in.Location,
		Timestamp:    in.Timestamp.UTC().Truncate(time.Microsecond),
		Actor:        in.Actor,
		Metadata:     copyMetadata(in.Metadata),
		EvidenceURI:  in.EvidenceURI,
		PreviousHash: prevHash,
		HashVersion:  scheme.Version(),
		CreatedAt:    s.now(),
	}
	ev.EventHash = scheme.Hash(eventFields(ev))

	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// readTail loads the batch and its last event and checks that they agree.
// A head that disagrees with the tail row is read a second time, since a
// writer in another process may have committed between the two reads; if it
// still disagrees the chain is damaged and retrying cannot help.
func (s *Service) readTail(ctx context.Context, batchID uuid.UUID) (hashchain.Scheme, *TraceEvent, error) {
	for read := 1; ; read++ {
		b, err := s.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, nil, err
		}
		if b.Sealed {
			return nil, nil, ErrBatchSealed
		}
		scheme, ok := hashchain.Lookup(b.HashVersion)
		if !ok {
			return nil, nil, fmt.Errorf("%w: batch uses %q", ErrUnsupportedHashVersion, b.HashVersion)
		}

		tail, err := s.store.LastEvent(ctx, batchID)
		if err != nil {
			return nil, nil, fmt.Errorf("read chain tail: %w", err)
		}
		wantHash, wantCount := scheme.Genesis(), int64(0)
		if tail != nil {
			wantHash, wantCount = tail.EventHash, tail.Sequence
		}
		if b.ChainHeadHash == wantHash && b.EventCount == wantCount {
			return scheme, tail, nil
		}
		if read >= 2 {
			s.logger.Error("chain head disagrees with tail event",
				zap.String("batch_id", batchID.String()),
				zap.String("head", b.ChainHeadHash),
				zap.Int64("event_count", b.EventCount),
				zap.String("tail_hash", wantHash),
				zap.Int64("tail_sequence", wantCount),
			)
			return nil, nil, fmt.Errorf("%w: head %s at count %d, tail %s at sequence %d",
				ErrChainInconsistent, b.ChainHeadHash, b.EventCount, wantHash, wantCount)
		}
	}
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SealBatch closes the batch to further events.
func (s *Service) SealBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	unlock := s.locks.Lock(batchID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		b, err := s.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if b.Sealed {
			return nil, ErrBatchSealed
		}

		err = s.store.SealBatch(ctx, batchID, b.ChainHeadHash, s.now())
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if attempt >= s.attempts {
			return nil, fmt.Errorf("%w after %d attempts", ErrConcurrencyConflict, attempt)
		}
	}

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("batch sealed",
		zap.String("batch_id", batchID.String()),
		zap.Int64("events", b.EventCount),
		zap.String("head", b.ChainHeadHash),
	)
	return b, nil
}

// Snapshot reads the batch and its ordered events consistently.
func (s *Service) Snapshot(ctx context.Context, batchID uuid.UUID) (*Batch, []*TraceEvent, error) {
	unlock := s.locks.RLock(batchID)
	defer unlock()
	return s.store.LoadChain(ctx, batchID)
}

// VerifyChainIntegrity recomputes the batch's chain from stored data. Detected
// tampering is reported in the returned report, not as an error.
func (s *Service) VerifyChainIntegrity(ctx context.Context, batchID uuid.UUID) (*VerificationReport, error) {
	b, events, err := s.Snapshot(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.Verify(b, events), nil
}

// Verify runs VerifyChain on an already loaded snapshot and reports the
// outcome to the observer.
func (s *Service) Verify(b *Batch, events []*TraceEvent) *VerificationReport {
	report := VerifyChain(b, events)
	s.observer.ChainVerified(report)
	if !report.Valid {
		for _, f := range report.Errors {
			fields := []zap.Field{
				zap.String("batch_id", b.ID.String()),
				zap.String("kind", string(f.Kind)),
				zap.String("message", f.Message),
			}
			if f.Sequence != nil {
				fields = append(fields, zap.Int64("sequence", *f.Sequence))
			}
			s.logger.Warn("chain integrity finding", fields...)
		}
	}
	return report
}

// CreateIntegrityProof snapshots the batch's current head. Internal proofs
// are verified on creation; external ones stay pending until ConfirmProof.
func (s *Service) CreateIntegrityProof(ctx context.Context, batchID uuid.UUID, anchor AnchorType) (*IntegrityProof, error) {
	if !anchor.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAnchorType, anchor)
	}

	unlock := s.locks.RLock(batchID)
	b, err := s.store.GetBatch(ctx, batchID)
	unlock()
	if err != nil {
		return nil, err
	}
	if b.EventCount == 0 {
		return nil, ErrEmptyLedger
	}

	status := ProofPending
	if anchor == AnchorInternal {
		status = ProofVerified
	}
	p := &IntegrityProof{
		ID:                 uuid.New(),
		BatchID:            batchID,
		ProofHash:          b.ChainHeadHash,
		AnchorType:         anchor,
		EventCountAtProof:  b.EventCount,
		VerificationStatus: status,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreateProof(ctx, p); err != nil {
		return nil, fmt.Errorf("create proof: %w", err)
	}

	s.observer.ProofCreated(p)
	s.logger.Info("integrity proof created",
		zap.String("batch_id", batchID.String()),
		zap.String("proof_id", p.ID.String()),
		zap.String("anchor_type", string(anchor)),
		zap.Int64("event_count", p.EventCountAtProof),
	)
	return p, nil
}

// GetProof returns the proof with id.
func (s *Service) GetProof(ctx context.Context, id uuid.UUID) (*IntegrityProof, error) {
	return s.store.GetProof(ctx, id)
}

// ListProofs returns the proofs taken of a batch.
func (s *Service) ListProofs(ctx context.Context, batchID uuid.UUID) ([]*IntegrityProof, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store.ListProofs(ctx, batchID)
}

// ProofCheck is the result of re-checking a proof against current storage.
type ProofCheck struct {
	Proof *IntegrityProof `json:"proof"`
	// Matches is true when the event at the proof's event count still
	// carries the proof hash.
	Matches bool `json:"matches"`
	// ChainValid is the verdict of a full chain verification.
	ChainValid bool   `json:"chainValid"`
	Message    string `json:"message,omitempty"`
}

// VerifyProof re-derives whether the ledger still holds the state the proof
// captured. Like verification, a mismatch is a result, not an error.
func (s *Service) VerifyProof(ctx context.Context, proofID uuid.UUID) (*ProofCheck, error) {
	p, err := s.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	b, events, err := s.Snapshot(ctx, p.BatchID)
	if err != nil {
		return nil, err
	}

	check := &ProofCheck{Proof: p, ChainValid: s.Verify(b, events).Valid}
	n := p.EventCountAtProof
	switch {
	case n < 1 || n > int64(len(events)):
		check.Message = fmt.Sprintf("chain has %d events, proof covers %d", len(events), n)
	case events[n-1].EventHash != p.ProofHash:
		check.Message = fmt.Sprintf("event %d hash %s differs from proof hash", n, events[n-1].EventHash)
	default:
		check.Matches = true
	}
	return check, nil
}

// ConfirmProof records the verdict of an external anchor. Only pending
// proofs with an external anchor type can change status.
func (s *Service) ConfirmProof(ctx context.Context, proofID uuid.UUID, verified bool) (*IntegrityProof, error) {
	p, err := s.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if !p.AnchorType.External() || p.VerificationStatus != ProofPending {
		return nil, fmt.Errorf("%w: %s proof is %s", ErrInvalidProofTransition, p.AnchorType, p.VerificationStatus)
	}

	status := ProofFailed
	if verified {
		status = ProofVerified
	}
	if err := s.store.ResolveProof(ctx, proofID, status, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info("integrity proof resolved",
		zap.String("proof_id", proofID.String()),
		zap.String("status", string(status)),
	)
	return s.store.GetProof(ctx, proofID)
}
