// Package leveldbstore is an embedded, single-process ledger.Store on goleveldb.
// Records are JSON values under prefixed keys; secondary indexes map batch
// codes and creation order back to batch ids.
package leveldbstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	keyPrefixBatch      = "batch_"
	keyPrefixCode       = "code_"
	keyPrefixOrder      = "order_"
	keyPrefixEvent      = "event_"
	keyPrefixProof      = "proof_"
	keyPrefixBatchProof = "batchproof_"
)

// Store implements ledger.Store. Writers are serialised by mu so that the
// head check and the atomic batch write form one compare-and-swap; readers
// go straight to the database or to a snapshot.
type Store struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// OpenFile opens (or creates) a database directory at path.
func OpenFile(path string, logger *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Open wraps an arbitrary goleveldb storage, such as storage.NewMemStorage.
func Open(stor storage.Storage, logger *zap.Logger) (*Store, error) {
	db, err := leveldb.Open(stor, &opt.Options{NoWriteMerge: true})
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func bz(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// orderedTime maps t onto bytes that sort like the instant itself.
func orderedTime(t time.Time) []byte {
	return u64(uint64(t.UnixNano()) ^ (1 << 63))
}

func batchKey(id uuid.UUID) []byte { return bz([]byte(keyPrefixBatch), id[:]) }
func codeKey(code string) []byte   { return bz([]byte(keyPrefixCode), []byte(code)) }
func orderKey(b *ledger.Batch) []byte {
	return bz([]byte(keyPrefixOrder), orderedTime(b.CreatedAt), b.ID[:])
}
func eventPrefix(batchID uuid.UUID) []byte { return bz([]byte(keyPrefixEvent), batchID[:]) }
func eventKey(batchID uuid.UUID, seq int64) []byte {
	return bz(eventPrefix(batchID), u64(uint64(seq)))
}
func proofKey(id uuid.UUID) []byte { return bz([]byte(keyPrefixProof), id[:]) }
func batchProofPrefix(batchID uuid.UUID) []byte {
	return bz([]byte(keyPrefixBatchProof), batchID[:])
}
func batchProofKey(p *ledger.IntegrityProof) []byte {
	return bz(batchProofPrefix(p.BatchID), orderedTime(p.CreatedAt), p.ID[:])
}

// getter is satisfied by both *leveldb.DB and *leveldb.Snapshot.
type getter interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

func getJSON(r getter, key []byte, v any) (bool, error) {
	raw, err := r.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) loadBatch(r getter, id uuid.UUID) (*ledger.Batch, error) {
	b := &ledger.Batch{}
	ok, err := getJSON(r, batchKey(id), b)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if !ok {
		return nil, ledger.ErrBatchNotFound
	}
	return b, nil
}

func putJSON(batch *leveldb.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	batch.Put(key, raw)
	return nil
}

// CreateBatch implements ledger.BatchStore.
func (s *Store) CreateBatch(_ context.Context, b *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.db.Has(codeKey(b.Code), nil)
	if err != nil {
		return fmt.Errorf("check code: %w", err)
	}
	if taken {
		return ledger.ErrDuplicateBatchCode
	}

	wb := new(leveldb.Batch)
	if err := putJSON(wb, batchKey(b.ID), b); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	wb.Put(codeKey(b.Code), b.ID[:])
	wb.Put(orderKey(b), b.ID[:])
	return s.db.Write(wb, nil)
}

// GetBatch implements ledger.BatchStore.
func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (*ledger.Batch, error) {
	return s.loadBatch(s.db, id)
}

// GetBatchByCode implements ledger.BatchStore.
func (s *Store) GetBatchByCode(_ context.Context, code string) (*ledger.Batch, error) {
	raw, err := s.db.Get(codeKey(code), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ledger.ErrBatchNotFound
		}
		return nil, fmt.Errorf("get code index: %w", err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt code index for %q: %w", code, err)
	}
	return s.loadBatch(s.db, id)
}

// ListBatches implements ledger.BatchStore.
func (s *Store) ListBatches(_ context.Context, limit, offset int) ([]*ledger.Batch, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefixOrder)), nil)
	defer it.Release()

	var out []*ledger.Batch
	skipped := 0
	for it.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		id, err := uuid.FromBytes(it.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt order index: %w", err)
		}
		b, err := s.loadBatch(s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, it.Error()
}

// SealBatch implements ledger.BatchStore.
func (s *Store) SealBatch(_ context.Context, id uuid.UUID, expectedHead string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.loadBatch(s.db, id)
	if err != nil {
		return err
	}
	switch {
	case b.Sealed:
		return ledger.ErrBatchSealed
	case b.ChainHeadHash != expectedHead:
		return ledger.ErrConflict
	}
	b.Sealed = true
	b.SealedAt = &at
	b.UpdatedAt = at

	wb := new(leveldb.Batch)
	if err := putJSON(wb, batchKey(id), b); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return s.db.Write(wb, nil)
}

// LastEvent implements ledger.EventStore.
func (s *Store) LastEvent(_ context.Context, batchID uuid.UUID) (*ledger.TraceEvent, error) {
	it := s.db.NewIterator(util.BytesPrefix(eventPrefix(batchID)), nil)
	defer it.Release()
	if !it.Last() {
		return nil, it.Error()
	}
	ev := &ledger.TraceEvent{}
	if err := json.Unmarshal(it.Value(), ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// AppendEvent implements ledger.EventStore. The new event and the advanced
// batch head are written in one atomic leveldb.Batch.
func (s *Store) AppendEvent(_ context.Context, ev *ledger.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.loadBatch(s.db, ev.BatchID)
	if err != nil {
		return err
	}
	switch {
	case b.Sealed:
		return ledger.ErrBatchSealed
	case b.ChainHeadHash != ev.PreviousHash || b.EventCount != ev.Sequence-1:
		return ledger.ErrConflict
	}
	b.ChainHeadHash = ev.EventHash
	b.EventCount = ev.Sequence
	b.UpdatedAt = ev.CreatedAt

	wb := new(leveldb.Batch)
	if err := putJSON(wb, eventKey(ev.BatchID, ev.Sequence), ev); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := putJSON(wb, batchKey(b.ID), b); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := s.db.Write(wb, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	s.logger.Debug("trace event stored",
		zap.String("batch_id", ev.BatchID.String()),
		zap.Int64("sequence", ev.Sequence),
	)
	return nil
}

func listEvents(it iterator.Iterator) ([]*ledger.TraceEvent, error) {
	defer it.Release()
	var out []*ledger.TraceEvent
	for it.Next() {
		ev := &ledger.TraceEvent{}
		if err := json.Unmarshal(it.Value(), ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, it.Error()
}

// ListEvents implements ledger.EventStore. Big-endian sequence keys make the
// iteration order the chain order.
func (s *Store) ListEvents(_ context.Context, batchID uuid.UUID) ([]*ledger.TraceEvent, error) {
	return listEvents(s.db.NewIterator(util.BytesPrefix(eventPrefix(batchID)), nil))
}

// LoadChain implements ledger.EventStore from a single database snapshot.
func (s *Store) LoadChain(_ context.Context, batchID uuid.UUID) (*ledger.Batch, []*ledger.TraceEvent, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	b, err := s.loadBatch(snap, batchID)
	if err != nil {
		return nil, nil, err
	}
	events, err := listEvents(snap.NewIterator(util.BytesPrefix(eventPrefix(batchID)), nil))
	if err != nil {
		return nil, nil, err
	}
	return b, events, nil
}

// CreateProof implements ledger.ProofStore.
func (s *Store) CreateProof(_ context.Context, p *ledger.IntegrityProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadBatch(s.db, p.BatchID); err != nil {
		return err
	}
	wb := new(leveldb.Batch)
	if err := putJSON(wb, proofKey(p.ID), p); err != nil {
		return fmt.Errorf("encode proof: %w", err)
	}
	wb.Put(batchProofKey(p), p.ID[:])
	return s.db.Write(wb, nil)
}

// GetProof implements ledger.ProofStore.
func (s *Store) GetProof(_ context.Context, id uuid.UUID) (*ledger.IntegrityProof, error) {
	p := &ledger.IntegrityProof{}
	ok, err := getJSON(s.db, proofKey(id), p)
	if err != nil {
		return nil, fmt.Errorf("get proof: %w", err)
	}
	if !ok {
		return nil, ledger.ErrProofNotFound
	}
	return p, nil
}

// ListProofs implements ledger.ProofStore.
func (s *Store) ListProofs(ctx context.Context, batchID uuid.UUID) ([]*ledger.IntegrityProof, error) {
	it := s.db.NewIterator(util.BytesPrefix(batchProofPrefix(batchID)), nil)
	defer it.Release()

	var out []*ledger.IntegrityProof
	for it.Next() {
		id, err := uuid.FromBytes(it.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt proof index: %w", err)
		}
		p, err := s.GetProof(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, it.Error()
}

// ResolveProof implements ledger.ProofStore.
func (s *Store) ResolveProof(ctx context.Context, id uuid.UUID, status ledger.ProofStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetProof(ctx, id)
	if err != nil {
		return err
	}
	if p.VerificationStatus != ledger.ProofPending {
		return ledger.ErrInvalidProofTransition
	}
	p.VerificationStatus = status
	p.ResolvedAt = &at

	wb := new(leveldb.Batch)
	if err := putJSON(wb, proofKey(id), p); err != nil {
		return fmt.Errorf("encode proof: %w", err)
	}
	return s.db.Write(wb, nil)
}
