// Package postgres persists batches, trace events and integrity proofs in
// PostgreSQL. See migrations/001_provenance.up.sql for the schema.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

// Store implements ledger.Store over a pgx connection pool.
//
// An append is one transaction: a conditional UPDATE of the batch head that
// only matches when (chain_head_hash, event_count) still equal what the
// caller read, followed by the INSERT of the event. The unique
// (batch_id, sequence) constraint backs the same guarantee.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

type scanner interface {
	Scan(dest ...any) error
}

const batchColumns = `id, code, origin, variety, harvest_date, quantity, unit,
	chain_head_hash, event_count, hash_version, sealed, created_at, updated_at, sealed_at`

func scanBatch(row scanner) (*ledger.Batch, error) {
	b := &ledger.Batch{}
	if err := row.Scan(
		&b.ID, &b.Code, &b.Origin, &b.Variety, &b.HarvestDate, &b.Quantity, &b.Unit,
		&b.ChainHeadHash, &b.EventCount, &b.HashVersion, &b.Sealed,
		&b.CreatedAt, &b.UpdatedAt, &b.SealedAt,
	); err != nil {
		return nil, err
	}
	b.HarvestDate = b.HarvestDate.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	if b.SealedAt != nil {
		t := b.SealedAt.UTC()
		b.SealedAt = &t
	}
	return b, nil
}

const eventColumns = `id, batch_id, sequence, event_type, description, location,
	event_timestamp, actor, metadata, evidence_uri, event_hash, previous_hash, hash_version, created_at`

func scanEvent(row scanner) (*ledger.TraceEvent, error) {
	ev := &ledger.TraceEvent{}
	var meta []byte
	if err := row.Scan(
		&ev.ID, &ev.BatchID, &ev.Sequence, &ev.EventType, &ev.Description, &ev.Location,
		&ev.Timestamp, &ev.Actor, &meta, &ev.EvidenceURI, &ev.EventHash, &ev.PreviousHash,
		&ev.HashVersion, &ev.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %s: %w", ev.ID, err)
		}
		if len(ev.Metadata) == 0 {
			ev.Metadata = nil
		}
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

const proofColumns = `id, batch_id, proof_hash, anchor_type, event_count_at_proof,
	verification_status, created_at, resolved_at`

func scanProof(row scanner) (*ledger.IntegrityProof, error) {
	p := &ledger.IntegrityProof{}
	if err := row.Scan(
		&p.ID, &p.BatchID, &p.ProofHash, &p.AnchorType, &p.EventCountAtProof,
		&p.VerificationStatus, &p.CreatedAt, &p.ResolvedAt,
	); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	if p.ResolvedAt != nil {
		t := p.ResolvedAt.UTC()
		p.ResolvedAt = &t
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateBatch implements ledger.BatchStore.
func (s *Store) CreateBatch(ctx context.Context, b *ledger.Batch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.Code, b.Origin, b.Variety, b.HarvestDate, b.Quantity, b.Unit,
		b.ChainHeadHash, b.EventCount, b.HashVersion, b.Sealed,
		b.CreatedAt, b.UpdatedAt, b.SealedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateBatchCode
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *Store) getBatch(ctx context.Context, q pgxQuerier, where string, arg any) (*ledger.Batch, error) {
	b, err := scanBatch(q.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrBatchNotFound
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GetBatch implements ledger.BatchStore.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*ledger.Batch, error) {
	return s.getBatch(ctx, s.pool, "id = $1", id)
}

// GetBatchByCode implements ledger.BatchStore.
func (s *Store) GetBatchByCode(ctx context.Context, code string) (*ledger.Batch, error) {
	return s.getBatch(ctx, s.pool, "code = $1", code)
}

// ListBatches implements ledger.BatchStore.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]*ledger.Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at, id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// classify explains why a conditional UPDATE on a batch matched no row.
func classify(ctx context.Context, q pgxQuerier, id uuid.UUID) error {
	var sealed bool
	err := q.QueryRow(ctx, `SELECT sealed FROM batches WHERE id = $1`, id).Scan(&sealed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ledger.ErrBatchNotFound
	case err != nil:
		return fmt.Errorf("read batch state: %w", err)
	case sealed:
		return ledger.ErrBatchSealed
	}
	return ledger.ErrConflict
}

// SealBatch implements ledger.BatchStore.
func (s *Store) SealBatch(ctx context.Context, id uuid.UUID, expectedHead string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET sealed = true, sealed_at = $2, updated_at = $2
		WHERE id = $1 AND NOT sealed AND chain_head_hash = $3`,
		id, at, expectedHead,
	)
	if err != nil {
		return fmt.Errorf("seal batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return classify(ctx, s.pool, id)
	}
	return nil
}

// LastEvent implements ledger.EventStore.
func (s *Store) LastEvent(ctx context.Context, batchID uuid.UUID) (*ledger.TraceEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM trace_events WHERE batch_id = $1 ORDER BY sequence DESC LIMIT 1`,
		batchID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	return ev, nil
}

// AppendEvent implements ledger.EventStore.
func (s *Store) AppendEvent(ctx context.Context, ev *ledger.TraceEvent) error {
	meta := []byte("{}")
	if len(ev.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE batches SET chain_head_hash = $2, event_count = $3, updated_at = $4
		WHERE id = $1 AND NOT sealed AND chain_head_hash = $5 AND event_count = $6`,
		ev.BatchID, ev.EventHash, ev.Sequence, ev.CreatedAt, ev.PreviousHash, ev.Sequence-1,
	)
	if err != nil {
		return fmt.Errorf("advance batch head: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return classify(ctx, tx, ev.BatchID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO trace_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.BatchID, ev.Sequence, ev.EventType, ev.Description, ev.Location,
		ev.Timestamp, ev.Actor, meta, ev.EvidenceURI, ev.EventHash, ev.PreviousHash,
		ev.HashVersion, ev.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("insert trace event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrConflict
		}
		return fmt.Errorf("commit append: %w", err)
	}

	s.logger.Debug("trace event stored",
		zap.String("batch_id", ev.BatchID.String()),
		zap.Int64("sequence", ev.Sequence),
	)
	return nil
}

func listEvents(ctx context.Context, q pgxQuerier, batchID uuid.UUID) ([]*ledger.TraceEvent, error) {
	rows, err := q.Query(ctx,
		`SELECT `+eventColumns+` FROM trace_events WHERE batch_id = $1 ORDER BY sequence ASC`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*ledger.TraceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListEvents implements ledger.EventStore.
func (s *Store) ListEvents(ctx context.Context, batchID uuid.UUID) ([]*ledger.TraceEvent, error) {
	return listEvents(ctx, s.pool, batchID)
}

// LoadChain implements ledger.EventStore. Both reads run in one read-only
// REPEATABLE READ transaction so they see the same committed state.
func (s *Store) LoadChain(ctx context.Context, batchID uuid.UUID) (*ledger.Batch, []*ledger.TraceEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	b, err := s.getBatch(ctx, tx, "id = $1", batchID)
	if err != nil {
		return nil, nil, err
	}
	events, err := listEvents(ctx, tx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("end snapshot: %w", err)
	}
	return b, events, nil
}

// CreateProof implements ledger.ProofStore.
func (s *Store) CreateProof(ctx context.Context, p *ledger.IntegrityProof) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO integrity_proofs (`+proofColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.BatchID, p.ProofHash, p.AnchorType, p.EventCountAtProof,
		p.VerificationStatus, p.CreatedAt, p.ResolvedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ledger.ErrBatchNotFound
		}
		return fmt.Errorf("insert proof: %w", err)
	}
	return nil
}

// GetProof implements ledger.ProofStore.
func (s *Store) GetProof(ctx context.Context, id uuid.UUID) (*ledger.IntegrityProof, error) {
	p, err := scanProof(s.pool.QueryRow(ctx,
		`SELECT `+proofColumns+` FROM integrity_proofs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrProofNotFound
		}
		return nil, fmt.Errorf("get proof: %w", err)
	}
	return p, nil
}

// ListProofs implements ledger.ProofStore.
func (s *Store) ListProofs(ctx context.Context, batchID uuid.UUID) ([]*ledger.IntegrityProof, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+proofColumns+` FROM integrity_proofs WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list proofs: %w", err)
	}
	defer rows.Close()

	var out []*ledger.IntegrityProof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResolveProof implements ledger.ProofStore.
func (s *Store) ResolveProof(ctx context.Context, id uuid.UUID, status ledger.ProofStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE integrity_proofs SET verification_status = $2, resolved_at = $3
		WHERE id = $1 AND verification_status = $4`,
		id, status, at, ledger.ProofPending,
	)
	if err != nil {
		return fmt.Errorf("resolve proof: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetProof(ctx, id); err != nil {
			return err
		}
		return ledger.ErrInvalidProofTransition
	}
	return nil
}
