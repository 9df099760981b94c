// Package traceview builds the consumer-facing projection of a batch: the
// document behind a QR code on the packaging. Field names here are a public
// contract; links to them are printed and scanned, so they must not change.
package traceview

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
)

// Batch is the public view of a batch.
type Batch struct {
	ID          uuid.UUID          `json:"id"`
	Code        string             `json:"code"`
	Origin      string             `json:"origin"`
	Variety     string             `json:"variety"`
	HarvestDate time.Time          `json:"harvestDate"`
	Quantity    float64            `json:"quantity"`
	Unit        string             `json:"unit"`
	Status      ledger.BatchStatus `json:"status"`
}

// Event is the public view of a trace event.
type Event struct {
	ID          uuid.UUID        `json:"id"`
	Type        ledger.EventType `json:"type"`
	Description string           `json:"description"`
	Location    string           `json:"location"`
	Timestamp   time.Time        `json:"timestamp"`
	Actor       string           `json:"actor"`
	EvidenceURI string           `json:"evidenceUri,omitempty"`
	Sequence    int64            `json:"sequence"`
	Hash        string           `json:"hash"`
}

// Proof is the public view of an integrity proof.
type Proof struct {
	ID                 uuid.UUID          `json:"id"`
	BatchID            uuid.UUID          `json:"batchId"`
	ProofHash          string             `json:"proofHash"`
	AnchorType         ledger.AnchorType  `json:"anchorType"`
	EventCount         int64              `json:"eventCount"`
	VerificationStatus ledger.ProofStatus `json:"verificationStatus"`
}

// Traceability is the full public document for one batch.
type Traceability struct {
	Batch        Batch                      `json:"batch"`
	Events       []Event                    `json:"events"`
	Verification *ledger.VerificationReport `json:"verification"`
	TotalEvents  int                        `json:"totalEvents"`
	Proofs       []Proof                    `json:"proofs"`
}

// FromBatch projects b onto its public fields.
func FromBatch(b *ledger.Batch) Batch {
	return Batch{
		ID:          b.ID,
		Code:        b.Code,
		Origin:      b.Origin,
		Variety:     b.Variety,
		HarvestDate: b.HarvestDate,
		Quantity:    b.Quantity,
		Unit:        b.Unit,
		Status:      b.Status(),
	}
}

// FromEvent projects ev onto its public fields.
func FromEvent(ev *ledger.TraceEvent) Event {
	return Event{
		ID:          ev.ID,
		Type:        ev.EventType,
		Description: ev.Description,
		Location:    ev.Location,
		Timestamp:   ev.Timestamp,
		Actor:       ev.Actor,
		EvidenceURI: ev.EvidenceURI,
		Sequence:    ev.Sequence,
		Hash:        ev.EventHash,
	}
}

// FromProof projects p onto its public fields.
func FromProof(p *ledger.IntegrityProof) Proof {
	return Proof{
		ID:                 p.ID,
		BatchID:            p.BatchID,
		ProofHash:          p.ProofHash,
		AnchorType:         p.AnchorType,
		EventCount:         p.EventCountAtProof,
		VerificationStatus: p.VerificationStatus,
	}
}

// Ledger is the read side of ledger.Service the builder needs.
type Ledger interface {
	Snapshot(ctx context.Context, batchID uuid.UUID) (*ledger.Batch, []*ledger.TraceEvent, error)
	GetBatchByCode(ctx context.Context, code string) (*ledger.Batch, error)
	Verify(b *ledger.Batch, events []*ledger.TraceEvent) *ledger.VerificationReport
	ListProofs(ctx context.Context, batchID uuid.UUID) ([]*ledger.IntegrityProof, error)
}

// Builder assembles Traceability documents. It holds no state of its own.
type Builder struct {
	ledger Ledger
}

// NewBuilder creates a Builder over l.
func NewBuilder(l Ledger) *Builder {
	return &Builder{ledger: l}
}

// GetBatchTraceability builds the document for batchID. Events and the
// verification report come from the same snapshot.
func (b *Builder) GetBatchTraceability(ctx context.Context, batchID uuid.UUID) (*Traceability, error) {
	batch, events, err := b.ledger.Snapshot(ctx, batchID)
	if err != nil {
		return nil, err
	}
	proofs, err := b.ledger.ListProofs(ctx, batchID)
	if err != nil {
		return nil, err
	}

	out := &Traceability{
		Batch:        FromBatch(batch),
		Events:       make([]Event, 0, len(events)),
		Verification: b.ledger.Verify(batch, events),
		TotalEvents:  len(events),
		Proofs:       make([]Proof, 0, len(proofs)),
	}
	for _, ev := range events {
		out.Events = append(out.Events, FromEvent(ev))
	}
	for _, p := range proofs {
		out.Proofs = append(out.Proofs, FromProof(p))
	}
	return out, nil
}

// GetBatchTraceabilityByCode resolves the printed batch code first.
func (b *Builder) GetBatchTraceabilityByCode(ctx context.Context, code string) (*Traceability, error) {
	batch, err := b.ledger.GetBatchByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return b.GetBatchTraceability(ctx, batch.ID)
}
