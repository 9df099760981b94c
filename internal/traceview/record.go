package traceview

import (
	"time"

	"github.com/jmerrifield20/agrotrace/internal/ledger"
)

// BatchRecord extends Batch with the chain bookkeeping producers and auditors
// need. It is what the write API returns.
type BatchRecord struct {
	Batch
	ChainHeadHash string     `json:"chainHeadHash"`
	EventCount    int64      `json:"eventCount"`
	HashVersion   string     `json:"hashVersion"`
	CreatedAt     time.Time  `json:"createdAt"`
	SealedAt      *time.Time `json:"sealedAt,omitempty"`
}

// EventRecord extends Event with linkage and annotations.
type EventRecord struct {
	Event
	PreviousHash string            `json:"previousHash"`
	HashVersion  string            `json:"hashVersion"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// NewBatchRecord projects b for the write API.
func NewBatchRecord(b *ledger.Batch) BatchRecord {
	return BatchRecord{
		Batch:         FromBatch(b),
		ChainHeadHash: b.ChainHeadHash,
		EventCount:    b.EventCount,
		HashVersion:   b.HashVersion,
		CreatedAt:     b.CreatedAt,
		SealedAt:      b.SealedAt,
	}
}

// NewEventRecord projects ev for the write API.
func NewEventRecord(ev *ledger.TraceEvent) EventRecord {
	return EventRecord{
		Event:        FromEvent(ev),
		PreviousHash: ev.PreviousHash,
		HashVersion:  ev.HashVersion,
		Metadata:     ev.Metadata,
		CreatedAt:    ev.CreatedAt,
	}
}
