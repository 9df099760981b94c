package ledger

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the mutation state of a batch. Sealed batches stay readable
// and verifiable.
type BatchStatus string

const (
	BatchStatusOpen   BatchStatus = "open"
	BatchStatusSealed BatchStatus = "sealed"
)

// Batch is a traceable production lot and the root of one event chain.
type Batch struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Origin      string    `json:"origin"`
	Variety     string    `json:"variety"`
	HarvestDate time.Time `json:"harvest_date"`
	Quantity    float64   `json:"quantity"`
	Unit        string    `json:"unit"`

	// ChainHeadHash is the hash of the last appended event, or the genesis
	// sentinel while the batch has no events.
	ChainHeadHash string `json:"chain_head_hash"`
	// EventCount equals the sequence of the last appended event.
	EventCount  int64  `json:"event_count"`
	HashVersion string `json:"hash_version"`
	Sealed      bool   `json:"sealed"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
}

// Status derives the public status from Sealed.
func (b *Batch) Status() BatchStatus {
	if b.Sealed {
		return BatchStatusSealed
	}
	return BatchStatusOpen
}

// NewBatch is the producer-supplied descriptive metadata of a batch.
type NewBatch struct {
	Code        string    `json:"code"`
	Origin      string    `json:"origin"`
	Variety     string    `json:"variety"`
	HarvestDate time.Time `json:"harvest_date"`
	Quantity    float64   `json:"quantity"`
	Unit        string    `json:"unit"`
}

// EventType enumerates provenance event kinds.
type EventType string

const (
	EventHarvest       EventType = "harvest"
	EventProcessing    EventType = "processing"
	EventPackaging     EventType = "packaging"
	EventQualityCheck  EventType = "quality_check"
	EventShipment      EventType = "shipment"
	EventCertification EventType = "certification"
	EventCustom        EventType = "custom"
)

// Valid reports whether t is one of the enumerated event types.
func (t EventType) Valid() bool {
	switch t {
	case EventHarvest, EventProcessing, EventPackaging, EventQualityCheck,
		EventShipment, EventCertification, EventCustom:
		return true
	}
	return false
}

// TraceEvent is one immutable link in a batch's chain.
type TraceEvent struct {
	ID       uuid.UUID `json:"id"`
	BatchID  uuid.UUID `json:"batch_id"`
	Sequence int64     `json:"sequence"`

	EventType   EventType `json:"event_type"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Timestamp   time.Time `json:"event_timestamp"`
	Actor       string    `json:"actor"`

	// Metadata and EvidenceURI are not covered by EventHash and can be
	// amended without breaking the chain.
	Metadata    map[string]string `json:"metadata,omitempty"`
	EvidenceURI string            `json:"evidence_uri,omitempty"`

	EventHash    string `json:"event_hash"`
	PreviousHash string `json:"previous_hash"`
	HashVersion  string `json:"hash_version"`

	CreatedAt time.Time `json:"created_at"`
}

// EventInput carries the caller-supplied fields of an append. Timestamp and
// Actor come from the caller, never from ambient state.
type EventInput struct {
	EventType   EventType         `json:"event_type"`
	Description string            `json:"description"`
	Location    string            `json:"location"`
	Timestamp   time.Time         `json:"event_timestamp"`
	Actor       string            `json:"actor"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EvidenceURI string            `json:"evidence_uri,omitempty"`
}

// AnchorType says where an integrity proof is anchored.
type AnchorType string

const (
	AnchorInternal       AnchorType = "internal"
	AnchorExternalLedger AnchorType = "external_ledger"
	AnchorExternalNotary AnchorType = "external_notary"
)

// Valid reports whether a is a supported anchor type.
func (a AnchorType) Valid() bool {
	switch a {
	case AnchorInternal, AnchorExternalLedger, AnchorExternalNotary:
		return true
	}
	return false
}

// External reports whether confirmation of a depends on a third party.
func (a AnchorType) External() bool {
	return a == AnchorExternalLedger || a == AnchorExternalNotary
}

// ProofStatus is the verification state of an integrity proof.
type ProofStatus string

const (
	ProofPending  ProofStatus = "pending"
	ProofVerified ProofStatus = "verified"
	ProofFailed   ProofStatus = "failed"
)

// IntegrityProof is a point-in-time snapshot of a batch's chain head.
type IntegrityProof struct {
	ID                 uuid.UUID   `json:"id"`
	BatchID            uuid.UUID   `json:"batch_id"`
	ProofHash          string      `json:"proof_hash"`
	AnchorType         AnchorType  `json:"anchor_type"`
	EventCountAtProof  int64       `json:"event_count_at_proof"`
	VerificationStatus ProofStatus `json:"verification_status"`
	CreatedAt          time.Time   `json:"created_at"`
	ResolvedAt         *time.Time  `json:"resolved_at,omitempty"`
}
