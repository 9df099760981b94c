package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/hashchain"
)

// FindingKind classifies an integrity violation.
type FindingKind string

const (
	// FindingBrokenChain: an event's previous_hash is not the stored hash of
	// its predecessor (or the genesis sentinel for sequence 1).
	FindingBrokenChain FindingKind = "BrokenChain"
	// FindingHashMismatch: recomputing an event's hash from its stored fields
	// does not reproduce the stored event_hash.
	FindingHashMismatch FindingKind = "HashMismatch"
	// FindingBatchHeadMismatch: the batch head or event count disagrees with
	// the last stored event.
	FindingBatchHeadMismatch FindingKind = "BatchHeadMismatch"
	// FindingSequenceGap: sequences are not exactly 1..N.
	FindingSequenceGap FindingKind = "SequenceGap"
	// FindingHashVersionMismatch: the stored hash was produced by a scheme
	// this verifier does not know, or by a different scheme than the batch's.
	FindingHashVersionMismatch FindingKind = "HashVersionMismatch"
)

// Finding is one integrity violation. EventID and Sequence are nil for
// batch-level findings.
type Finding struct {
	EventID  *uuid.UUID  `json:"eventId,omitempty"`
	Sequence *int64      `json:"sequence,omitempty"`
	Kind     FindingKind `json:"kind"`
	Message  string      `json:"message"`
}

// VerificationReport is the outcome of walking a batch's chain. A report with
// findings is a successful verification that detected tampering.
type VerificationReport struct {
	Valid         bool      `json:"valid"`
	EventsChecked int       `json:"eventsChecked"`
	Errors        []Finding `json:"errors"`
	ChainHash     string    `json:"chainHash"`
}

func (r *VerificationReport) add(ev *TraceEvent, kind FindingKind, format string, args ...any) {
	f := Finding{Kind: kind, Message: fmt.Sprintf(format, args...)}
	if ev != nil {
		id, seq := ev.ID, ev.Sequence
		f.EventID, f.Sequence = &id, &seq
	}
	r.Errors = append(r.Errors, f)
}

// Count returns how many findings of kind the report holds.
func (r *VerificationReport) Count(kind FindingKind) int {
	n := 0
	for _, f := range r.Errors {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// VerifyChain checks b and its events, which must be ordered by ascending
// sequence and read as one snapshot. It never mutates its inputs.
//
// The expected previous hash always advances to the stored hash of the event
// just checked, not the recomputed one, so a single altered field yields one
// HashMismatch at that event and nothing downstream.
func VerifyChain(b *Batch, events []*TraceEvent) *VerificationReport {
	r := &VerificationReport{
		EventsChecked: len(events),
		Errors:        []Finding{},
		ChainHash:     b.ChainHeadHash,
	}

	genesis := hashchain.GenesisHash
	if s, ok := hashchain.Lookup(b.HashVersion); ok {
		genesis = s.Genesis()
	} else {
		r.add(nil, FindingHashVersionMismatch,
			"batch hash version %q is not supported by this verifier", b.HashVersion)
	}

	expectedPrev := genesis
	for i, ev := range events {
		if want := int64(i + 1); ev.Sequence != want {
			r.add(ev, FindingSequenceGap, "sequence %d at position %d, want %d", ev.Sequence, i+1, want)
		}

		if ev.PreviousHash != expectedPrev {
			if i == 0 && ev.PreviousHash == hashchain.LegacyGenesisHash {
				r.add(ev, FindingBrokenChain,
					"previous hash is the legacy %d-character genesis sentinel, want %d characters",
					len(hashchain.LegacyGenesisHash), len(genesis))
			} else {
				r.add(ev, FindingBrokenChain, "previous hash %s does not match %s", ev.PreviousHash, expectedPrev)
			}
		}

		scheme, known := hashchain.Lookup(ev.HashVersion)
		switch {
		case !known:
			r.add(ev, FindingHashVersionMismatch,
				"hash version %q is not supported by this verifier; hash not recomputed", ev.HashVersion)
		case ev.HashVersion != b.HashVersion:
			r.add(ev, FindingHashVersionMismatch,
				"event hashed with %s but batch uses %s", ev.HashVersion, b.HashVersion)
		}
		if known {
			if got := scheme.Hash(eventFields(ev)); got != ev.EventHash {
				r.add(ev, FindingHashMismatch, "stored hash %s, recomputed %s", ev.EventHash, got)
			}
		}

		expectedPrev = ev.EventHash
	}

	if b.ChainHeadHash != expectedPrev {
		if len(events) == 0 {
			r.add(nil, FindingBatchHeadMismatch, "batch has no events but head is %s", b.ChainHeadHash)
		} else {
			r.add(nil, FindingBatchHeadMismatch, "batch head %s does not match last event hash %s", b.ChainHeadHash, expectedPrev)
		}
	}
	if b.EventCount != int64(len(events)) {
		r.add(nil, FindingBatchHeadMismatch, "batch records %d events, chain has %d", b.EventCount, len(events))
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// eventFields extracts the hashed subset of ev.
func eventFields(ev *TraceEvent) hashchain.Fields {
	return hashchain.Fields{
		BatchID:      ev.BatchID.String(),
		EventType:    string(ev.EventType),
		Description:  ev.Description,
		Location:     ev.Location,
		Timestamp:    ev.Timestamp,
		Actor:        ev.Actor,
		PreviousHash: ev.PreviousHash,
		Sequence:     ev.Sequence,
	}
}
