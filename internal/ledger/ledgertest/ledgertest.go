// Package ledgertest holds the behavioural contract every ledger.Store
// backend must satisfy. Backends call Run from their own tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/hashchain"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Run calls it once per subtest.
type Factory func(t *testing.T) ledger.Store

var epoch = time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)

// Run exercises store semantics the Service depends on.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"BatchRoundTrip", testBatchRoundTrip},
		{"DuplicateCode", testDuplicateCode},
		{"ListBatchesPaging", testListBatchesPaging},
		{"AppendAdvancesHead", testAppendAdvancesHead},
		{"AppendCompareAndSwap", testAppendCompareAndSwap},
		{"AppendToSealed", testAppendToSealed},
		{"SealCompareAndSwap", testSealCompareAndSwap},
		{"LoadChainOrdered", testLoadChainOrdered},
		{"ConcurrentAppendSingleWinner", testConcurrentAppendSingleWinner},
		{"Proofs", testProofs},
		{"NotFound", testNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func newBatch(code string) *ledger.Batch {
	return &ledger.Batch{
		ID:            uuid.New(),
		Code:          code,
		Origin:        "Córdoba",
		Variety:       "Hojiblanca",
		HarvestDate:   epoch.Truncate(24 * time.Hour),
		Quantity:      840.5,
		Unit:          "kg",
		ChainHeadHash: hashchain.GenesisHash,
		HashVersion:   hashchain.DefaultVersion,
		CreatedAt:     epoch,
		UpdatedAt:     epoch,
	}
}

// nextEvent builds a correctly hashed successor of prev (nil for the first).
func nextEvent(b *ledger.Batch, prev *ledger.TraceEvent) *ledger.TraceEvent {
	scheme, _ := hashchain.Lookup(b.HashVersion)
	prevHash, seq := scheme.Genesis(), int64(1)
	if prev != nil {
		prevHash, seq = prev.EventHash, prev.Sequence+1
	}
	ev := &ledger.TraceEvent{
		ID:           uuid.New(),
		BatchID:      b.ID,
		Sequence:     seq,
		EventType:    ledger.EventProcessing,
		Description:  fmt.Sprintf("stage %d", seq),
		Location:     "Mill 2",
		Timestamp:    epoch.Add(time.Duration(seq) * time.Minute),
		Actor:        "mill-operator",
		Metadata:     map[string]string{"temp_c": "27"},
		PreviousHash: prevHash,
		HashVersion:  scheme.Version(),
		CreatedAt:    epoch.Add(time.Duration(seq) * time.Minute),
	}
	ev.EventHash = scheme.Hash(hashchain.Fields{
		BatchID:      ev.BatchID.String(),
		EventType:    string(ev.EventType),
		Description:  ev.Description,
		Location:     ev.Location,
		Timestamp:    ev.Timestamp,
		Actor:        ev.Actor,
		PreviousHash: ev.PreviousHash,
		Sequence:     ev.Sequence,
	})
	return ev
}

func appendChain(t *testing.T, s ledger.Store, b *ledger.Batch, n int) []*ledger.TraceEvent {
	t.Helper()
	var prev *ledger.TraceEvent
	out := make([]*ledger.TraceEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := nextEvent(b, prev)
		require.NoError(t, s.AppendEvent(context.Background(), ev))
		out = append(out, ev)
		prev = ev
	}
	return out
}

func testBatchRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("RT-1")
	require.NoError(t, s.CreateBatch(ctx, b))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Code, got.Code)
	assert.Equal(t, b.Origin, got.Origin)
	assert.Equal(t, b.Quantity, got.Quantity)
	assert.Equal(t, hashchain.GenesisHash, got.ChainHeadHash)
	assert.Zero(t, got.EventCount)
	assert.False(t, got.Sealed)
	assert.True(t, b.HarvestDate.Equal(got.HarvestDate))

	byCode, err := s.GetBatchByCode(ctx, "RT-1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byCode.ID)
}

func testDuplicateCode(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, newBatch("DUP")))
	assert.ErrorIs(t, s.CreateBatch(ctx, newBatch("DUP")), ledger.ErrDuplicateBatchCode)
}

func testListBatchesPaging(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b := newBatch(fmt.Sprintf("PAGE-%d", i))
		b.CreatedAt = epoch.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateBatch(ctx, b))
	}

	first, err := s.ListBatches(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "PAGE-0", first[0].Code)
	assert.Equal(t, "PAGE-1", first[1].Code)

	rest, err := s.ListBatches(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "PAGE-4", rest[2].Code)

	none, err := s.ListBatches(ctx, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAppendAdvancesHead(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("HEAD")
	require.NoError(t, s.CreateBatch(ctx, b))

	last, err := s.LastEvent(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	evs := appendChain(t, s, b, 3)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, evs[2].EventHash, got.ChainHeadHash)
	assert.EqualValues(t, 3, got.EventCount)

	last, err = s.LastEvent(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.EqualValues(t, 3, last.Sequence)
	assert.Equal(t, evs[2].EventHash, last.EventHash)
	assert.Equal(t, "27", last.Metadata["temp_c"])
}

func testAppendCompareAndSwap(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("CAS")
	require.NoError(t, s.CreateBatch(ctx, b))
	evs := appendChain(t, s, b, 2)

	// A writer that read the chain before event 2 landed.
	stale := nextEvent(b, evs[0])
	assert.ErrorIs(t, s.AppendEvent(ctx, stale), ledger.ErrConflict)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.EventCount)
	assert.Equal(t, evs[1].EventHash, got.ChainHeadHash)
}

func testAppendToSealed(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("SEALED")
	require.NoError(t, s.CreateBatch(ctx, b))
	evs := appendChain(t, s, b, 1)

	require.NoError(t, s.SealBatch(ctx, b.ID, evs[0].EventHash, epoch.Add(time.Hour)))
	assert.ErrorIs(t, s.AppendEvent(ctx, nextEvent(b, evs[0])), ledger.ErrBatchSealed)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Sealed)
	require.NotNil(t, got.SealedAt)
	assert.True(t, got.SealedAt.Equal(epoch.Add(time.Hour)))

	assert.ErrorIs(t, s.SealBatch(ctx, b.ID, evs[0].EventHash, epoch), ledger.ErrBatchSealed)
}

func testSealCompareAndSwap(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("SEAL-CAS")
	require.NoError(t, s.CreateBatch(ctx, b))
	appendChain(t, s, b, 1)

	assert.ErrorIs(t, s.SealBatch(ctx, b.ID, hashchain.GenesisHash, epoch), ledger.ErrConflict)
	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.Sealed)
}

func testLoadChainOrdered(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("LOAD")
	require.NoError(t, s.CreateBatch(ctx, b))
	evs := appendChain(t, s, b, 12)

	got, chain, err := s.LoadChain(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 12, got.EventCount)
	require.Len(t, chain, 12)
	for i, ev := range chain {
		assert.EqualValues(t, i+1, ev.Sequence)
		assert.Equal(t, evs[i].EventHash, ev.EventHash)
		assert.True(t, evs[i].Timestamp.Equal(ev.Timestamp))
	}

	report := ledger.VerifyChain(got, chain)
	assert.True(t, report.Valid, "stored chain should verify: %+v", report.Errors)

	listed, err := s.ListEvents(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 12)
}

func testConcurrentAppendSingleWinner(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("RACE")
	require.NoError(t, s.CreateBatch(ctx, b))

	// Every writer builds sequence 1 off the genesis head; exactly one may land.
	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.AppendEvent(ctx, nextEvent(b, nil))
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ledger.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)

	chain, err := s.ListEvents(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func testProofs(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := newBatch("PROOF")
	require.NoError(t, s.CreateBatch(ctx, b))
	evs := appendChain(t, s, b, 2)

	p := &ledger.IntegrityProof{
		ID:                 uuid.New(),
		BatchID:            b.ID,
		ProofHash:          evs[1].EventHash,
		AnchorType:         ledger.AnchorExternalLedger,
		EventCountAtProof:  2,
		VerificationStatus: ledger.ProofPending,
		CreatedAt:          epoch,
	}
	require.NoError(t, s.CreateProof(ctx, p))

	got, err := s.GetProof(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ProofHash, got.ProofHash)
	assert.Equal(t, ledger.ProofPending, got.VerificationStatus)
	assert.Nil(t, got.ResolvedAt)

	require.NoError(t, s.ResolveProof(ctx, p.ID, ledger.ProofVerified, epoch.Add(time.Minute)))
	got, err = s.GetProof(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ProofVerified, got.VerificationStatus)
	require.NotNil(t, got.ResolvedAt)

	assert.ErrorIs(t, s.ResolveProof(ctx, p.ID, ledger.ProofFailed, epoch), ledger.ErrInvalidProofTransition)

	list, err := s.ListProofs(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

func testNotFound(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	missing := uuid.New()

	_, err := s.GetBatch(ctx, missing)
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
	_, err = s.GetBatchByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
	_, _, err = s.LoadChain(ctx, missing)
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
	_, err = s.GetProof(ctx, missing)
	assert.ErrorIs(t, err, ledger.ErrProofNotFound)

	orphan := nextEvent(newBatch("ORPHAN"), nil)
	assert.ErrorIs(t, s.AppendEvent(ctx, orphan), ledger.ErrBatchNotFound)
}
