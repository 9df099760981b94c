package traceview_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/jmerrifield20/agrotrace/internal/ledger/memory"
	"github.com/jmerrifield20/agrotrace/internal/traceview"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*ledger.Service, *ledger.Batch) {
	t.Helper()
	svc, err := ledger.NewService(memory.New(), ledger.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	b, err := svc.RegisterBatch(ctx, ledger.NewBatch{
		Code:    "OLIVE-2025-017",
		Origin:  "Baena",
		Variety: "Picuda",
		Unit:    "L",
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, typ := range []ledger.EventType{ledger.EventHarvest, ledger.EventProcessing, ledger.EventPackaging} {
		_, err := svc.AppendEvent(ctx, b.ID, ledger.EventInput{
			EventType:   typ,
			Description: string(typ),
			Timestamp:   time.Date(2025, 11, 10+i, 7, 0, 0, 0, time.UTC),
			Actor:       "coop-baena",
			Metadata:    map[string]string{"internal": "yes"},
			EvidenceURI: "https://evidence.example/" + string(typ),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return svc, b
}

func keys(t *testing.T, v any) []string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestFieldNamesAreStable(t *testing.T) {
	svc, b := setup(t)
	doc, err := traceview.NewBuilder(svc).GetBatchTraceability(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		v    any
		want string
	}{
		{"document", doc, "batch,events,proofs,totalEvents,verification"},
		{"batch", doc.Batch, "code,harvestDate,id,origin,quantity,status,unit,variety"},
		{"event", doc.Events[0], "actor,description,evidenceUri,hash,id,location,sequence,timestamp,type"},
		{"verification", doc.Verification, "chainHash,errors,eventsChecked,valid"},
	}
	for _, tc := range cases {
		if got := strings.Join(keys(t, tc.v), ","); got != tc.want {
			t.Errorf("%s keys = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestProofFieldNames(t *testing.T) {
	p := traceview.FromProof(&ledger.IntegrityProof{ID: uuid.New(), BatchID: uuid.New()})
	want := "anchorType,batchId,eventCount,id,proofHash,verificationStatus"
	if got := strings.Join(keys(t, p), ","); got != want {
		t.Errorf("proof keys = %s, want %s", got, want)
	}
}

func TestGetBatchTraceability(t *testing.T) {
	svc, b := setup(t)
	ctx := context.Background()
	if _, err := svc.CreateIntegrityProof(ctx, b.ID, ledger.AnchorInternal); err != nil {
		t.Fatal(err)
	}

	doc, err := traceview.NewBuilder(svc).GetBatchTraceability(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.TotalEvents != 3 || len(doc.Events) != 3 {
		t.Fatalf("events = %d/%d, want 3", doc.TotalEvents, len(doc.Events))
	}
	if !doc.Verification.Valid || doc.Verification.EventsChecked != 3 {
		t.Errorf("verification = %+v", doc.Verification)
	}
	if doc.Verification.ChainHash != doc.Events[2].Hash {
		t.Error("verification chain hash should be the last event's hash")
	}
	if doc.Batch.Status != ledger.BatchStatusOpen {
		t.Errorf("status = %q", doc.Batch.Status)
	}
	for i, ev := range doc.Events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("event %d sequence = %d", i, ev.Sequence)
		}
	}
	if len(doc.Proofs) != 1 || doc.Proofs[0].EventCount != 3 {
		t.Errorf("proofs = %+v", doc.Proofs)
	}

	raw, _ := json.Marshal(doc)
	for _, internal := range []string{"previous", "metadata", "hash_version", "chain_head"} {
		if strings.Contains(strings.ToLower(string(raw)), internal) {
			t.Errorf("public document leaks %q: %s", internal, raw)
		}
	}
}

func TestGetBatchTraceabilityByCode(t *testing.T) {
	svc, b := setup(t)
	builder := traceview.NewBuilder(svc)

	doc, err := builder.GetBatchTraceabilityByCode(context.Background(), "OLIVE-2025-017")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Batch.ID != b.ID {
		t.Errorf("resolved batch %s, want %s", doc.Batch.ID, b.ID)
	}

	_, err = builder.GetBatchTraceabilityByCode(context.Background(), "NOPE")
	if !errors.Is(err, ledger.ErrBatchNotFound) {
		t.Errorf("err = %v, want ErrBatchNotFound", err)
	}
}

func TestSealedBatchStillViewable(t *testing.T) {
	svc, b := setup(t)
	ctx := context.Background()
	if _, err := svc.SealBatch(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	doc, err := traceview.NewBuilder(svc).GetBatchTraceability(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Batch.Status != ledger.BatchStatusSealed || !doc.Verification.Valid {
		t.Errorf("sealed doc = %+v / %+v", doc.Batch, doc.Verification)
	}
}

func TestRecordsCarryChainFields(t *testing.T) {
	svc, b := setup(t)
	events, err := svc.ListEvents(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	rec := traceview.NewEventRecord(events[1])
	if rec.PreviousHash != events[0].EventHash || rec.Metadata["internal"] != "yes" {
		t.Errorf("record = %+v", rec)
	}
	stored, _ := svc.GetBatch(context.Background(), b.ID)
	br := traceview.NewBatchRecord(stored)
	if br.ChainHeadHash != events[2].EventHash || br.EventCount != 3 {
		t.Errorf("batch record = %+v", br)
	}
}
