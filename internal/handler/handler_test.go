package handler_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agrotrace/internal/handler"
	"github.com/jmerrifield20/agrotrace/internal/identity"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/jmerrifield20/agrotrace/internal/ledger/memory"
	"github.com/jmerrifield20/agrotrace/internal/traceview"
	"go.uber.org/zap"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func newIssuer(t *testing.T) *identity.TokenIssuer {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return identity.NewTokenIssuer(testKey, "https://trace.example", time.Hour)
}

type testServer struct {
	router *gin.Engine
	svc    *ledger.Service
	tokens *identity.TokenIssuer
}

// setupRouter mounts every handler the way traced does. tokens may be nil.
func setupRouter(t *testing.T, tokens *identity.TokenIssuer) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, err := ledger.NewService(memory.New(), ledger.Config{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewBatchHandler(svc, tokens, zap.NewNop()).Register(v1)
	handler.NewProofHandler(svc, tokens, zap.NewNop()).Register(v1)
	handler.NewTraceHandler(traceview.NewBuilder(svc), zap.NewNop()).Register(v1)
	return &testServer{router: r, svc: svc, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) map[string]any {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	return decode(t, w)
}

func eventBody(typ string) map[string]any {
	return map[string]any{
		"type":        typ,
		"description": "hand picked at dawn",
		"location":    "Finca El Olivo",
		"timestamp":   "2025-10-02T06:30:00Z",
		"actor":       "coop-jaen",
		"metadata":    map[string]string{"crate": "17"},
	}
}

// seedBatch registers a batch and appends n events over HTTP.
func (s *testServer) seedBatch(t *testing.T, code string, n int, token string) string {
	t.Helper()
	resp := expect(t, s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"code":    code,
		"origin":  "Jaén, ES",
		"variety": "Picual",
	}, token), http.StatusCreated)
	id := resp["id"].(string)
	for i := 0; i < n; i++ {
		expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", eventBody("harvest"), token), http.StatusCreated)
	}
	return id
}

func TestRegisterBatch_201(t *testing.T) {
	s := setupRouter(t, nil)

	resp := expect(t, s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"code":     "OLV-2025-001",
		"quantity": 1200.5,
		"unit":     "kg",
	}, ""), http.StatusCreated)

	if resp["code"] != "OLV-2025-001" || resp["status"] != "open" {
		t.Errorf("unexpected batch: %v", resp)
	}
	if resp["eventCount"].(float64) != 0 {
		t.Errorf("eventCount = %v, want 0", resp["eventCount"])
	}
	if len(resp["chainHeadHash"].(string)) != 64 {
		t.Errorf("chainHeadHash = %v, want genesis", resp["chainHeadHash"])
	}
}

func TestRegisterBatch_400_missingCode(t *testing.T) {
	s := setupRouter(t, nil)
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{"origin": "x"}, ""), http.StatusBadRequest)
}

func TestRegisterBatch_409_duplicateCode(t *testing.T) {
	s := setupRouter(t, nil)
	s.seedBatch(t, "DUP-1", 0, "")
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{"code": "DUP-1"}, ""), http.StatusConflict)
}

func TestListBatches_paging(t *testing.T) {
	s := setupRouter(t, nil)
	for _, code := range []string{"A", "B", "C"} {
		s.seedBatch(t, code, 0, "")
	}

	resp := expect(t, s.do(t, http.MethodGet, "/api/v1/batches?limit=2&offset=1", nil, ""), http.StatusOK)
	if int(resp["count"].(float64)) != 2 {
		t.Fatalf("count = %v, want 2", resp["count"])
	}
	first := resp["batches"].([]any)[0].(map[string]any)
	if first["code"] != "B" {
		t.Errorf("first code = %v, want B", first["code"])
	}
}

func TestGetBatch_statuses(t *testing.T) {
	s := setupRouter(t, nil)
	id := s.seedBatch(t, "GET-1", 1, "")

	expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id, nil, ""), http.StatusOK)
	expect(t, s.do(t, http.MethodGet, "/api/v1/batches/not-a-uuid", nil, ""), http.StatusBadRequest)
	expect(t, s.do(t, http.MethodGet, "/api/v1/batches/00000000-0000-0000-0000-000000000001", nil, ""), http.StatusNotFound)
}

func TestAppendEvent_linksChain(t *testing.T) {
	s := setupRouter(t, nil)
	id := s.seedBatch(t, "APP-1", 0, "")

	first := expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", eventBody("harvest"), ""), http.StatusCreated)
	second := expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", eventBody("processing"), ""), http.StatusCreated)

	if second["previousHash"] != first["hash"] {
		t.Errorf("previousHash = %v, want %v", second["previousHash"], first["hash"])
	}
	if second["sequence"].(float64) != 2 {
		t.Errorf("sequence = %v, want 2", second["sequence"])
	}
	if first["actor"] != "coop-jaen" {
		t.Errorf("actor = %v, want body actor", first["actor"])
	}

	list := expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id+"/events", nil, ""), http.StatusOK)
	if int(list["count"].(float64)) != 2 {
		t.Errorf("count = %v, want 2", list["count"])
	}
}

func TestAppendEvent_400_cases(t *testing.T) {
	s := setupRouter(t, nil)
	id := s.seedBatch(t, "BAD-1", 0, "")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown type", eventBody("teleport")},
		{"missing timestamp", map[string]any{"type": "harvest", "actor": "a"}},
		{"missing actor", map[string]any{"type": "harvest", "timestamp": "2025-10-02T06:30:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", tt.body, ""), http.StatusBadRequest)
		})
	}
}

func TestSealBatch_blocksAppends(t *testing.T) {
	s := setupRouter(t, nil)
	id := s.seedBatch(t, "SEAL-1", 2, "")

	resp := expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/seal", nil, ""), http.StatusOK)
	if resp["status"] != "sealed" {
		t.Errorf("status = %v, want sealed", resp["status"])
	}
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", eventBody("shipment"), ""), http.StatusConflict)
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/seal", nil, ""), http.StatusConflict)

	v := expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id+"/verify", nil, ""), http.StatusOK)
	if v["valid"] != true {
		t.Errorf("sealed batch should still verify: %v", v)
	}
}

func TestVerify_200(t *testing.T) {
	s := setupRouter(t, nil)
	id := s.seedBatch(t, "VER-1", 3, "")

	resp := expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id+"/verify", nil, ""), http.StatusOK)
	if resp["valid"] != true || resp["eventsChecked"].(float64) != 3 {
		t.Errorf("unexpected report: %v", resp)
	}
	if errs := resp["errors"].([]any); len(errs) != 0 {
		t.Errorf("errors = %v, want empty", errs)
	}
}

func TestProofs_lifecycle(t *testing.T) {
	s := setupRouter(t, nil)
	empty := s.seedBatch(t, "PRF-0", 0, "")
	id := s.seedBatch(t, "PRF-1", 2, "")

	expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+empty+"/proofs", nil, ""), http.StatusUnprocessableEntity)
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/proofs", map[string]any{"anchorType": "carrier_pigeon"}, ""), http.StatusBadRequest)

	internal := expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/proofs", nil, ""), http.StatusCreated)
	if internal["anchorType"] != "internal" || internal["verificationStatus"] != "verified" {
		t.Errorf("unexpected internal proof: %v", internal)
	}
	if internal["eventCount"].(float64) != 2 {
		t.Errorf("eventCount = %v, want 2", internal["eventCount"])
	}

	external := expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/proofs", map[string]any{"anchorType": "external_notary"}, ""), http.StatusCreated)
	if external["verificationStatus"] != "pending" {
		t.Errorf("external proof status = %v, want pending", external["verificationStatus"])
	}
	extID := external["id"].(string)

	expect(t, s.do(t, http.MethodPost, "/api/v1/proofs/"+extID+"/confirm", map[string]any{}, ""), http.StatusBadRequest)
	confirmed := expect(t, s.do(t, http.MethodPost, "/api/v1/proofs/"+extID+"/confirm", map[string]any{"verified": true}, ""), http.StatusOK)
	if confirmed["verificationStatus"] != "verified" {
		t.Errorf("status = %v, want verified", confirmed["verificationStatus"])
	}
	expect(t, s.do(t, http.MethodPost, "/api/v1/proofs/"+extID+"/confirm", map[string]any{"verified": false}, ""), http.StatusConflict)
	expect(t, s.do(t, http.MethodPost, "/api/v1/proofs/"+internal["id"].(string)+"/confirm", map[string]any{"verified": true}, ""), http.StatusConflict)

	list := expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id+"/proofs", nil, ""), http.StatusOK)
	if int(list["count"].(float64)) != 2 {
		t.Errorf("count = %v, want 2", list["count"])
	}

	// Appending after the proof does not invalidate it.
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", eventBody("packaging"), ""), http.StatusCreated)
	check := expect(t, s.do(t, http.MethodGet, "/api/v1/proofs/"+internal["id"].(string)+"/verify", nil, ""), http.StatusOK)
	if check["matches"] != true || check["chainValid"] != true {
		t.Errorf("unexpected proof check: %v", check)
	}

	expect(t, s.do(t, http.MethodGet, "/api/v1/proofs/00000000-0000-0000-0000-000000000001", nil, ""), http.StatusNotFound)
}

func TestTrace_byCode(t *testing.T) {
	s := setupRouter(t, nil)
	id := s.seedBatch(t, "QR-42", 2, "")

	w := s.do(t, http.MethodGet, "/api/v1/trace/QR-42", nil, "")
	resp := expect(t, w, http.StatusOK)
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", w.Header().Get("Cache-Control"))
	}
	batch := resp["batch"].(map[string]any)
	if batch["id"] != id {
		t.Errorf("batch id = %v, want %s", batch["id"], id)
	}
	if resp["totalEvents"].(float64) != 2 {
		t.Errorf("totalEvents = %v, want 2", resp["totalEvents"])
	}
	if resp["verification"].(map[string]any)["valid"] != true {
		t.Errorf("verification = %v", resp["verification"])
	}
	ev := resp["events"].([]any)[0].(map[string]any)
	for _, internal := range []string{"previousHash", "metadata", "hashVersion"} {
		if _, ok := ev[internal]; ok {
			t.Errorf("public event leaks %q", internal)
		}
	}

	byID := expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id+"/trace", nil, ""), http.StatusOK)
	if byID["totalEvents"] != resp["totalEvents"] {
		t.Errorf("trace by id and by code disagree")
	}
	expect(t, s.do(t, http.MethodGet, "/api/v1/trace/NOPE", nil, ""), http.StatusNotFound)
}

func TestAuth_writeRoutes(t *testing.T) {
	tokens := newIssuer(t)
	s := setupRouter(t, tokens)

	writer, err := tokens.Issue("coop-jaen", []string{identity.ScopeWrite})
	if err != nil {
		t.Fatal(err)
	}
	reader, err := tokens.Issue("auditor", nil)
	if err != nil {
		t.Fatal(err)
	}
	admin, err := tokens.Issue("ops", []string{identity.ScopeAdmin})
	if err != nil {
		t.Fatal(err)
	}

	body := map[string]any{"code": "AUTH-1"}
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches", body, ""), http.StatusUnauthorized)
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches", body, "garbage"), http.StatusUnauthorized)
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches", body, reader), http.StatusForbidden)

	id := s.seedBatch(t, "AUTH-1", 0, writer)

	// The token subject wins over the body actor.
	ev := eventBody("harvest")
	ev["actor"] = "someone-else"
	resp := expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", ev, writer), http.StatusCreated)
	if resp["actor"] != "coop-jaen" {
		t.Errorf("actor = %v, want token actor", resp["actor"])
	}

	// Reads stay public.
	expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id, nil, ""), http.StatusOK)
	expect(t, s.do(t, http.MethodGet, "/api/v1/trace/AUTH-1", nil, ""), http.StatusOK)

	// Confirming an external proof needs admin.
	p := expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/proofs", map[string]any{"anchorType": "external_ledger"}, writer), http.StatusCreated)
	confirm := "/api/v1/proofs/" + p["id"].(string) + "/confirm"
	expect(t, s.do(t, http.MethodPost, confirm, map[string]any{"verified": true}, writer), http.StatusForbidden)
	expect(t, s.do(t, http.MethodPost, confirm, map[string]any{"verified": true}, admin), http.StatusOK)
}

type recordingObserver struct {
	handler.LedgerMetrics
	appended int
}

func (o *recordingObserver) EventAppended(ev *ledger.TraceEvent) {
	o.appended++
	o.LedgerMetrics.EventAppended(ev)
}

func TestLedgerMetrics_observesAppends(t *testing.T) {
	s := setupRouter(t, nil)
	obs := &recordingObserver{}
	s.svc.SetObserver(obs)

	id := s.seedBatch(t, "MET-1", 3, "")
	expect(t, s.do(t, http.MethodGet, "/api/v1/batches/"+id+"/verify", nil, ""), http.StatusOK)
	expect(t, s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/proofs", nil, ""), http.StatusCreated)

	if obs.appended != 3 {
		t.Errorf("observed %d appends, want 3", obs.appended)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.PrometheusMiddleware())
	r.GET("/metrics", handler.MetricsHandler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	handler.RecordSweep(4, 1, time.Second)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	for _, name := range []string{"agrotrace_requests_total", "agrotrace_sweep_invalid_batches 1"} {
		if !bytes.Contains(w.Body.Bytes(), []byte(name)) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Use(handler.RateLimiter(ctx, handler.RateLimits{
		Read:  handler.Budget{RPS: 1, Burst: 2},
		Write: handler.Budget{RPS: 1, Burst: 2},
	}))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestRateLimiter_separateReadAndWriteBudgets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Use(handler.RateLimiter(ctx, handler.RateLimits{
		Read:  handler.Budget{RPS: 1, Burst: 3},
		Write: handler.Budget{RPS: 1, Burst: 1},
	}))
	r.GET("/api/v1/trace/:code", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/batches", func(c *gin.Context) { c.Status(http.StatusCreated) })

	call := func(method, path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w.Code
	}

	if got := call(http.MethodPost, "/api/v1/batches"); got != http.StatusCreated {
		t.Fatalf("first write = %d", got)
	}
	if got := call(http.MethodPost, "/api/v1/batches"); got != http.StatusTooManyRequests {
		t.Errorf("second write = %d, want 429", got)
	}
	for i := 0; i < 3; i++ {
		if got := call(http.MethodGet, "/api/v1/trace/OLV-1"); got != http.StatusOK {
			t.Errorf("lookup %d = %d, want 200 after write budget ran out", i+1, got)
		}
	}
	if got := call(http.MethodGet, "/api/v1/trace/OLV-1"); got != http.StatusTooManyRequests {
		t.Errorf("fourth lookup = %d, want 429", got)
	}
}

func TestRateLimiter_zeroBudgetUnlimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Use(handler.RateLimiter(ctx, handler.RateLimits{Write: handler.Budget{RPS: 1, Burst: 1}}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d = %d with reads unlimited", i+1, w.Code)
		}
	}
}
