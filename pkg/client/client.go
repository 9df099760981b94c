package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is matched by errors.Is when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Batch is a batch as returned by the write API.
type Batch struct {
	ID            string     `json:"id"`
	Code          string     `json:"code"`
	Origin        string     `json:"origin"`
	Variety       string     `json:"variety"`
	HarvestDate   time.Time  `json:"harvestDate"`
	Quantity      float64    `json:"quantity"`
	Unit          string     `json:"unit"`
	Status        string     `json:"status"`
	ChainHeadHash string     `json:"chainHeadHash,omitempty"`
	EventCount    int64      `json:"eventCount,omitempty"`
	HashVersion   string     `json:"hashVersion,omitempty"`
	CreatedAt     time.Time  `json:"createdAt,omitempty"`
	SealedAt      *time.Time `json:"sealedAt,omitempty"`
}

// Event is a trace event. The linkage fields are empty in the public
// document.
type Event struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Description  string            `json:"description"`
	Location     string            `json:"location"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        string            `json:"actor"`
	EvidenceURI  string            `json:"evidenceUri,omitempty"`
	Sequence     int64             `json:"sequence"`
	Hash         string            `json:"hash"`
	PreviousHash string            `json:"previousHash,omitempty"`
	HashVersion  string            `json:"hashVersion,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Proof is an integrity proof.
type Proof struct {
	ID                 string `json:"id"`
	BatchID            string `json:"batchId"`
	ProofHash          string `json:"proofHash"`
	AnchorType         string `json:"anchorType"`
	EventCount         int64  `json:"eventCount"`
	VerificationStatus string `json:"verificationStatus"`
}

// Finding is one integrity violation in a VerificationReport.
type Finding struct {
	EventID  string `json:"eventId,omitempty"`
	Sequence *int64 `json:"sequence,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// VerificationReport is the outcome of verifying one batch chain.
type VerificationReport struct {
	Valid         bool      `json:"valid"`
	EventsChecked int       `json:"eventsChecked"`
	Errors        []Finding `json:"errors"`
	ChainHash     string    `json:"chainHash"`
}

// ProofCheck is the result of re-checking a proof against the ledger.
type ProofCheck struct {
	Proof      Proof  `json:"proof"`
	Matches    bool   `json:"matches"`
	ChainValid bool   `json:"chainValid"`
	Message    string `json:"message,omitempty"`
}

// Traceability is the public document for one batch.
type Traceability struct {
	Batch        Batch              `json:"batch"`
	Events       []Event            `json:"events"`
	Verification VerificationReport `json:"verification"`
	TotalEvents  int                `json:"totalEvents"`
	Proofs       []Proof            `json:"proofs"`
}

// RegisterBatchRequest is the payload for RegisterBatch.
type RegisterBatchRequest struct {
	Code        string    `json:"code"`
	Origin      string    `json:"origin,omitempty"`
	Variety     string    `json:"variety,omitempty"`
	HarvestDate time.Time `json:"harvestDate,omitempty"`
	Quantity    float64   `json:"quantity,omitempty"`
	Unit        string    `json:"unit,omitempty"`
}

// AppendEventRequest is the payload for AppendEvent. Actor is ignored by a
// server that authenticates writers.
type AppendEventRequest struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Location    string            `json:"location,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Actor       string            `json:"actor,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EvidenceURI string            `json:"evidenceUri,omitempty"`
}

// Client talks to one agrotrace server.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cache       *traceCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a producer token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCacheTTL caches public traceability documents for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %s", ttl)
		}
		c.cache = newTraceCache(ttl)
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// RegisterBatch creates a batch with an empty chain.
func (c *Client) RegisterBatch(ctx context.Context, req RegisterBatchRequest) (*Batch, error) {
	var out Batch
	if err := c.call(ctx, http.MethodPost, "/api/v1/batches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBatch fetches a batch by id.
func (c *Client) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var out Batch
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBatches pages through batches in registration order.
func (c *Client) ListBatches(ctx context.Context, limit, offset int) ([]Batch, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out struct {
		Batches []Batch `json:"batches"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Batches, nil
}

// SealBatch closes a batch to further appends.
func (c *Client) SealBatch(ctx context.Context, id string) (*Batch, error) {
	var out Batch
	if err := c.call(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(id)+"/seal", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendEvent links a new event to the tail of a batch's chain.
func (c *Client) AppendEvent(ctx context.Context, batchID string, req AppendEventRequest) (*Event, error) {
	var out Event
	if err := c.call(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(batchID)+"/events", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEvents returns a batch's events in sequence order.
func (c *Client) ListEvents(ctx context.Context, batchID string) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(batchID)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Verify asks the server to walk a batch's chain. Tampering shows up as
// Valid=false, not as an error.
func (c *Client) Verify(ctx context.Context, batchID string) (*VerificationReport, error) {
	var out VerificationReport
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(batchID)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateProof snapshots a batch's chain head. An empty anchorType means
// internal.
func (c *Client) CreateProof(ctx context.Context, batchID, anchorType string) (*Proof, error) {
	var body any
	if anchorType != "" {
		body = map[string]string{"anchorType": anchorType}
	}
	var out Proof
	if err := c.call(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(batchID)+"/proofs", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProofs returns the proofs taken of a batch.
func (c *Client) ListProofs(ctx context.Context, batchID string) ([]Proof, error) {
	var out struct {
		Proofs []Proof `json:"proofs"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(batchID)+"/proofs", nil, &out); err != nil {
		return nil, err
	}
	return out.Proofs, nil
}

// GetProof fetches a proof by id.
func (c *Client) GetProof(ctx context.Context, id string) (*Proof, error) {
	var out Proof
	if err := c.call(ctx, http.MethodGet, "/api/v1/proofs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyProof re-checks a proof against the current ledger.
func (c *Client) VerifyProof(ctx context.Context, id string) (*ProofCheck, error) {
	var out ProofCheck
	if err := c.call(ctx, http.MethodGet, "/api/v1/proofs/"+url.PathEscape(id)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmProof records an external anchor's verdict. Needs an admin token.
func (c *Client) ConfirmProof(ctx context.Context, id string, verified bool) (*Proof, error) {
	var out Proof
	body := map[string]bool{"verified": verified}
	if err := c.call(ctx, http.MethodPost, "/api/v1/proofs/"+url.PathEscape(id)+"/confirm", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTraceability fetches the public document for the batch printed with
// code. Results are cached when WithCacheTTL is set.
func (c *Client) GetTraceability(ctx context.Context, code string) (*Traceability, error) {
	if c.cache != nil {
		if doc, ok := c.cache.get(code); ok {
			return doc, nil
		}
	}
	var out Traceability
	if err := c.call(ctx, http.MethodGet, "/api/v1/trace/"+url.PathEscape(code), nil, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(code, &out)
	}
	return &out, nil
}

// Health reports whether the server answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

// --- simple in-memory traceability cache ---

type cacheEntry struct {
	doc       *Traceability
	expiresAt time.Time
}

type traceCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newTraceCache(ttl time.Duration) *traceCache {
	return &traceCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (tc *traceCache) get(key string) (*Traceability, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	e, ok := tc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.doc, true
}

func (tc *traceCache) set(key string, doc *Traceability) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[key] = &cacheEntry{doc: doc, expiresAt: time.Now().Add(tc.ttl)}
}
