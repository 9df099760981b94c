// Package webhooks pushes integrity alerts to operator-configured URLs.
// Every delivery is signed with HMAC-SHA256 over the raw body so receivers
// can reject forged alerts.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types dispatched by the ledger.
const (
	// EventSweepInvalid: a scheduled sweep found batches whose chain no
	// longer verifies.
	EventSweepInvalid = "sweep.invalid_batches"
	// EventSweepFailed: a scheduled sweep could not complete.
	EventSweepFailed = "sweep.failed"
)

// SignatureHeader carries the "sha256=<hex>" body signature.
const SignatureHeader = "X-Agrotrace-Signature"

// Event is the JSON body of one delivery.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier fans events out to a fixed set of URLs.
type Notifier struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	inflight   sync.WaitGroup
	logger     *zap.Logger
}

// NewNotifier creates a Notifier. An empty urls list makes Dispatch a no-op.
func NewNotifier(urls []string, secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		urls:       urls,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Backoff before attempts 2 and 3.
		delays: []time.Duration{1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// SetRetryDelays replaces the backoff schedule. The number of attempts is
// len(delays)+1.
func (n *Notifier) SetRetryDelays(delays ...time.Duration) {
	n.delays = delays
}

// Dispatch sends the event to every URL in the background.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if len(n.urls) == 0 {
		return
	}
	body, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		n.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}
	signature := SignPayload(body, n.secret)

	for _, url := range n.urls {
		n.inflight.Add(1)
		go func(url string) {
			defer n.inflight.Done()
			n.deliver(ctx, url, eventType, body, signature)
		}(url)
	}
}

// Wait blocks until every dispatched delivery has finished or given up.
func (n *Notifier) Wait() {
	n.inflight.Wait()
}

// deliver sends body to url, retrying with backoff.
func (n *Notifier) deliver(ctx context.Context, url, eventType string, body []byte, signature string) {
	for attempt := 1; attempt <= len(n.delays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.delays[attempt-2]):
			}
		}

		statusCode, err := n.doDelivery(ctx, url, body, signature)
		success := err == nil
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			n.logger.Debug("webhook delivered",
				zap.String("url", url),
				zap.String("event", eventType),
				zap.Int("attempt", attempt),
			)
			return
		}

		n.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.Int("status", statusCode),
			zap.Error(err),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (n *Notifier) doDelivery(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// SignPayload computes the HMAC-SHA256 signature sent in SignatureHeader.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}
