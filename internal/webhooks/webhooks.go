// Package webhooks delivers build lifecycle events to HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/dray/internal/events"
)

// Webhook is a configured endpoint
type Webhook struct {
	URL     string             `json:"url"`
	Secret  string             `json:"secret,omitempty"` // HMAC secret for verification
	Events  []events.EventType `json:"events"`           // Empty means every event
	Headers map[string]string  `json:"headers,omitempty"`
}

// Payload is the JSON body posted to an endpoint
type Payload struct {
	Event      events.EventType `json:"event"`
	Timestamp  int64            `json:"timestamp"` // Unix milliseconds
	DeliveryID string           `json:"delivery_id"`
	BuildID    string           `json:"build_id,omitempty"`
	TaskID     string           `json:"task_id,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
}

// DeliveryResult is the outcome of one delivery attempt
type DeliveryResult struct {
	URL        string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
}

type delivery struct {
	webhook *Webhook
	payload *Payload
}

// Manager forwards bus events to webhooks
type Manager struct {
	webhooks []*Webhook
	logger   *slog.Logger
	client   *http.Client
	queue    chan *delivery
	wg       sync.WaitGroup

	// Delivery history (circular buffer)
	historyMu   sync.Mutex
	history     []*DeliveryResult
	historySize int
	historyPos  int
}

// NewManager creates a manager for the given endpoints
func NewManager(logger *slog.Logger, hooks ...*Webhook) *Manager {
	return &Manager{
		webhooks:    hooks,
		logger:      logger.With(slog.String("component", "webhooks")),
		client:      &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan *delivery, 1000),
		historySize: 100,
	}
}

// SetTimeout sets the HTTP client timeout
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.client.Timeout = timeout
}

// Start subscribes to bus and delivers with the given number of workers.
// Delivery stops once the bus is closed and the queue has drained.
func (m *Manager) Start(bus *events.Bus, workers int) {
	if workers < 1 {
		workers = 1
	}
	ch := bus.Subscribe("webhooks")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.queue)
		for ev := range ch {
			m.emit(ev)
		}
	}()

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for d := range m.queue {
				m.deliver(d)
			}
		}()
	}
}

// Wait blocks until every queued delivery finished or ctx is done
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit queues ev for every subscribed webhook
func (m *Manager) emit(ev *events.Event) {
	for _, hook := range m.webhooks {
		if !isSubscribed(hook, ev.Type) {
			continue
		}

		payload := &Payload{
			Event:      ev.Type,
			Timestamp:  ev.Timestamp,
			DeliveryID: uuid.NewString(),
			BuildID:    ev.BuildID,
			TaskID:     ev.TaskID,
			Data:       ev.Data,
		}

		// Non-blocking send
		select {
		case m.queue <- &delivery{webhook: hook, payload: payload}:
		default:
			m.logger.Warn("delivery queue full, dropping event", "url", hook.URL, "event", ev.Type)
		}
	}
}

// Deliveries returns up to limit recent delivery results, oldest first
func (m *Manager) Deliveries(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	if limit == 0 {
		return nil
	}

	result := make([]*DeliveryResult, limit)
	start := (m.historyPos - limit + len(m.history)) % len(m.history)
	for i := 0; i < limit; i++ {
		result[i] = m.history[(start+i)%len(m.history)]
	}
	return result
}

func isSubscribed(hook *Webhook, event events.EventType) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *Manager) deliver(d *delivery) {
	start := time.Now()
	result := &DeliveryResult{
		URL:        d.webhook.URL,
		DeliveryID: d.payload.DeliveryID,
		Event:      d.payload.Event,
	}
	defer m.record(result)

	body, err := json.Marshal(d.payload)
	if err != nil {
		result.Error = fmt.Sprintf("failed to marshal payload: %v", err)
		m.logger.Error("webhook payload", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		m.logger.Error("webhook request", "url", d.webhook.URL, "error", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dray-Webhooks/1.0")
	req.Header.Set("X-Webhook-Delivery-ID", d.payload.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(d.payload.Timestamp, 10))
	req.Header.Set("X-Webhook-Event", string(d.payload.Event))
	for k, v := range d.webhook.Headers {
		req.Header.Set(k, v)
	}
	if d.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(body, d.webhook.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.logger.Warn("webhook delivery failed", "event", d.payload.Event, "url", d.webhook.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()

	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Warn("webhook delivery failed", "event", d.payload.Event, "url", d.webhook.URL, "status", resp.StatusCode)
		return
	}
	m.logger.Debug("webhook delivered", "event", d.payload.Event, "url", d.webhook.URL, "duration_ms", result.DurationMS)
}

func (m *Manager) record(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if len(m.history) < m.historySize {
		m.history = append(m.history, result)
		return
	}
	m.history[m.historyPos] = result
	m.historyPos = (m.historyPos + 1) % m.historySize
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
