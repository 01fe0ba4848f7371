// Package webhooks delivers compliance events to tenant subscriptions and
// mirrors them to Kafka
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Header names set on every delivery
const (
	SignatureHeader = "X-Complycore-Signature"
	EventHeader     = "X-Complycore-Event"
)

// Event types emitted by the core
const (
	EventAlertCreated      = "alert.created"
	EventAlertUpdated      = "alert.updated"
	EventReportGenerated   = "report.generated"
	EventEDDCreated        = "edd.created"
	EventEDDEscalated      = "edd.escalated"
	EventBatchCompleted    = "batch.completed"
	EventDeadlineScanEnded = "deadlines.completed"
)

// SubscriptionStore lists the webhook subscriptions of a tenant
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error)
}

// Publisher mirrors events to a message bus
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
	Close() error
}

// Event is the envelope delivered to subscribers
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	TenantID  string      `json:"tenant_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Config holds dispatcher settings
type Config struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Dispatcher queues events and delivers them from background workers.
// Dispatch never blocks; a full queue drops the event.
type Dispatcher struct {
	store     SubscriptionStore
	publisher Publisher
	client    *http.Client
	limiter   *rate.Limiter
	workers   int
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	queue   chan *Event
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(store SubscriptionStore, publisher Publisher, cfg Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Dispatcher {
	if store == nil {
		panic("webhooks: subscription store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Dispatcher{
		store:     store,
		publisher: publisher,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		workers:   cfg.Workers,
		metrics:   m,
		logger:    logger.Named("webhooks"),
		stopCh:    make(chan struct{}),
		queue:     make(chan *Event, cfg.QueueSize),
		now:       time.Now,
	}
}

// Start launches the delivery workers
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return nil
}

// Stop drains queued events and stops the workers
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()

	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.logger.Warnw("Failed to close event publisher", "error", err)
		}
	}
}

// Dispatch queues an event for delivery
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, eventType string, payload interface{}) {
	e := &Event{
		ID:        storage.NewID("evt"),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: d.now().UTC(),
		Data:      payload,
	}

	select {
	case d.queue <- e:
	default:
		d.metrics.WebhookDelivery("dropped")
		d.logger.Warnw("Webhook queue full, dropping event", "tenant_id", tenantID, "event", eventType)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			for {
				select {
				case e := <-d.queue:
					d.process(ctx, e)
				default:
					return
				}
			}
		case e := <-d.queue:
			d.process(ctx, e)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, e *Event) {
	body, err := json.Marshal(e)
	if err != nil {
		d.metrics.WebhookDelivery("failed")
		d.logger.Errorw("Failed to encode event", "event", e.Type, "error", err)
		return
	}

	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, e); err != nil {
			d.logger.Warnw("Failed to mirror event", "event", e.Type, "tenant_id", e.TenantID, "error", err)
		}
	}

	subs, err := d.store.ListSubscriptions(ctx, e.TenantID)
	if err != nil {
		d.metrics.WebhookDelivery("failed")
		d.logger.Errorw("Failed to list subscriptions", "tenant_id", e.TenantID, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(e.Type) {
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.metrics.WebhookDelivery("failed")
			return
		}
		if err := d.deliver(ctx, sub, e.Type, body); err != nil {
			d.metrics.WebhookDelivery("failed")
			d.logger.Warnw("Webhook delivery failed",
				"subscription_id", sub.ID, "url", sub.URL, "event", e.Type, "error", err)
			continue
		}
		d.metrics.WebhookDelivery("success")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *models.WebhookSubscription, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventType)
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body
func Verify(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return hmac.Equal([]byte(header[len(prefix):]), []byte(Sign(secret, body)))
}
