package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ---------------------------------------------------------------------------
// webhook.go: alert webhook delivery with exponential backoff, a bounded
// dead letter buffer and a circuit breaker per URL.
// ---------------------------------------------------------------------------

// WebhookConfig controls alert webhook delivery.
type WebhookConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DefaultWebhookConfig returns the delivery defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxRetries:     4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		QueueSize:      256,
		Workers:        2,
		Timeout:        10 * time.Second,
	}
}

// WebhookDelivery is one alert on its way to one URL.
type WebhookDelivery struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Alert     *SecurityAlert `json:"alert"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DeadLetter is a delivery that gave up.
type DeadLetter struct {
	Delivery WebhookDelivery `json:"delivery"`
	FailedAt time.Time       `json:"failed_at"`
}

// errPermanent marks a response that retrying cannot fix.
var errPermanent = errors.New("permanent webhook failure")

const maxDeadLetters = 200

// WebhookDispatcher delivers alerts to webhook URLs from a worker pool.
type WebhookDispatcher struct {
	cfg    WebhookConfig
	client *http.Client
	logger zerolog.Logger
	queue  chan *WebhookDelivery

	mu         sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
	deadLetter []DeadLetter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookDispatcher starts cfg.Workers delivery workers.
func NewWebhookDispatcher(cfg WebhookConfig, logger zerolog.Logger) *WebhookDispatcher {
	def := DefaultWebhookConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &WebhookDispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With().Str("component", "webhook_dispatcher").Logger(),
		queue:    make(chan *WebhookDelivery, cfg.QueueSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Handler returns an AlertHandler that enqueues every alert for url.
func (d *WebhookDispatcher) Handler(url string) AlertHandler {
	return func(alert *SecurityAlert) {
		d.Enqueue(url, alert)
	}
}

// Enqueue schedules delivery and returns its id. A full queue dead-letters
// the delivery immediately.
func (d *WebhookDispatcher) Enqueue(url string, alert *SecurityAlert) string {
	delivery := &WebhookDelivery{
		ID:        uuid.New().String(),
		URL:       url,
		Alert:     alert,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case d.queue <- delivery:
	default:
		delivery.LastError = "queue full"
		d.bury(delivery)
	}
	return delivery.ID
}

// DeadLetters returns up to limit of the most recent failed deliveries.
func (d *WebhookDispatcher) DeadLetters(limit int) []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.deadLetter) {
		limit = len(d.deadLetter)
	}
	out := make([]DeadLetter, limit)
	copy(out, d.deadLetter[len(d.deadLetter)-limit:])
	return out
}

// Stop cancels in-flight backoffs and waits for the workers.
func (d *WebhookDispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case delivery := <-d.queue:
			d.deliver(delivery)
		}
	}
}

func (d *WebhookDispatcher) deliver(delivery *WebhookDelivery) {
	body, err := delivery.Alert.Marshal()
	if err != nil {
		delivery.LastError = fmt.Sprintf("marshaling alert: %v", err)
		d.bury(delivery)
		return
	}
	cb := d.breaker(delivery.URL)

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		delivery.Attempts = attempt + 1
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, d.post(delivery, body)
		})
		if err == nil {
			d.logger.Debug().
				Str("alert_id", delivery.Alert.ID).
				Str("url", delivery.URL).
				Int("attempts", delivery.Attempts).
				Msg("webhook delivered")
			return
		}
		delivery.LastError = err.Error()
		if errors.Is(err, errPermanent) || errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
		if attempt < d.cfg.MaxRetries && !d.backoff(attempt) {
			break
		}
	}
	d.bury(delivery)
}

func (d *WebhookDispatcher) post(delivery *WebhookDelivery, body []byte) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, delivery.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "perimeter-webhook/1.0")
	req.Header.Set("X-Perimeter-Delivery", delivery.ID)
	req.Header.Set("X-Perimeter-Attempt", fmt.Sprint(delivery.Attempts))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook returned status %d", errPermanent, resp.StatusCode)
	}
}

// backoff sleeps InitialBackoff*2^attempt capped at MaxBackoff. It reports
// false when the dispatcher stopped while waiting.
func (d *WebhookDispatcher) backoff(attempt int) bool {
	delay := d.cfg.InitialBackoff << attempt
	if delay <= 0 || delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *WebhookDispatcher) breaker(url string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[url]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webhook " + url,
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// 4xx means the receiver is up.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errPermanent)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook circuit changed state")
			},
		})
		d.breakers[url] = cb
	}
	return cb
}

func (d *WebhookDispatcher) bury(delivery *WebhookDelivery) {
	d.mu.Lock()
	if len(d.deadLetter) >= maxDeadLetters {
		d.deadLetter = d.deadLetter[maxDeadLetters/10:]
	}
	d.deadLetter = append(d.deadLetter, DeadLetter{Delivery: *delivery, FailedAt: time.Now().UTC()})
	d.mu.Unlock()

	d.logger.Error().
		Str("alert_id", delivery.Alert.ID).
		Str("url", delivery.URL).
		Int("attempts", delivery.Attempts).
		Str("error", delivery.LastError).
		Msg("webhook delivery failed, moved to dead letter")
}
