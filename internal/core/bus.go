package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	eventsSubject   = "perimeter.events"
	alertsSubject   = "perimeter.alerts"
	analysesSubject = "perimeter.analyses"
)

// streamSpec is one JetStream stream the bus owns. Messages are routed to
// <subject>.<severity>.
type streamSpec struct {
	name     string
	subject  string
	maxAge   time.Duration
	maxBytes int64
}

var streamSpecs = []streamSpec{
	{"PERIMETER_EVENTS", eventsSubject, 7 * 24 * time.Hour, 1 << 30},
	{"PERIMETER_ALERTS", alertsSubject, 30 * 24 * time.Hour, 512 << 20},
	{"PERIMETER_ANALYSES", analysesSubject, 30 * 24 * time.Hour, 256 << 20},
}

// EventBus carries perimeter traffic over NATS JetStream. Security events
// from any producer arrive on perimeter.events.>; alerts and analyses leave
// on their own streams for downstream consumers.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	maxDeliver      int
	redeliveryDelay time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription

	eventsPublished   atomic.Int64
	eventsFailed      atomic.Int64
	alertsPublished   atomic.Int64
	analysesPublished atomic.Int64
	acked             atomic.Int64
	naked             atomic.Int64
	terminated        atomic.Int64
}

const maxRedeliveryDelay = time.Minute

// NewEventBus connects to cfg.URL, or to an embedded server when cfg.Embedded
// is set, and makes sure every stream exists.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	b := &EventBus{
		logger:          logger.With().Str("component", "event_bus").Logger(),
		maxDeliver:      cfg.MaxDeliver,
		redeliveryDelay: cfg.RedeliveryDelay,
	}
	if b.maxDeliver <= 0 {
		b.maxDeliver = 5
	}
	if b.redeliveryDelay <= 0 {
		b.redeliveryDelay = 2 * time.Second
	}

	url := cfg.URL
	if cfg.Embedded {
		ns, err := startEmbeddedNATS(cfg)
		if err != nil {
			return nil, err
		}
		b.ns = ns
		url = ns.ClientURL()
		b.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("perimeter"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		b.stopEmbedded()
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	b.nc = nc

	if b.js, err = nc.JetStream(); err != nil {
		b.Close()
		return nil, fmt.Errorf("opening JetStream: %w", err)
	}
	if err := b.ensureStreams(); err != nil {
		b.Close()
		return nil, err
	}

	b.logger.Info().Str("url", url).Int("streams", len(streamSpecs)).Msg("event bus ready")
	return b, nil
}

func startEmbeddedNATS(cfg *BusConfig) (*server.Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating NATS data dir: %w", err)
	}
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after 10s")
	}
	return ns, nil
}

// ensureStreams adds each stream, or updates it when an older deployment
// left one behind with different limits.
func (b *EventBus) ensureStreams() error {
	for _, spec := range streamSpecs {
		sc := &nats.StreamConfig{
			Name:      spec.name,
			Subjects:  []string{spec.subject + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    spec.maxAge,
			MaxBytes:  spec.maxBytes,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		}
		if _, err := b.js.AddStream(sc); err != nil {
			if _, uerr := b.js.UpdateStream(sc); uerr != nil {
				return fmt.Errorf("stream %s: add: %v, update: %w", spec.name, err, uerr)
			}
		}
	}
	return nil
}

func (b *EventBus) publish(subject string, sev Severity, data []byte) error {
	subject = subject + "." + sev.String()
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// PublishEvent puts a security event on the events stream.
func (b *EventBus) PublishEvent(event *SecurityEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := b.publish(eventsSubject, event.Severity, data); err != nil {
		b.eventsFailed.Add(1)
		return err
	}
	b.eventsPublished.Add(1)
	b.logger.Debug().Str("event_id", event.ID).Str("type", event.EventType).Msg("event published")
	return nil
}

// PublishAlert puts an alert on the alerts stream.
func (b *EventBus) PublishAlert(alert *SecurityAlert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}
	if err := b.publish(alertsSubject, alert.Severity, data); err != nil {
		return err
	}
	b.alertsPublished.Add(1)
	return nil
}

// PublishAnalysis puts a stored analysis on the analyses stream.
func (b *EventBus) PublishAnalysis(rec *AnalysisRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling analysis: %w", err)
	}
	if err := b.publish(analysesSubject, rec.ThreatLevel, data); err != nil {
		return err
	}
	b.analysesPublished.Add(1)
	return nil
}

// SubscribeToEvents hands every new event on the bus to handler through a
// durable consumer. A handler error naks the message with a doubling delay
// until it has been delivered maxDeliver times, then terminates it. A message
// that does not decode is acked and dropped.
func (b *EventBus) SubscribeToEvents(durable string, handler func(*SecurityEvent) error) error {
	sub, err := b.js.Subscribe(eventsSubject+".>", func(msg *nats.Msg) {
		event, err := UnmarshalSecurityEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
			_ = msg.Ack()
			return
		}
		if err := handler(event); err != nil {
			attempt := 1
			if meta, merr := msg.Metadata(); merr == nil {
				attempt = int(meta.NumDelivered)
			}
			if attempt >= b.maxDeliver {
				b.logger.Error().Err(err).Str("event_id", event.ID).Int("attempts", attempt).Msg("event handler failed, giving up")
				_ = msg.Term()
				b.terminated.Add(1)
				return
			}
			delay := b.redeliveryBackoff(attempt)
			b.logger.Warn().Err(err).Str("event_id", event.ID).Int("attempt", attempt).Dur("retry_in", delay).Msg("event handler failed, will redeliver")
			_ = msg.NakWithDelay(delay)
			b.naked.Add(1)
			return
		}
		_ = msg.Ack()
		b.acked.Add(1)
	},
		nats.Durable(durable),
		nats.DeliverNew(),
		nats.AckExplicit(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(b.maxDeliver),
	)
	if err != nil {
		return fmt.Errorf("subscribing %s to events: %w", durable, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *EventBus) redeliveryBackoff(attempt int) time.Duration {
	d := b.redeliveryDelay
	for i := 1; i < attempt && d < maxRedeliveryDelay; i++ {
		d *= 2
	}
	if d > maxRedeliveryDelay {
		d = maxRedeliveryDelay
	}
	return d
}

// IsConnected reports whether the NATS connection is up.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of the bus counters.
func (b *EventBus) GetMetrics() map[string]int64 {
	return map[string]int64{
		"events_published":    b.eventsPublished.Load(),
		"events_failed":       b.eventsFailed.Load(),
		"alerts_published":    b.alertsPublished.Load(),
		"analyses_published":  b.analysesPublished.Load(),
		"messages_acked":      b.acked.Load(),
		"messages_naked":      b.naked.Load(),
		"messages_terminated": b.terminated.Load(),
	}
}

// Close drops subscriptions, the connection and any embedded server.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.stopEmbedded()
	return nil
}

func (b *EventBus) stopEmbedded() {
	if b.ns == nil {
		return
	}
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
	b.ns = nil
	b.logger.Info().Msg("embedded NATS server stopped")
}
