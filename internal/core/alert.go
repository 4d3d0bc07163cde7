package core

import (
	"sync"

	"github.com/rs/zerolog"
)

// AlertHandler receives every alert after it has been stored.
type AlertHandler func(alert *SecurityAlert)

// AlertDispatcher fans stored alerts out to notification handlers. A handler
// that panics is logged and skipped so the others still run.
type AlertDispatcher struct {
	mu       sync.RWMutex
	handlers []AlertHandler
	logger   zerolog.Logger
}

// NewAlertDispatcher creates an empty dispatcher.
func NewAlertDispatcher(logger zerolog.Logger) *AlertDispatcher {
	return &AlertDispatcher{
		logger: logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// AddHandler registers a handler.
func (d *AlertDispatcher) AddHandler(h AlertHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Dispatch delivers alert to every handler in registration order.
func (d *AlertDispatcher) Dispatch(alert *SecurityAlert) {
	d.mu.RLock()
	handlers := append([]AlertHandler(nil), d.handlers...)
	d.mu.RUnlock()

	for _, h := range handlers {
		d.safeCall(h, alert)
	}
}

func (d *AlertDispatcher) safeCall(h AlertHandler, alert *SecurityAlert) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Str("alert_id", alert.ID).
				Interface("panic", rec).
				Msg("alert handler panicked")
		}
	}()
	h(alert)
}

// Count returns the number of registered handlers.
func (d *AlertDispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}
