package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Engine owns the process-wide pieces: config, logger, alert fan-out, the
// optional event bus, and shutdown ordering for everything registered later.
type Engine struct {
	Config   *Config
	Bus      *EventBus
	Alerts   *AlertDispatcher
	Webhooks *WebhookDispatcher // nil unless alerts.webhook_urls is set
	Logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// NewLogger builds the root logger described by cfg.Logging.
func NewLogger(cfg *Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		return logger.Level(zerolog.DebugLevel)
	case "warn":
		return logger.Level(zerolog.WarnLevel)
	case "error":
		return logger.Level(zerolog.ErrorLevel)
	default:
		return logger.Level(zerolog.InfoLevel)
	}
}

// NewEngine creates a new engine.
func NewEngine(cfg *Config) (*Engine, error) {
	return NewEngineWithLogger(cfg, NewLogger(cfg, os.Stdout))
}

// NewEngineWithLogger creates an engine that logs to logger.
func NewEngineWithLogger(cfg *Config, logger zerolog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		Config: cfg,
		Alerts: NewAlertDispatcher(logger),
		Logger: logger.With().Str("component", "engine").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Alerts.EnableConsole {
		engine.Alerts.AddHandler(func(alert *SecurityAlert) {
			engine.Logger.Warn().
				Str("alert_id", alert.ID).
				Str("severity", alert.Severity.String()).
				Str("title", alert.Title).
				Str("description", alert.Description).
				Msg("SECURITY ALERT")
		})
	}

	if len(cfg.Alerts.WebhookURLs) > 0 {
		engine.Webhooks = NewWebhookDispatcher(cfg.Alerts.Webhook, logger)
		for _, url := range cfg.Alerts.WebhookURLs {
			engine.Alerts.AddHandler(engine.Webhooks.Handler(url))
		}
	}

	return engine, nil
}

// Start connects the event bus when enabled and wires alerts onto it.
func (e *Engine) Start() error {
	e.Logger.Info().Str("environment", e.Config.Environment).Msg("starting perimeter engine")

	if e.Config.Bus.Enabled {
		bus, err := NewEventBus(&e.Config.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
		e.Alerts.AddHandler(func(alert *SecurityAlert) {
			if err := e.Bus.PublishAlert(alert); err != nil {
				e.Logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert to bus")
			}
		})
	}

	e.Logger.Info().
		Bool("bus", e.Bus != nil).
		Int("alert_handlers", e.Alerts.Count()).
		Msg("perimeter engine started")
	return nil
}

// OnShutdown registers fn to run during Shutdown. Closers run in reverse
// registration order, before the bus is closed.
func (e *Engine) OnShutdown(name string, fn func() error) {
	e.mu.Lock()
	e.closers = append(e.closers, namedCloser{name: name, fn: fn})
	e.mu.Unlock()
}

// Run starts the engine and blocks until shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}
	e.Wait()
	return e.Shutdown()
}

// Wait blocks until SIGINT/SIGTERM or until the engine context is cancelled.
func (e *Engine) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}
}

// Shutdown gracefully stops the engine.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down perimeter engine")
	e.cancel()

	e.mu.Lock()
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			e.Logger.Error().Err(err).Str("closer", closers[i].name).Msg("error during shutdown")
		}
	}

	if e.Webhooks != nil {
		e.Webhooks.Stop()
	}

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.Logger.Info().Msg("perimeter engine stopped")
	return nil
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
