package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLogger_JSONLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"
	var buf bytes.Buffer
	logger := NewLogger(cfg, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("expected JSON warn line, got %q", out)
	}
}

func TestNewEngine_ConsoleAndWebhookHandlers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alerts.WebhookURLs = []string{"http://127.0.0.1:1/hook"}
	e, err := NewEngineWithLogger(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if e.Alerts.Count() != 2 {
		t.Errorf("handlers = %d, want console + webhook", e.Alerts.Count())
	}
}

func TestEngine_StartShutdown_WithoutBus(t *testing.T) {
	e, _ := NewEngineWithLogger(DefaultConfig(), zerolog.Nop())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Bus != nil {
		t.Error("bus should stay nil when disabled")
	}

	var order []string
	e.OnShutdown("first", func() error { order = append(order, "first"); return nil })
	e.OnShutdown("second", func() error { order = append(order, "second"); return errors.New("ignored") })

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "second" {
		t.Errorf("closers ran in %v, want reverse registration order", order)
	}
	select {
	case <-e.Context().Done():
	default:
		t.Error("context should be cancelled after Shutdown")
	}
}

func TestEngine_StartWithEmbeddedBus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.DataDir = t.TempDir()
	cfg.Alerts.EnableConsole = false

	e, _ := NewEngineWithLogger(cfg, zerolog.Nop())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Shutdown()

	if e.Bus == nil || !e.Bus.IsConnected() {
		t.Fatal("bus should be connected")
	}
	e.Alerts.Dispatch(testAlert())
	if e.Bus.GetMetrics()["alerts_published"] != 1 {
		t.Error("dispatched alert should be published to the bus")
	}
}
