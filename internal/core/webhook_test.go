package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxRetries:     3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		QueueSize:      8,
		Workers:        1,
		Timeout:        time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ─── Delivery ───────────────────────────────────────────────────────────────

func TestWebhookDispatcher_DeliversAlertJSON(t *testing.T) {
	got := make(chan *http.Request, 1)
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		got <- r
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(fastWebhookConfig(), zerolog.Nop())
	defer d.Stop()

	d.Handler(srv.URL)(testAlert())

	select {
	case r := <-got:
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Perimeter-Delivery") == "" || r.Header.Get("X-Perimeter-Attempt") != "1" {
			t.Errorf("delivery headers = %v", r.Header)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not called")
	}
	if body["id"] != "alert-1" || body["severity"] != "critical" {
		t.Errorf("payload = %v", body)
	}
	if n := len(d.DeadLetters(0)); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestWebhookDispatcher_RetriesOn5xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(fastWebhookConfig(), zerolog.Nop())
	defer d.Stop()

	d.Enqueue(srv.URL, testAlert())
	waitFor(t, func() bool { return attempts.Load() == 3 })

	time.Sleep(50 * time.Millisecond)
	if n := len(d.DeadLetters(0)); n != 0 {
		t.Errorf("dead letters = %d, want 0 after eventual success", n)
	}
}

func TestWebhookDispatcher_4xxIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(fastWebhookConfig(), zerolog.Nop())
	defer d.Stop()

	d.Enqueue(srv.URL, testAlert())
	waitFor(t, func() bool { return len(d.DeadLetters(0)) == 1 })

	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
	dl := d.DeadLetters(1)[0]
	if dl.Delivery.Alert.ID != "alert-1" || dl.Delivery.LastError == "" {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestWebhookDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastWebhookConfig()
	cfg.MaxRetries = 2
	d := NewWebhookDispatcher(cfg, zerolog.Nop())
	defer d.Stop()

	d.Enqueue(srv.URL, testAlert())
	waitFor(t, func() bool { return len(d.DeadLetters(0)) == 1 })

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if got := d.DeadLetters(0)[0].Delivery.Attempts; got != 3 {
		t.Errorf("recorded attempts = %d, want 3", got)
	}
}

func TestWebhookDispatcher_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastWebhookConfig()
	cfg.MaxRetries = 9
	d := NewWebhookDispatcher(cfg, zerolog.Nop())
	defer d.Stop()

	d.Enqueue(srv.URL, testAlert())
	waitFor(t, func() bool { return len(d.DeadLetters(0)) == 1 })

	if attempts.Load() != 5 {
		t.Errorf("attempts = %d, want 5 before the circuit opens", attempts.Load())
	}

	// Open circuit: the next alert is buried without reaching the server.
	d.Enqueue(srv.URL, testAlert())
	waitFor(t, func() bool { return len(d.DeadLetters(0)) == 2 })
	if attempts.Load() != 5 {
		t.Errorf("attempts = %d, open circuit should not call the server", attempts.Load())
	}
}

func TestWebhookDispatcher_StopInterruptsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastWebhookConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	d := NewWebhookDispatcher(cfg, zerolog.Nop())
	d.Enqueue(srv.URL, testAlert())
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the backoff")
	}
}

func TestWebhookDispatcher_FullQueueDeadLetters(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	cfg := fastWebhookConfig()
	cfg.QueueSize = 1
	d := NewWebhookDispatcher(cfg, zerolog.Nop())
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Enqueue(srv.URL, testAlert())
	}
	if n := len(d.DeadLetters(0)); n < 3 {
		t.Errorf("dead letters = %d, want at least 3 with a one-slot queue", n)
	}
}
