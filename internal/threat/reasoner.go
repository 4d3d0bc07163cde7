package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/metrics"
	"github.com/sony/gobreaker"
)

// DefaultGeminiURL is used for the gemini provider when analysis.api_url was
// left at the chat default.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models"

// Reasoner sends a prompt to an external reasoning service and returns its
// textual reply. Implementations do not retry.
type Reasoner interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, prompt string) (string, error)

func (f ReasonerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// StatusError is a non-2xx reply from the reasoning service. Body is kept for
// server-side logs only.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// NewReasoner builds the configured provider wrapped in a circuit breaker.
func NewReasoner(cfg core.AnalysisConfig) (Reasoner, error) {
	client := &http.Client{}
	var r Reasoner
	switch cfg.Provider {
	case "", "chat":
		r = &ChatReasoner{URL: cfg.APIURL, APIKey: cfg.APIKey, Model: cfg.Model, MaxTokens: cfg.MaxTokens, Client: client}
	case "gemini":
		base := cfg.APIURL
		if base == "" || base == core.DefaultConfig().Analysis.APIURL {
			base = DefaultGeminiURL
		}
		r = &GeminiReasoner{BaseURL: base, APIKey: cfg.APIKey, Model: cfg.Model, MaxTokens: cfg.MaxTokens, Client: client}
	default:
		return nil, fmt.Errorf("unknown analysis provider %q", cfg.Provider)
	}
	return NewBreaker(r), nil
}

// ─── Chat completions ───────────────────────────────────────────────────────

// ChatReasoner talks to an OpenAI-compatible /chat/completions endpoint.
type ChatReasoner struct {
	URL       string
	APIKey    string
	Model     string
	MaxTokens int
	Client    *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: c.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	respBody, err := do(c.Client, req, "chat completions")
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parsing chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from chat completions")
	}
	return resp.Choices[0].Message.Content, nil
}

// ─── Gemini ─────────────────────────────────────────────────────────────────

// GeminiReasoner calls the generateContent API.
type GeminiReasoner struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Client    *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  map[string]interface{} `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *GeminiReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: map[string]interface{}{
			"maxOutputTokens": g.MaxTokens,
			"temperature":     0.1,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	model := strings.TrimPrefix(g.Model, "google/")
	endpoint := fmt.Sprintf("%s/%s:generateContent?%s",
		strings.TrimRight(g.BaseURL, "/"), url.PathEscape(model), url.Values{"key": {g.APIKey}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := do(g.Client, req, "gemini")
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("parsing gemini response: %w", err)
	}
	if resp.Error != nil {
		return "", &StatusError{Provider: "gemini", Status: resp.Error.Code, Body: resp.Error.Message}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func do(client *http.Client, req *http.Request, provider string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		// url.Error carries the request URL, which may hold the key.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("calling %s: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Provider: provider, Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ─── Circuit breaker ────────────────────────────────────────────────────────

// Breaker fails fast while the reasoning service keeps failing. It never
// retries a call.
type Breaker struct {
	next Reasoner
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Reasoner) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ReasoningService",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

func (b *Breaker) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, prompt)
	})
	metrics.ReasoningCallSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// State reports the breaker state for health output.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
