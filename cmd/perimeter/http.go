package main

// ---------------------------------------------------------------------------
// http.go: HTTP client helpers for API communication
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiError is the server's error envelope.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func apiPost(url string, payload []byte, apiKey string, timeout time.Duration) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to perimeter API at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 400 {
		return body, nil
	}

	var envelope apiError
	if json.Unmarshal(body, &envelope) == nil && envelope.Code != "" {
		if resp.StatusCode == http.StatusUnauthorized {
			return body, fmt.Errorf("%s (%s): provide --api-key or set PERIMETER_API_KEY", envelope.Error, envelope.Code)
		}
		return body, fmt.Errorf("%s (%s, HTTP %d)", envelope.Error, envelope.Code, resp.StatusCode)
	}
	return body, fmt.Errorf("API returned HTTP %d", resp.StatusCode)
}
