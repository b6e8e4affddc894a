// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package detection

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// CounterConfig configures the HTTP face counter.
type CounterConfig struct {
	// URL is the base URL of the face-detection service.
	URL string `koanf:"url" validate:"required,url"`
	// Timeout bounds a single detection call.
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultCounterConfig returns production defaults. Detection runs as a
// sidecar next to the server; 10 fps per connection means a slow call
// backs up the whole loop, hence the short timeout.
func DefaultCounterConfig() CounterConfig {
	return CounterConfig{
		URL:     "http://127.0.0.1:8500",
		Timeout: 5 * time.Second,
	}
}

// HTTPCounter counts faces by posting decoded frames to an external
// detection service. Counters are per-connection: each proctoring
// session constructs its own on accept and closes it on disconnect.
type HTTPCounter struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPCounterFactory returns a factory that builds a fresh counter
// per proctoring connection.
func NewHTTPCounterFactory(cfg CounterConfig) FaceCounterFactory {
	return func() (FaceCounter, error) {
		return NewHTTPCounter(cfg), nil
	}
}

// NewHTTPCounter creates a counter against the configured service.
func NewHTTPCounter(cfg CounterConfig) *HTTPCounter {
	def := DefaultCounterConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &HTTPCounter{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type detectResponse struct {
	Faces int `json:"faces"`
}

// CountFaces posts the frame to the detector and returns the face count.
func (c *HTTPCounter) CountFaces(frame []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/v1/detect", bytes.NewReader(frame))
	if err != nil {
		return 0, fmt.Errorf("create detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("detect request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("detect request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode detect response: %w", err)
	}
	if out.Faces < 0 {
		return 0, fmt.Errorf("detector returned negative face count %d", out.Faces)
	}
	return out.Faces, nil
}

// Close is a no-op; the counter holds no per-connection resources.
func (c *HTTPCounter) Close() error { return nil }
