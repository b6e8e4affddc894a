// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

/*
client.go - OpenAI-compatible inference API client

This file implements a REST client for an OpenAI-compatible inference
gateway. It covers the three model operations the platform needs:
audio transcription (multipart upload), reference-answer generation,
and answer evaluation (both chat completions).
*/

package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nvallin/proctorly/internal/metrics"
)

// Transcriber converts recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

// Evaluator generates reference answers and scores candidate answers.
type Evaluator interface {
	GenerateReference(ctx context.Context, question, jobDescription string) (string, error)
	Evaluate(ctx context.Context, question, reference, transcript string) (*Evaluation, error)
}

// Evaluation is the structured scoring result for one answer.
type Evaluation struct {
	Score    float64  `json:"score"`
	Feedback []string `json:"feedback"`
}

// Ensure Client implements both capability interfaces.
var (
	_ Transcriber = (*Client)(nil)
	_ Evaluator   = (*Client)(nil)
)

// Client provides access to an OpenAI-compatible inference API.
type Client struct {
	baseURL         string
	apiKey          string
	chatModel       string
	transcribeModel string
	httpClient      *http.Client
}

// ClientConfig configures the inference client.
type ClientConfig struct {
	BaseURL         string        `koanf:"base_url" validate:"required,url"`
	APIKey          string        `koanf:"api_key"`
	ChatModel       string        `koanf:"chat_model"`
	TranscribeModel string        `koanf:"transcribe_model"`
	Timeout         time.Duration `koanf:"timeout"`
}

// NewClient creates an inference client. Zero-valued optional fields fall
// back to sensible defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &Client{
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		chatModel:       cfg.ChatModel,
		transcribeModel: cfg.TranscribeModel,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audio to the transcription endpoint and returns the
// recognized text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	start := time.Now()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	filename := "answer" + extensionFor(contentType)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart request: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to build multipart request: %w", err)
	}
	if err := w.WriteField("model", c.transcribeModel); err != nil {
		return "", fmt.Errorf("failed to build multipart request: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to build multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordInferenceCall("transcribe", "error", time.Since(start))
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordInferenceCall("transcribe", "error", time.Since(start))
		return "", statusError("transcription", resp)
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		metrics.RecordInferenceCall("transcribe", "error", time.Since(start))
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}

	metrics.RecordInferenceCall("transcribe", "success", time.Since(start))
	return strings.TrimSpace(tr.Text), nil
}

// GenerateReference asks the chat model for a model answer to an interview
// question, grounded in the job description.
func (c *Client) GenerateReference(ctx context.Context, question, jobDescription string) (string, error) {
	prompt := fmt.Sprintf(
		"You are an expert interviewer. Write a concise model answer to the following interview question for a role with this job description.\n\nJob description:\n%s\n\nQuestion:\n%s",
		jobDescription, question,
	)

	content, err := c.chat(ctx, "reference", []chatMessage{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// Evaluate scores a candidate's transcript against the reference answer and
// returns a score on a 0-10 scale with itemized feedback.
func (c *Client) Evaluate(ctx context.Context, question, reference, transcript string) (*Evaluation, error) {
	prompt := fmt.Sprintf(
		"Score the candidate's answer from 0 to 10 against the reference answer. Respond with JSON only: {\"score\": <number>, \"feedback\": [<strings>]}.\n\nQuestion:\n%s\n\nReference answer:\n%s\n\nCandidate answer:\n%s",
		question, reference, transcript,
	)

	content, err := c.chat(ctx, "evaluate", []chatMessage{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}

	// Models occasionally wrap JSON in a code fence.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var ev Evaluation
	if err := json.Unmarshal([]byte(content), &ev); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation response: %w", err)
	}
	if ev.Score < 0 {
		ev.Score = 0
	}
	if ev.Score > 10 {
		ev.Score = 10
	}
	return &ev, nil
}

func (c *Client) chat(ctx context.Context, operation string, messages []chatMessage) (string, error) {
	start := time.Now()

	payload, err := json.Marshal(chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordInferenceCall(operation, "error", time.Since(start))
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordInferenceCall(operation, "error", time.Since(start))
		return "", statusError("chat", resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		metrics.RecordInferenceCall(operation, "error", time.Since(start))
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		metrics.RecordInferenceCall(operation, "error", time.Since(start))
		return "", fmt.Errorf("chat response contained no choices")
	}

	metrics.RecordInferenceCall(operation, "success", time.Since(start))
	return cr.Choices[0].Message.Content, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func statusError(operation string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body)", operation, resp.StatusCode)
	}
	return fmt.Errorf("%s returned status %d: %s", operation, resp.StatusCode, string(body))
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return ".wav"
	case strings.Contains(contentType, "mp3"), strings.Contains(contentType, "mpeg"):
		return ".mp3"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	default:
		return ".webm"
	}
}
