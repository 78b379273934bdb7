package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medvault/medvault/internal/platform/upstream"
)

// HTTP calls a hosted summarization model. The request body is
// {"inputs": text} and the response is [{"summary_text": "..."}], the shape
// served by common text2text inference endpoints.
type HTTP struct {
	url        string
	token      string
	model      string
	httpClient *http.Client
}

// Option configures an HTTP summarizer.
type Option func(*HTTP)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) { h.httpClient = c }
}

// WithModel sets the model name reported in summaries.
func WithModel(name string) Option {
	return func(h *HTTP) { h.model = name }
}

func NewHTTP(url, token string, opts ...Option) *HTTP {
	h := &HTTP{
		url:        url,
		token:      token,
		model:      "remote",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type inferenceRequest struct {
	Inputs string `json:"inputs"`
}

type inferenceResult struct {
	SummaryText string `json:"summary_text"`
}

func (h *HTTP) Summarize(ctx context.Context, text string) (Summary, error) {
	clean, err := Sanitize(text)
	if err != nil {
		return Summary{}, err
	}

	payload, err := json.Marshal(inferenceRequest{Inputs: clean})
	if err != nil {
		return Summary{}, fmt.Errorf("encode summarize request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return Summary{}, fmt.Errorf("build summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Summary{}, upstream.Wrap("summarizer", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Summary{}, upstream.Wrap("summarizer", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Summary{}, upstream.Wrap("summarizer", fmt.Errorf("non-2xx response: %d", resp.StatusCode))
	}

	var results []inferenceResult
	if err := json.Unmarshal(body, &results); err != nil {
		return Summary{}, upstream.Wrap("summarizer", fmt.Errorf("decode response: %w", err))
	}
	if len(results) == 0 || strings.TrimSpace(results[0].SummaryText) == "" {
		return Summary{}, upstream.Wrap("summarizer", fmt.Errorf("empty summary"))
	}

	out, err := Sanitize(results[0].SummaryText)
	if err != nil {
		return Summary{}, upstream.Wrap("summarizer", err)
	}
	return Summary{Text: out, Model: h.model}, nil
}
