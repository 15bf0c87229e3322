package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/creativeghq/batchflow/internal/domain"
)

// fetchPayload is the expected JSON structure in task.Payload for a
// page_scrape task: one page URL per task.
type fetchPayload struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	MaxBytes  int64             `json:"max_bytes,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

// fetchResult is the task result stored on success.
type fetchResult struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Bytes       int64  `json:"bytes"`
	DurationMs  int64  `json:"duration_ms"`
}

const defaultMaxFetchBytes = 8 << 20 // 8 MB

// PageFetchRunner downloads one page per task. Used by scrape jobs where
// each task is a single URL from the session's page queue.
type PageFetchRunner struct {
	client *http.Client
}

// NewPageFetchRunner creates a PageFetchRunner. The per-request deadline
// comes from the scheduler's ctx, so the client itself has no timeout.
func NewPageFetchRunner() *PageFetchRunner {
	return &PageFetchRunner{client: &http.Client{}}
}

func (r *PageFetchRunner) JobType() string { return "page_scrape" }

func (r *PageFetchRunner) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	ctx, span := otel.Tracer("runner").Start(ctx, "runner.page_fetch")
	defer span.End()

	var p fetchPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, fmt.Errorf("invalid page_scrape payload: %w", err)
	}
	if p.URL == "" {
		err := errors.New("page_scrape payload missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return nil, err
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = defaultMaxFetchBytes
	}

	span.SetAttributes(attribute.String("fetch.url", p.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("fetch %s returned status %d", p.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	// Headers received, body still streaming.
	ReportProgress(ctx, 50)

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.MaxBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "body read failed")
		return nil, fmt.Errorf("read body of %s: %w", p.URL, err)
	}

	res := fetchResult{
		URL:         p.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Bytes:       n,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal fetch result: %w", err)
	}
	return out, nil
}
