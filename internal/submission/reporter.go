// Package submission implements the fire-and-forget reporter of the
// submission sink: three events (new-host, fetched-document,
// rendered-document) POSTed to configurable endpoints, retried up to
// API_RETRY times, and falling back to a local JSON file under
// {PATH_DATA}/api/{yyyy-mm-dd}/ on exhaustion.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/crawlerrors"
	"github.com/darkcrawl/darkcrawl/internal/link"
)

// EventType names one of the three submission triggers.
type EventType string

const (
	EventNewHost          EventType = "new-host"
	EventFetchedDocument  EventType = "fetched-document"
	EventRenderedDocument EventType = "rendered-document"
)

// Event is the JSON payload POSTed (or written locally) for a submission
// trigger: a timestamp, the link, and artifact metadata.
type Event struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	URL         string    `json:"url"`
	Hash        string    `json:"hash"`
	Host        string    `json:"host"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	BodySize    int       `json:"body_size,omitempty"`
}

// Reporter dispatches submission events to their configured endpoints.
type Reporter struct {
	client    *http.Client
	endpoints map[EventType]string
	retry     int
	pathData  string
	logger    *slog.Logger
}

// NewReporter builds a Reporter from the submission config. An endpoint
// left blank in config means "write JSON locally" for that event type.
func NewReporter(cfg config.SubmissionConfig, pathData string, logger *slog.Logger) *Reporter {
	return &Reporter{
		client: &http.Client{Timeout: cfg.Timeout},
		endpoints: map[EventType]string{
			EventNewHost:          cfg.APINewHost,
			EventFetchedDocument:  cfg.APIRequests,
			EventRenderedDocument: cfg.APISelenium,
		},
		retry:    cfg.APIRetry,
		pathData: pathData,
		logger:   logger.With("component", "submission"),
	}
}

// NewHost reports a freshly onboarded host.
func (r *Reporter) NewHost(ctx context.Context, l link.Link) error {
	return r.submit(ctx, Event{
		Type:      EventNewHost,
		Timestamp: time.Now(),
		URL:       l.URL,
		Hash:      l.HashString(),
		Host:      l.Host,
	})
}

// FetchedDocument reports a successful fetch-worker GET.
func (r *Reporter) FetchedDocument(ctx context.Context, l link.Link, statusCode int, contentType string, bodySize int) error {
	return r.submit(ctx, Event{
		Type:        EventFetchedDocument,
		Timestamp:   time.Now(),
		URL:         l.URL,
		Hash:        l.HashString(),
		Host:        l.Host,
		StatusCode:  statusCode,
		ContentType: contentType,
		BodySize:    bodySize,
	})
}

// RenderedDocument reports a successful render-worker Load.
func (r *Reporter) RenderedDocument(ctx context.Context, l link.Link, bodySize int) error {
	return r.submit(ctx, Event{
		Type:      EventRenderedDocument,
		Timestamp: time.Now(),
		URL:       l.URL,
		Hash:      l.HashString(),
		Host:      l.Host,
		BodySize:  bodySize,
	})
}

func (r *Reporter) submit(ctx context.Context, ev Event) error {
	endpoint := r.endpoints[ev.Type]
	if endpoint == "" {
		return r.writeLocal(ev)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var lastErr error
	attempts := r.retry
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			r.logger.Warn("submission attempt failed", "event", ev.Type, "attempt", attempt, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		r.logger.Warn("submission attempt rejected", "event", ev.Type, "attempt", attempt, "status", resp.StatusCode)
	}

	if err := r.writeLocal(ev); err != nil {
		return err
	}
	return &crawlerrors.SubmissionError{Endpoint: endpoint, Attempts: attempts, Err: lastErr}
}

// writeLocal persists ev under {PATH_DATA}/api/{yyyy-mm-dd}/{event}-{hash}.json,
// the fallback path when an endpoint is unreachable or unconfigured.
func (r *Reporter) writeLocal(ev Event) error {
	dir := filepath.Join(r.pathData, "api", ev.Timestamp.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", ev.Type, ev.Hash))
	return os.WriteFile(path, data, 0o644)
}
