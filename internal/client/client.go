// Package client talks to the central server's sync API on behalf of one
// edge workstation. Every call is bounded by its own timeout; any network
// error or non-2xx response surfaces as a plain error the orchestrator
// recovers from, never as a crash.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/outpostlabs/edgesync/internal/models"
)

const (
	pendingTimeout  = 30 * time.Second
	pushTimeout     = 60 * time.Second
	ackTimeout      = 30 * time.Second
	downloadTimeout = 120 * time.Second

	maxErrorBody = 512
)

// CentralClient wraps the three sync endpoints plus file downloads.
type CentralClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	files   *http.Client
	logger  *slog.Logger
}

func NewCentralClient(baseURL, apiKey string, logger *slog.Logger) *CentralClient {
	return &CentralClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
		files:   &http.Client{},
		logger:  logger,
	}
}

func (c *CentralClient) endpoint(name string) string {
	return c.baseURL + "/api/sync/" + name + "/"
}

// GetPendingChanges fetches the server's queued changes for this node plus
// the event UUIDs it confirms as durably processed.
func (c *CentralClient) GetPendingChanges(ctx context.Context) (*models.PendingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, pendingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("get-pending"), nil)
	if err != nil {
		return nil, err
	}

	var out models.PendingResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("fetching pending changes: %w", err)
	}
	return &out, nil
}

// PushChanges uploads a batch of local changes. An empty batch succeeds
// without touching the network.
func (c *CentralClient) PushChanges(ctx context.Context, items []models.PushItem) error {
	if len(items) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	req, err := c.jsonRequest(ctx, c.endpoint("push"), items)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("pushing %d changes: %w", len(items), err)
	}
	return nil
}

// AcknowledgeChanges confirms that a batch of server-delivered changes was
// applied locally, identified by their server-side event IDs.
func (c *CentralClient) AcknowledgeChanges(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	body := map[string]any{"acknowledged_events": eventIDs}
	req, err := c.jsonRequest(ctx, c.endpoint("acknowledge"), body)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("acknowledging %d events: %w", len(eventIDs), err)
	}
	return nil
}

// DownloadFile fetches a URL-referenced file payload. Downloads get a
// longer budget than the control-plane calls and their own client so a
// slow file server cannot exhaust the API connection pool.
func (c *CentralClient) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.files.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("downloading %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading download %s: %w", url, err)
	}
	c.logger.Debug("File downloaded", "url", url, "bytes", len(data))
	return data, nil
}

func (c *CentralClient) jsonRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *CentralClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		// Ack bodies are arbitrary; drain so the connection is reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
