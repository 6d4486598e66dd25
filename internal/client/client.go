// Package client talks to a running engine's admin HTTP surface.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/telhawk-systems/projector/common/httputil"
	"github.com/telhawk-systems/projector/internal/server"
)

// ErrNotFound is returned for unknown projections.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a rebuild is already running.
var ErrConflict = errors.New("conflict")

// AdminClient calls the admin endpoints.
type AdminClient struct {
	baseURL string
	client  *http.Client
}

// New creates an AdminClient pointing at baseURL.
func New(baseURL string) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Projections lists every projection.
func (c *AdminClient) Projections(ctx context.Context) ([]server.ProjectionView, error) {
	var out []server.ProjectionView
	err := c.do(ctx, http.MethodGet, "/projections", http.StatusOK, &out)
	return out, err
}

// Projection fetches one projection.
func (c *AdminClient) Projection(ctx context.Context, name string) (server.ProjectionView, error) {
	var out server.ProjectionView
	err := c.do(ctx, http.MethodGet, "/projections/"+url.PathEscape(name), http.StatusOK, &out)
	return out, err
}

// Rebuild requests a background rebuild of name.
func (c *AdminClient) Rebuild(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/projections/"+url.PathEscape(name)+"/rebuild", http.StatusAccepted, nil)
}

func (c *AdminClient) do(ctx context.Context, method, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var body httputil.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		msg := body.Error
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, msg)
		default:
			return fmt.Errorf("%s %s: %s", method, path, msg)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
