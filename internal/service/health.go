package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"portin-relay/internal/client"
	"portin-relay/internal/config"
)

var (
	// ErrUpstreamForbidden means the upstream refused the probe with 403,
	// which points at missing network access (e.g. VPN not connected).
	ErrUpstreamForbidden = errors.New("upstream refused access (403); check network access to the service")

	// ErrUpstreamUnavailable means the upstream answered the probe with 503.
	ErrUpstreamUnavailable = errors.New("upstream unavailable (503)")
)

// HealthProbe checks the upstream health endpoint once at startup.
type HealthProbe struct {
	client *client.UpstreamClient
	url    string
	logger *slog.Logger
}

// NewHealthProbe creates a HealthProbe for the configured health URL.
func NewHealthProbe(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *HealthProbe {
	return &HealthProbe{
		client: c,
		url:    cfg.Upstream.HealthURL(),
		logger: logger.With("component", "health_probe"),
	}
}

// Enabled reports whether a health URL is configured.
func (p *HealthProbe) Enabled() bool {
	return p.url != ""
}

// Check issues a GET to the health URL. A 2xx reply is healthy; 403 and 503
// map to ErrUpstreamForbidden and ErrUpstreamUnavailable, anything else to a
// plain error.
func (p *HealthProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := p.client.Send(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("health check %s: %w", p.url, ErrUpstreamForbidden)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("health check %s: %w", p.url, ErrUpstreamUnavailable)
	default:
		return fmt.Errorf("health check %s: unexpected status %d", p.url, resp.StatusCode)
	}
}
