// Package client provides the outbound HTTP clients: the internal service
// callbacks are relayed to, and the provider's webhook configuration API.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"portin-relay/internal/config"
	"portin-relay/internal/metrics"
	"portin-relay/internal/model"
)

// UpstreamClient sends relayed callbacks and health checks to the internal service.
type UpstreamClient struct {
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient. A zero upstream.timeout_seconds
// leaves calls unbounded; m may be nil.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		http: &http.Client{
			Transport: newTransport(cfg.Upstream.IdleConnections),
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// A 3xx is upstream's answer to the caller, not ours to chase.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

func newTransport(idle int) *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        idle,
		MaxIdleConnsPerHost: idle,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Send executes req and hands back upstream's reply with its body unread.
// Every status is a reply; only transport failures are errors. The caller
// closes the body.
func (c *UpstreamClient) Send(req *http.Request) (*model.RelayResponse, error) {
	start := time.Now()
	resp, err := c.http.Do(req) //nolint:bodyclose // closed by the caller via RelayResponse
	elapsed := time.Since(start)

	if err != nil {
		c.observe(req.Method, "", elapsed)
		return nil, fmt.Errorf("upstream %s %s: %w", req.Method, req.URL.Redacted(), err)
	}

	c.observe(req.Method, strconv.Itoa(resp.StatusCode), elapsed)
	c.logger.Debug("upstream replied",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"duration", elapsed,
	)

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// observe records latency for every call and a response count when a status came back.
func (c *UpstreamClient) observe(method, status string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	method = metrics.NormalizeMethod(method)
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	if status != "" {
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
}
