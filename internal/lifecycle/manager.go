// Package lifecycle runs the relay's startup sequence and its shutdown.
//
// Startup is strictly ordered: upstream health probe, local listener, public
// tunnel, webhook registration. Shutdown closes the tunnel exactly once and
// then drains the listener.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"portin-relay/internal/config"
	"portin-relay/internal/metrics"
	"portin-relay/internal/service"
	"portin-relay/internal/tunnel"
)

// HealthChecker probes the upstream before the relay starts.
type HealthChecker interface {
	Enabled() bool
	Check(ctx context.Context) error
}

// Registrar points the provider's webhook at the relay's public URL.
type Registrar interface {
	Register(ctx context.Context, targetURL string) error
}

// Manager owns the relay listener and the tunnel handle.
type Manager struct {
	cfg       *config.Config
	server    *echo.Echo
	probe     HealthChecker
	tunnels   tunnel.Provider
	registrar Registrar
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	tun      tunnel.Tunnel
}

// NewManager creates a Manager. probe, registrar and m may be nil: a nil
// probe skips the health check, a nil registrar skips webhook registration.
func NewManager(
	cfg *config.Config,
	server *echo.Echo,
	probe HealthChecker,
	tunnels tunnel.Provider,
	registrar Registrar,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		server:    server,
		probe:     probe,
		tunnels:   tunnels,
		registrar: registrar,
		metrics:   m,
		logger:    logger.With("component", "lifecycle"),
	}
}

// Register attaches the manager to the fx lifecycle.
func Register(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: m.Start,
		OnStop:  m.Stop,
	})
}

// Start runs the startup sequence. A 403 from the health probe, a bind
// failure or a tunnel failure is returned; everything else is logged.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.checkUpstream(ctx); err != nil {
		return err
	}

	addr := m.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.logger.Info("relay listening",
		"addr", ln.Addr().String(),
		"forward_url", m.cfg.Upstream.ForwardURL(),
	)
	go m.serve(ln)

	tun, err := m.tunnels.Open(ctx, ln.Addr().String())
	if err != nil {
		m.logger.Error("failed to start tunnel", "err", err)
		_ = m.server.Close()
		_ = ln.Close()
		m.mu.Lock()
		m.listener = nil
		m.mu.Unlock()
		return fmt.Errorf("open tunnel: %w", err)
	}

	m.mu.Lock()
	m.tun = tun
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.TunnelUp.Set(1)
	}
	m.logger.Info("tunnel established", "url", tun.URL())

	if m.registrar != nil {
		m.register(ctx, tun.URL())
	}
	return nil
}

// Stop closes the tunnel and shuts the relay listener down. Only a failed
// tunnel close is returned; requests still in flight when ctx expires are
// logged and dropped.
func (m *Manager) Stop(ctx context.Context) error {
	var closeErr error

	if tun := m.takeTunnel(); tun != nil {
		m.logger.Info("closing tunnel", "url", tun.URL())
		if err := tun.Close(); err != nil {
			m.logger.Error("failed to close tunnel", "err", err)
			closeErr = fmt.Errorf("close tunnel: %w", err)
		}
		if m.metrics != nil {
			m.metrics.TunnelUp.Set(0)
		}
	}

	m.mu.Lock()
	ln := m.listener
	m.listener = nil
	m.mu.Unlock()
	if ln != nil {
		m.logger.Info("shutting down server")
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Warn("server did not drain in time", "err", err)
			_ = m.server.Close()
		}
		// Serve may not have taken ownership of ln yet.
		_ = ln.Close()
	}

	return closeErr
}

// PublicURL returns the tunnel URL, or empty when no tunnel is open.
func (m *Manager) PublicURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tun == nil {
		return ""
	}
	return m.tun.URL()
}

// takeTunnel hands the tunnel to the caller and forgets it, so it is closed once.
func (m *Manager) takeTunnel() tunnel.Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	tun := m.tun
	m.tun = nil
	return tun
}

func (m *Manager) serve(ln net.Listener) {
	if err := m.server.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("server error", "err", err)
	}
}

func (m *Manager) checkUpstream(ctx context.Context) error {
	if m.probe == nil || !m.probe.Enabled() {
		m.logger.Info("upstream health check disabled")
		return nil
	}

	err := m.probe.Check(ctx)
	result := "healthy"
	switch {
	case err == nil:
		m.logger.Info("forwarding service is healthy and running")
	case errors.Is(err, service.ErrUpstreamForbidden):
		result = "forbidden"
		m.logger.Error("upstream refused the health check; check that the VPN is connected", "err", err)
	case errors.Is(err, service.ErrUpstreamUnavailable):
		result = "unavailable"
		m.logger.Warn("forwarding service unavailable", "err", err)
	default:
		result = "error"
		m.logger.Error("error checking service status", "err", err)
	}
	if m.metrics != nil {
		m.metrics.HealthProbes.WithLabelValues(result).Inc()
	}

	if result == "forbidden" {
		return err
	}
	return nil
}

func (m *Manager) register(ctx context.Context, publicURL string) {
	target := strings.TrimRight(publicURL, "/") + m.cfg.Provider.TargetPath
	m.logger.Info("updating webhook url", "target", target)

	err := m.registrar.Register(ctx, target)
	if m.metrics != nil {
		m.metrics.WebhookRegistrations.WithLabelValues(metrics.Result(err)).Inc()
	}
	if err != nil {
		m.logger.Error("failed to update webhook", "err", err, "target", target)
		return
	}
	m.logger.Info("updated webhook url", "target", target)
}
