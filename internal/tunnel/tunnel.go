// Package tunnel exposes the local relay listener under a public URL.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"golang.ngrok.com/ngrok"
	ngrokcfg "golang.ngrok.com/ngrok/config"

	"portin-relay/internal/config"
)

// Tunnel is an open public endpoint forwarding to a local address.
type Tunnel interface {
	URL() string
	Close() error
}

// Provider opens tunnels to a local address.
type Provider interface {
	Open(ctx context.Context, localAddr string) (Tunnel, error)
}

// NgrokProvider opens ngrok HTTP endpoints that forward to the local listener.
type NgrokProvider struct {
	authtoken string
	domain    string
	logger    *slog.Logger
}

// NewNgrokProvider creates an NgrokProvider. Without a configured authtoken
// the SDK reads NGROK_AUTHTOKEN from the environment.
func NewNgrokProvider(cfg *config.Config, logger *slog.Logger) *NgrokProvider {
	return &NgrokProvider{
		authtoken: cfg.Tunnel.Authtoken,
		domain:    cfg.Tunnel.Domain,
		logger:    logger.With("component", "ngrok"),
	}
}

// Open starts an ngrok HTTP endpoint forwarding to localAddr.
func (p *NgrokProvider) Open(ctx context.Context, localAddr string) (Tunnel, error) {
	backend, err := BackendURL(localAddr)
	if err != nil {
		return nil, err
	}

	var endpointOpts []ngrokcfg.HTTPEndpointOption
	if p.domain != "" {
		endpointOpts = append(endpointOpts, ngrokcfg.WithDomain(p.domain))
	}

	connectOpt := ngrok.WithAuthtokenFromEnv()
	if p.authtoken != "" {
		connectOpt = ngrok.WithAuthtoken(p.authtoken)
	}

	p.logger.Debug("opening tunnel", "backend", backend.String(), "domain", p.domain)

	// The forwarder must outlive the start context it is opened with.
	fwd, err := ngrok.ListenAndForward(context.WithoutCancel(ctx), backend,
		ngrokcfg.HTTPEndpoint(endpointOpts...),
		connectOpt,
	)
	if err != nil {
		return nil, fmt.Errorf("ngrok forward to %s: %w", backend, err)
	}

	return &ngrokTunnel{fwd: fwd}, nil
}

type ngrokTunnel struct {
	fwd ngrok.Forwarder
}

func (t *ngrokTunnel) URL() string  { return t.fwd.URL() }
func (t *ngrokTunnel) Close() error { return t.fwd.Close() }

// BackendURL turns a listener address into the URL the tunnel forwards to.
// Wildcard hosts are replaced with localhost.
func BackendURL(localAddr string) (*url.URL, error) {
	host, port, err := net.SplitHostPort(localAddr)
	if err != nil {
		return nil, fmt.Errorf("parse local address %q: %w", localAddr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(host, port)}, nil
}
