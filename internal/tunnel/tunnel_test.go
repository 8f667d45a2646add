package tunnel

import (
	"io"
	"log/slog"
	"testing"

	"portin-relay/internal/config"
)

func TestBackendURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:3000", "http://127.0.0.1:3000"},
		{"0.0.0.0:3000", "http://localhost:3000"},
		{"[::]:3000", "http://localhost:3000"},
		{":3000", "http://localhost:3000"},
		{"[::1]:8080", "http://[::1]:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := BackendURL(tt.addr)
			if err != nil {
				t.Fatalf("BackendURL(%q) error = %v", tt.addr, err)
			}
			if got.String() != tt.want {
				t.Errorf("BackendURL(%q) = %q, want %q", tt.addr, got.String(), tt.want)
			}
		})
	}
}

func TestBackendURL_Invalid(t *testing.T) {
	if _, err := BackendURL("no-port"); err == nil {
		t.Fatal("BackendURL() expected error for address without port, got nil")
	}
}

func TestNewNgrokProvider(t *testing.T) {
	cfg := &config.Config{Tunnel: config.TunnelConfig{Authtoken: "tok", Domain: "relay.ngrok.app"}}
	p := NewNgrokProvider(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if p.authtoken != "tok" || p.domain != "relay.ngrok.app" {
		t.Errorf("provider = {%q, %q}, want {tok, relay.ngrok.app}", p.authtoken, p.domain)
	}
}
