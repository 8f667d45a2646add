package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"portin-relay/internal/client"
	"portin-relay/internal/config"
	"portin-relay/internal/model"
)

func newTestService(t *testing.T, baseURL string) *RelayService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			ForwardPath:     "/v1/webhooks/port-in",
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewRelayService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}
	return svc
}

func TestFilterRequestHeaders(t *testing.T) {
	s := &RelayService{}
	src := http.Header{
		"Accept":              {"application/json"},
		"Content-Type":        {"application/json"},
		"Authorization":       {"Bearer secret"},
		"X-Twilio-Signature":  {"sig"},
		"X-Custom-Header":     {"a", "b"},
		"Host":                {"abc.ngrok.app"},
		"Connection":          {"keep-alive, X-Drop-Me"},
		"X-Drop-Me":           {"1"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Upgrade":             {"websocket"},
	}

	dst := s.filterRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"X-Twilio-Signature forwarded", "X-Twilio-Signature", 1},
		{"multi-value header forwarded", "X-Custom-Header", 2},
		{"Host stripped", "Host", 0},
		{"Connection stripped", "Connection", 0},
		{"Connection-listed header stripped", "X-Drop-Me", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Proxy-Authorization stripped", "Proxy-Authorization", 0},
		{"Upgrade stripped", "Upgrade", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if src.Get("Connection") == "" {
		t.Error("filterRequestHeaders must not mutate the inbound header")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	s := &RelayService{}
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Content-Length":    {"42"},
		"Set-Cookie":        {"session=abc"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"close"},
	}

	dst := s.filterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type forwarded", "Content-Type", 1},
		{"Content-Length forwarded", "Content-Length", 1},
		{"Set-Cookie forwarded", "Set-Cookie", 1},
		{"Transfer-Encoding stripped (hop-by-hop)", "Transfer-Encoding", 0},
		{"Connection stripped (hop-by-hop)", "Connection", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	target, _ := url.Parse("https://service.internal/v1/webhooks/port-in")
	s := &RelayService{target: target}

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"no query", "", "https://service.internal/v1/webhooks/port-in"},
		{"query preserved", "event=ported", "https://service.internal/v1/webhooks/port-in?event=ported"},
		{"order and encoding kept", "b&a=1&sid=KW%2f1", "https://service.internal/v1/webhooks/port-in?b&a=1&sid=KW%2f1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.buildUpstreamURL(tt.query); got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildUpstreamURL_TargetWithQuery(t *testing.T) {
	target, _ := url.Parse("https://service.internal/hook?source=relay")
	s := &RelayService{target: target}

	want := "https://service.internal/hook?source=relay&b&a=1"
	if got := s.buildUpstreamURL("b&a=1"); got != want {
		t.Errorf("buildUpstreamURL() = %q, want %q", got, want)
	}
}

func TestForward_PreservesMethodHeadersBody(t *testing.T) {
	methods := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodGet}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			var (
				gotMethod string
				gotPath   string
				gotHost   string
				gotHeader http.Header
				gotBody   []byte
			)
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				gotHost = r.Host
				gotHeader = r.Header.Clone()
				gotBody, _ = io.ReadAll(r.Body)
				w.WriteHeader(http.StatusNoContent)
			}))
			defer upstream.Close()

			svc := newTestService(t, upstream.URL)
			body := []byte(`{"port_in_request_sid":"KW123","status":"completed"}`)
			rr := &model.RelayRequest{
				Ctx:    context.Background(),
				Method: method,
				Path:   "/api",
				Header: http.Header{
					"Content-Type":       {"application/json"},
					"X-Twilio-Signature": {"abc="},
					"User-Agent":         {"TwilioProxy/1.1"},
				},
				Body:          io.NopCloser(bytes.NewReader(body)),
				ContentLength: int64(len(body)),
			}

			resp, err := svc.Forward(rr)
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if gotMethod != method {
				t.Errorf("method = %q, want %q", gotMethod, method)
			}
			if gotPath != "/v1/webhooks/port-in" {
				t.Errorf("path = %q, want %q", gotPath, "/v1/webhooks/port-in")
			}
			wantHost := upstream.Listener.Addr().String()
			if gotHost != wantHost {
				t.Errorf("Host = %q, want %q", gotHost, wantHost)
			}
			for _, key := range []string{"Content-Type", "X-Twilio-Signature", "User-Agent"} {
				if gotHeader.Get(key) != rr.Header.Get(key) {
					t.Errorf("header %s = %q, want %q", key, gotHeader.Get(key), rr.Header.Get(key))
				}
			}
			if !bytes.Equal(gotBody, body) {
				t.Errorf("body = %q, want %q", gotBody, body)
			}
		})
	}
}

func TestForward_PropagatesAnyStatus(t *testing.T) {
	statuses := []int{http.StatusCreated, http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError}

	for _, status := range statuses {
		t.Run(http.StatusText(status), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"status":"x"}`))
			}))
			defer upstream.Close()

			svc := newTestService(t, upstream.URL)
			resp, err := svc.Forward(&model.RelayRequest{
				Ctx:    context.Background(),
				Method: http.MethodPost,
				Header: http.Header{},
				Body:   http.NoBody,
			})
			if err != nil {
				t.Fatalf("Forward() error = %v, want nil for status %d", err, status)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, status)
			}
			got, _ := io.ReadAll(resp.Body)
			if string(got) != `{"status":"x"}` {
				t.Errorf("body = %q, want %q", got, `{"status":"x"}`)
			}
		})
	}
}

func TestForward_NetworkError(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1")

	_, err := svc.Forward(&model.RelayRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Header: http.Header{},
		Body:   http.NoBody,
	})
	if err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
}

func TestNewRelayService_Target(t *testing.T) {
	svc := newTestService(t, "https://service.internal/")
	if got, want := svc.Target(), "https://service.internal/v1/webhooks/port-in"; got != want {
		t.Errorf("Target() = %q, want %q", got, want)
	}
}
