package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"portin-relay/internal/config"
)

func twilioConfig(webhookURL string) *config.Config {
	return &config.Config{
		Provider: config.ProviderConfig{
			AccountSID: "AC123",
			AuthToken:  "secret",
			WebhookURL: webhookURL,
		},
	}
}

func TestTwilioClient_Register(t *testing.T) {
	var (
		gotMethod string
		gotUser   string
		gotPass   string
		gotOK     bool
		gotType   string
		gotBody   map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUser, gotPass, gotOK = r.BasicAuth()
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"port_in_target_url":"https://abc.ngrok.app/api"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewTwilioClient(twilioConfig(srv.URL), logger)

	if err := c.Register(context.Background(), "https://abc.ngrok.app/api"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if !gotOK || gotUser != "AC123" || gotPass != "secret" {
		t.Errorf("basic auth = (%q, %q, %v), want (AC123, secret, true)", gotUser, gotPass, gotOK)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotType)
	}
	if gotBody["port_in_target_url"] != "https://abc.ngrok.app/api" {
		t.Errorf("port_in_target_url = %q, want %q", gotBody["port_in_target_url"], "https://abc.ngrok.app/api")
	}
}

func TestTwilioClient_Register_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewTwilioClient(twilioConfig(srv.URL), logger)

	err := c.Register(context.Background(), "https://abc.ngrok.app/api")
	if err == nil {
		t.Fatal("Register() expected error for 401, got nil")
	}
	if !errors.Is(err, ErrRegistrationRejected) {
		t.Errorf("Register() error = %v, want ErrRegistrationRejected", err)
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "Authenticate") {
		t.Errorf("error = %q, want status and provider message", err)
	}
}

func TestTwilioClient_Register_Unreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewTwilioClient(twilioConfig("http://127.0.0.1:1/webhook"), logger)

	err := c.Register(context.Background(), "https://abc.ngrok.app/api")
	if err == nil {
		t.Fatal("Register() expected error for unreachable provider, got nil")
	}
	if errors.Is(err, ErrRegistrationRejected) {
		t.Error("transport failure should not be reported as a rejection")
	}
}
