package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"portin-relay/internal/config"
)

// ErrRegistrationRejected is returned when the provider answers a webhook
// registration with a non-2xx status.
var ErrRegistrationRejected = errors.New("webhook registration rejected")

// maxErrorBody bounds how much of a rejected response is kept for the error message.
const maxErrorBody = 4 << 10

// webhookPayload is the body of the port-in webhook configuration call.
type webhookPayload struct {
	PortInTargetURL string `json:"port_in_target_url"`
}

// TwilioClient updates the port-in webhook target on the Twilio porting API.
type TwilioClient struct {
	httpClient *http.Client
	webhookURL string
	accountSID string
	authToken  string
	logger     *slog.Logger
}

// NewTwilioClient creates a TwilioClient from the provider configuration.
func NewTwilioClient(cfg *config.Config, logger *slog.Logger) *TwilioClient {
	return &TwilioClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		webhookURL: cfg.Provider.WebhookURL,
		accountSID: cfg.Provider.AccountSID,
		authToken:  cfg.Provider.AuthToken,
		logger:     logger.With("component", "twilio_client"),
	}
}

// Register points the port-in webhook at targetURL.
func (c *TwilioClient) Register(ctx context.Context, targetURL string) error {
	payload, err := json.Marshal(webhookPayload{PortInTargetURL: targetURL})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("updating webhook", "url", c.webhookURL, "target", targetURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrRegistrationRejected, resp.StatusCode, bytes.TrimSpace(body))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
