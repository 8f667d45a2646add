package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"portin-relay/internal/model"
	"portin-relay/internal/service"
)

// forwardFailedBody is returned to the caller whenever upstream cannot be reached.
var forwardFailedBody = map[string]string{"error": "Failed to forward request"}

// RelayHandler forwards every inbound callback to the upstream endpoint.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request upstream and streams upstream's status, headers
// and body back unchanged.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	h.logger.Info("callback received",
		"method", req.Method,
		"path", req.URL.Path,
		"bytes_in", req.ContentLength,
		"target", h.service.Target(),
	)

	if h.logger.Enabled(req.Context(), slog.LevelDebug) && req.ContentLength != 0 {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		h.logger.Debug("callback body", "path", req.URL.Path, "body", string(body))
	}

	rr := &model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(rr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream's values replace anything middleware already set, such as X-Request-Id.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy leaves the caller with a
	// truncated body; all that is left to do is log it.
	n, err := io.Copy(c.Response(), resp.Body)
	if err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
		return nil
	}

	h.logger.Info("upstream responded",
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"bytes_out", n,
	)
	return nil
}

// mapError logs the classified cause and answers with the fixed 500 body.
func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("error forwarding request",
		"err", err,
		"cause", classifyError(err),
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusInternalServerError, forwardFailedBody)
}

// classifyError returns a short label for a forwarding failure.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "client_disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connection"
	}

	return "unknown"
}
