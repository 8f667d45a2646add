// Package service implements the callback forwarding and upstream health logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"portin-relay/internal/client"
	"portin-relay/internal/config"
	"portin-relay/internal/model"
)

// hopByHopHeaders are connection-scoped and never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RelayService forwards inbound callbacks to the fixed upstream endpoint.
type RelayService struct {
	client *client.UpstreamClient
	logger *slog.Logger
	target *url.URL
}

// NewRelayService creates a RelayService targeting the configured forward URL.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.ForwardURL())
	if err != nil {
		return nil, fmt.Errorf("parse upstream forward url: %w", err)
	}

	return &RelayService{
		client: c,
		logger: logger.With("component", "relay_service"),
		target: u,
	}, nil
}

// Target returns the URL callbacks are forwarded to.
func (s *RelayService) Target() string {
	return s.target.String()
}

// Forward sends a RelayRequest to the upstream endpoint with the same method,
// headers and body, and returns upstream's reply whatever its status.
// The caller is responsible for closing the response body.
func (s *RelayService) Forward(rr *model.RelayRequest) (*model.RelayResponse, error) {
	req, err := http.NewRequestWithContext(rr.Ctx, rr.Method, s.buildUpstreamURL(rr.RawQuery), rr.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = s.filterRequestHeaders(rr.Header)
	req.Host = s.target.Host
	req.ContentLength = rr.ContentLength
	if rr.ContentLength == 0 {
		req.Body = http.NoBody
	}

	s.logger.Debug("forwarding request",
		"method", rr.Method,
		"path", rr.Path,
		"target", s.target.Redacted(),
	)

	resp, err := s.client.Send(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL appends the inbound raw query to the fixed target as is.
func (s *RelayService) buildUpstreamURL(rawQuery string) string {
	if rawQuery == "" {
		return s.target.String()
	}
	u := *s.target
	if u.RawQuery == "" {
		u.RawQuery = rawQuery
	} else {
		u.RawQuery += "&" + rawQuery
	}
	return u.String()
}

// filterRequestHeaders copies every end-to-end header. Host is not part of
// the copy; it is set from the target on the outbound request.
func (s *RelayService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	dst.Del("Host")
	return dst
}

func (s *RelayService) filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes hop-by-hop headers, including any named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
