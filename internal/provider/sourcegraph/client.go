// Package sourcegraph talks to the Sourcegraph completions stream endpoint.
package sourcegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL   = "https://sourcegraph.com"
	DefaultEndpoint  = "/.api/completions/stream?api-version=9&client-name=vscode&client-version=1.82.0"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

	maxErrorBody = 4096
)

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithHTTPClient sets the transport, including any outbound proxy.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client issues streamed completion calls. It keeps no per-call state.
type Client struct {
	baseURL    string
	endpoint   string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		endpoint:   DefaultEndpoint,
		userAgent:  DefaultUserAgent,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is an open upstream event stream.
type Response struct {
	*Decoder
	StatusCode int
	body       io.ReadCloser
}

func (r *Response) Close() error {
	return r.body.Close()
}

// Stream posts req with headers derived from cred and returns the open event
// stream. Every failure is an *domain.UpstreamError.
func (c *Client) Stream(ctx context.Context, cred domain.Credential, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &domain.UpstreamError{
			Kind:   domain.UpstreamTransport,
			Detail: "encode request body",
			Err:    err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.UpstreamError{
			Kind:   domain.UpstreamTransport,
			Detail: "build request",
			Err:    err,
		}
	}

	interactionID := uuid.NewString()
	httpReq.Header = c.headers(cred.Secret, interactionID)

	c.logger.Debug("upstream request",
		"credential_id", cred.ID,
		"interaction_id", interactionID,
		"model", req.Model,
		"messages", len(req.Messages),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &domain.UpstreamError{
			Kind:       domain.UpstreamProtocol,
			StatusCode: resp.StatusCode,
			Detail:     readErrorBody(resp),
		}
	}

	return &Response{
		Decoder:    NewDecoder(resp.Body),
		StatusCode: resp.StatusCode,
		body:       resp.Body,
	}, nil
}

func (c *Client) headers(secret, interactionID string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	h.Set("Authorization", "token "+secret)
	h.Set("Cookie", secret)
	h.Set("Traceparent", newTraceparent())
	h.Set("X-Sourcegraph-Interaction-Id", interactionID)
	h.Set("User-Agent", c.userAgent)
	return h
}

// newTraceparent builds a W3C traceparent with a fresh trace and parent id.
func newTraceparent() string {
	traceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	parentID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return "00-" + traceID + "-" + parentID + "-01"
}

func transportError(err error) *domain.UpstreamError {
	detail := "request failed"
	switch {
	case errors.Is(err, context.Canceled):
		detail = "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		detail = "request timed out"
	default:
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			if urlErr.Timeout() {
				detail = "request timed out"
			} else {
				detail = urlErr.Err.Error()
			}
		}
	}
	return &domain.UpstreamError{
		Kind:   domain.UpstreamTransport,
		Detail: detail,
		Err:    err,
	}
}

// readErrorBody extracts a bounded text diagnostic from a failed response.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/octet-stream") {
		return fmt.Sprintf("%d bytes of binary error data", len(data))
	}
	return domain.SanitizeDetail(string(data), domain.MaxErrorDetail)
}
