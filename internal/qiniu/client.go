// Package qiniu is the signed transport for the CDN management API.
package qiniu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/Anipaleja/cdn-defender/pkg/token"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	jsonContentType = "application/json"
	userAgent       = "cdn-defender/1.0"
	maxErrorBody    = 512
)

// APIError represents a failed upstream call: a non-2xx status, a vendor
// error code in an otherwise successful response, or an unreadable body.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	if e.Code != 0 {
		fmt.Fprintf(&b, ", code %d", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// Is reports APIError as a transport error.
func (e *APIError) Is(target error) bool {
	return target == errdefs.ErrTransport
}

// BaseResponse carries the status fields every fusion response has.
type BaseResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// Client signs and sends management API requests.
type Client struct {
	signer     *token.Signer
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	fusionBase string
	domainBase string
}

// Option configures Client behavior.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithEndpoints overrides the fusion and domain API base URLs
// (scheme://host[:port]).
func WithEndpoints(fusion, domain string) Option {
	return func(c *Client) {
		c.fusionBase = strings.TrimRight(fusion, "/")
		c.domainBase = strings.TrimRight(domain, "/")
	}
}

// New creates a Client for the configured account.
func New(cfg config.CDNConfig, logger *logrus.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		signer: token.NewSigner(token.Credential{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		fusionBase: cfg.Scheme + "://" + cfg.FusionHost,
		domainBase: cfg.Scheme + "://" + cfg.DomainHost,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FusionURL returns the absolute URL of a fusion (CDN) API path.
func (c *Client) FusionURL(path string) string {
	return c.fusionBase + path
}

// DomainURL returns the absolute URL of a domain-management API path.
func (c *Client) DomainURL(path string) string {
	return c.domainBase + path
}

// Do sends a signed request. payload, when non-nil, is sent as a JSON body;
// the response body is decoded into out when out is non-nil.
func (c *Client) Do(ctx context.Context, gen token.Generation, method, url string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Content-Type", jsonContentType)
	header.Set("User-Agent", userAgent)

	auth, err := c.signer.Authorization(gen, token.Request{
		Method:      method,
		URL:         url,
		Header:      header,
		ContentType: jsonContentType,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	header.Set("Authorization", auth)

	respBody, status, err := c.send(ctx, method, url, header, body)
	if err != nil {
		return err
	}

	if status < 200 || status >= 300 {
		apiErr := &APIError{Method: method, URL: url, StatusCode: status}
		var base BaseResponse
		if json.Unmarshal(respBody, &base) == nil && (base.Code != 0 || base.Error != "") {
			apiErr.Code = base.Code
			apiErr.Message = base.Error
		} else {
			apiErr.Message = truncate(string(respBody))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &APIError{
			Method:     method,
			URL:        url,
			StatusCode: status,
			Message:    fmt.Sprintf("malformed response body: %v", err),
		}
	}
	return nil
}

// Fetch downloads an unsigned URL, such as a pre-signed log object link.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	header := http.Header{}
	header.Set("User-Agent", userAgent)

	body, status, err := c.send(ctx, http.MethodGet, url, header, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &APIError{
			Method:     http.MethodGet,
			URL:        url,
			StatusCode: status,
			Message:    truncate(string(body)),
		}
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = header

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s %s: %v", errdefs.ErrTransport, method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s %s: failed to read body: %v", errdefs.ErrTransport, method, url, err)
	}

	c.logger.WithFields(logrus.Fields{
		"method":  method,
		"url":     url,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).String(),
		"bytes":   len(respBody),
	}).Debug("Upstream request")

	return respBody, resp.StatusCode, nil
}

// CheckCode turns a non-200 vendor code into an APIError. A zero code is
// accepted because several endpoints omit it on success.
func CheckCode(method, url string, base BaseResponse) error {
	if base.Code == 0 || base.Code == 200 {
		return nil
	}
	return &APIError{
		Method:     method,
		URL:        url,
		StatusCode: http.StatusOK,
		Code:       base.Code,
		Message:    base.Error,
	}
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
