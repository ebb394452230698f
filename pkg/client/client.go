// Package client talks to a running tether daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// DefaultBaseURL matches the daemon's default api.listen and api.base_path.
const DefaultBaseURL = "http://127.0.0.1:8780/api"

// Client provides HTTP client functionality to communicate with the tether daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// CACert verifies a daemon served behind a TLS terminating proxy.
	CACert   string
	Insecure bool // Skip TLS verification
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is the daemon's answer for an unknown app.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new tether API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	var ae *APIError
	if err != nil && !errors.As(err, &ae) {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	// an errored app answers 503 but the daemon is up
	return err == nil || ae.StatusCode != http.StatusNotFound
}

// Health returns the daemon's health summary.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, c.endpoint("/healthz", nil), nil, &h)
	return h, err
}

// Start starts a registered app.
func (c *Client) Start(ctx context.Context, name string) (ProcessStatus, error) {
	c.logger.Debug("Starting process", "name", name)
	var st ProcessStatus
	err := c.do(ctx, http.MethodPost, c.endpoint("/start", url.Values{"name": {name}}), nil, &st)
	return st, err
}

// Register registers spec with the daemon and starts it.
func (c *Client) Register(ctx context.Context, spec StartRequest) (ProcessStatus, error) {
	c.logger.Debug("Registering process", "name", spec.Name, "script", spec.Script)
	data, err := json.Marshal(spec)
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("marshal request: %w", err)
	}
	var st ProcessStatus
	err = c.do(ctx, http.MethodPost, c.endpoint("/start", nil), data, &st)
	return st, err
}

// Stop stops an app. A zero wait uses the app's kill_timeout.
func (c *Client) Stop(ctx context.Context, req StopRequest) error {
	c.logger.Debug("Stopping process", "name", req.Name, "wait", req.Wait)
	q := url.Values{"name": {req.Name}}
	if req.Wait > 0 {
		q.Set("wait", req.Wait.String())
	}
	return c.do(ctx, http.MethodPost, c.endpoint("/stop", q), nil, nil)
}

// Restart restarts an app.
func (c *Client) Restart(ctx context.Context, name string) (ProcessStatus, error) {
	var st ProcessStatus
	err := c.do(ctx, http.MethodPost, c.endpoint("/restart", url.Values{"name": {name}}), nil, &st)
	return st, err
}

// Status returns the status of one app.
func (c *Client) Status(ctx context.Context, name string) (ProcessStatus, error) {
	var st ProcessStatus
	err := c.do(ctx, http.MethodGet, c.endpoint("/status", url.Values{"name": {name}}), nil, &st)
	return st, err
}

// StatusAll returns the status of every app ordered by name.
func (c *Client) StatusAll(ctx context.Context) ([]ProcessStatus, error) {
	var sts []ProcessStatus
	err := c.do(ctx, http.MethodGet, c.endpoint("/status", nil), nil, &sts)
	return sts, err
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- opt-in
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// do performs the request and decodes a 200 answer into out when non-nil.
func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", target)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp, out)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns an error body into *APIError. The healthz
// endpoint answers 503 with a regular body, which is still decoded into out.
func (c *Client) handleErrorResponse(resp *http.Response, out any) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var er ErrorResponse
	if err := json.Unmarshal(b, &er); err != nil || er.Error == "" {
		if out != nil {
			_ = json.Unmarshal(b, out)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
