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
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with the mcphub daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new mcphub API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/servers", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var out []Server
	err := c.do(ctx, http.MethodGet, "/servers", nil, &out)
	return out, err
}

func (c *Client) CreateServer(ctx context.Context, req CreateRequest) (Server, error) {
	c.logger.Debug("Creating server", "id", req.ID, "command", req.Command)
	var out Server
	err := c.do(ctx, http.MethodPost, "/servers", req, &out)
	return out, err
}

func (c *Client) GetServer(ctx context.Context, id string) (Server, error) {
	var out Server
	err := c.do(ctx, http.MethodGet, serverPath(id, ""), nil, &out)
	return out, err
}

func (c *Client) UpdateServer(ctx context.Context, id string, req UpdateRequest) (Server, error) {
	var out Server
	err := c.do(ctx, http.MethodPut, serverPath(id, ""), req, &out)
	return out, err
}

func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, ""), nil, nil)
}

// StartServer returns once the server is active or the launch failed.
func (c *Client) StartServer(ctx context.Context, id string) (Server, error) {
	var out Server
	err := c.do(ctx, http.MethodPost, serverPath(id, "/start"), nil, &out)
	return out, err
}

// StopServer returns once the process has exited.
func (c *Client) StopServer(ctx context.Context, id string) (Server, error) {
	var out Server
	err := c.do(ctx, http.MethodPost, serverPath(id, "/stop"), nil, &out)
	return out, err
}

func (c *Client) RestartServer(ctx context.Context, id string) (Server, error) {
	var out Server
	err := c.do(ctx, http.MethodPost, serverPath(id, "/restart"), nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, serverPath(id, "/status"), nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context, id string) (HealthRecord, error) {
	var out HealthRecord
	err := c.do(ctx, http.MethodGet, serverPath(id, "/health"), nil, &out)
	return out, err
}

// CheckHealth asks the daemon to probe id now.
func (c *Client) CheckHealth(ctx context.Context, id string) (HealthRecord, error) {
	var out HealthRecord
	err := c.do(ctx, http.MethodPost, serverPath(id, "/health/check"), nil, &out)
	return out, err
}

func (c *Client) HealthHistory(ctx context.Context, id string, limit int) ([]HealthRecord, error) {
	p := serverPath(id, "/health/history")
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []HealthRecord
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, id string, q LogQuery) ([]LogEntry, error) {
	var out []LogEntry
	err := c.do(ctx, http.MethodGet, serverPath(id, "/logs")+q.encode(""), nil, &out)
	return out, err
}

// ExportLogs returns the logs of id as plain text.
func (c *Client) ExportLogs(ctx context.Context, id string, q LogQuery) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+serverPath(id, "/logs")+q.encode("text"), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return "", err
	}
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

func (c *Client) ClearLogs(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id, "/logs"), nil, nil)
}

func serverPath(id, suffix string) string {
	return "/servers/" + url.PathEscape(id) + suffix
}

func (q LogQuery) encode(format string) string {
	v := url.Values{}
	if q.Level != "" {
		v.Set("level", q.Level)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if format != "" {
		v.Set("format", format)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs a JSON request and decodes a JSON response into out when non-nil
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
