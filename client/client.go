// Package client is a Go client for a simbridge server.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  *url.URL
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	wsHTTPClient             *http.Client

	waitInterval time.Duration
}

type Option func(c *Client)

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("simbridge_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithRootCA trusts the given PEM-encoded certificate, e.g. a server's self-signed one.
func WithRootCA(certPEM []byte) Option {
	return func(c *Client) {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(certPEM)
		c.tlsClientConfig = &tls.Config{RootCAs: pool}
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the server at baseURL, e.g. "http://localhost:8766".
func New(log *zap.SugaredLogger, baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q, expected http or https", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		Logger:       log.Named("simbridge_client"),
		baseURL:      u,
		waitInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		TLSClientConfig: c.tlsClientConfig,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	// WebSocket upgrades are not retried.
	c.wsHTTPClient = &http.Client{Transport: transport}

	return c, nil
}

func (c *Client) url(path string) string {
	u := *c.baseURL
	u.Path += path
	return u.String()
}

// Health is the body of the server's health check.
type Health struct {
	Sessions int
	IDs      []string
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/healthz"), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}

	var health Health
	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &health, nil
}

// WaitForServer polls the health check until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}
