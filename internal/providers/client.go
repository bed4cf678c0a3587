package providers

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Davincible/modelbridge/internal/config"
)

// client is the shared HTTP layer under every provider: auth header
// injection, status classification, and response decompression.
type client struct {
	cfg    config.Provider
	http   *http.Client
	logger *slog.Logger
}

func newClient(cfg config.Provider, logger *slog.Logger) *client {
	return &client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
}

func (c *client) apiKey() string {
	return config.APIKeyFor(c.cfg)
}

// url joins the provider base URL with a path, tolerating trailing slashes.
func (c *client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// getJSON fetches and fully reads a JSON endpoint (model discovery).
func (c *client) getJSON(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := c.readAll(resp)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// postStream issues the chat request and hands back the (decompressed)
// response body for incremental consumption. The caller owns the closer.
func (c *client) postStream(ctx context.Context, url string, headers map[string]string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := c.readAll(resp)
		resp.Body.Close()

		if err := classifyStatus(resp.StatusCode, errBody); err != nil {
			return nil, err
		}
	}

	reader, err := c.decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, &TransportError{Err: err}
	}

	return &streamBody{Reader: reader, underlying: resp.Body}, nil
}

func (c *client) readAll(resp *http.Response) ([]byte, error) {
	reader, err := c.decompressReader(resp)
	if err != nil {
		return nil, err
	}

	return io.ReadAll(reader)
}

func (c *client) decompressReader(resp *http.Response) (io.Reader, error) {
	var bodyReader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}

		bodyReader = gzipReader
	case "br":
		bodyReader = brotli.NewReader(resp.Body)
	}

	return bodyReader, nil
}

// streamBody closes the underlying connection regardless of any
// decompression wrapper in front of it.
type streamBody struct {
	io.Reader
	underlying io.ReadCloser
}

func (s *streamBody) Close() error {
	return s.underlying.Close()
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Body: strings.TrimSpace(string(body))}
	default:
		return &TransportError{Err: fmt.Errorf("upstream status %d: %s", status, strings.TrimSpace(string(body)))}
	}
}
