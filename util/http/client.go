package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const errorBodyLimit = 256

type HTTPClient struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewHTTPClient(opts ...Option) IClient {
	c := &HTTPClient{
		client:    &http.Client{Timeout: DefaultTimeout},
		userAgent: DefaultUserAgent,
		maxBytes:  DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 下载资源，响应体超过上限时返回 ErrTooLarge
func (c *HTTPClient) Get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &StatusError{URI: uri, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var r io.Reader = resp.Body
	if c.maxBytes > 0 {
		if resp.ContentLength > c.maxBytes {
			return nil, fmt.Errorf("GET %s: %w: content length %d, limit %d", uri, ErrTooLarge, resp.ContentLength, c.maxBytes)
		}
		r = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("GET %s: %w: limit %d", uri, ErrTooLarge, c.maxBytes)
	}

	slog.Debug("http get done", "uri", uri, "status", resp.StatusCode, "bytes", len(data))
	return data, nil
}
