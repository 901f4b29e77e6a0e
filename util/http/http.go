package http

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "cutout/1.0"
	// DefaultMaxBytes 单次下载上限，足够容纳模型描述和常见图片
	DefaultMaxBytes = 64 << 20
)

var ErrTooLarge = errors.New("response body exceeds limit")

// IClient 资源下载客户端
type IClient interface {
	// Get 返回 uri 的完整响应体，非 2xx 时返回 *StatusError
	Get(ctx context.Context, uri string) ([]byte, error)
}

// StatusError 非 2xx 响应，Body 最多保留前 256 字节
type StatusError struct {
	URI        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URI, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URI, e.StatusCode, e.Body)
}

type Option func(*HTTPClient)

// WithTimeout 整个请求（含读取响应体）的超时
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(c *HTTPClient) { c.userAgent = ua }
}

// WithMaxBytes n <= 0 表示不限制
func WithMaxBytes(n int64) Option {
	return func(c *HTTPClient) { c.maxBytes = n }
}
