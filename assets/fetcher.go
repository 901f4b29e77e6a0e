package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	nhttp "github.com/chaos-io/cutout/util/http"
)

// ErrAssetUnavailable 回源失败：HTTP 非 2xx、网络错误、超过大小上限或本地文件不存在
var ErrAssetUnavailable = errors.New("asset unavailable")

// Fetcher 缓存优先的资源获取：命中缓存直接返回，否则回源并写入缓存
// http(s) 开头的 key 走 HTTP 回源，其余 key 从本地 fs 读取
type Fetcher struct {
	cache Cache
	cli   nhttp.IClient
	local fs.FS
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(cli nhttp.IClient) FetcherOption {
	return func(f *Fetcher) { f.cli = cli }
}

// WithLocalFS 非 URL key 的回源文件系统，通常是内嵌的模型描述
func WithLocalFS(fsys fs.FS) FetcherOption {
	return func(f *Fetcher) { f.local = fsys }
}

func NewFetcher(cache Cache, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		cache: cache,
		cli:   nhttp.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) Cache() Cache {
	return f.cache
}

// Fetch 获取 key 对应的字节
func (f *Fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		// 缓存故障不影响回源
		slog.Warn("asset cache get failed", "key", key, "error", err)
	}
	if ok {
		slog.Debug("asset cache hit", "key", key)
		return data, nil
	}

	data, err = f.origin(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := f.cache.Put(ctx, key, data); err != nil {
		slog.Warn("asset cache put failed", "key", key, "error", err)
	}
	return data, nil
}

func (f *Fetcher) origin(ctx context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		data, err := f.cli.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrAssetUnavailable, key, err)
		}
		return data, nil
	}

	if f.local == nil {
		return nil, fmt.Errorf("%w: %s: no local source", ErrAssetUnavailable, key)
	}
	data, err := fs.ReadFile(f.local, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAssetUnavailable, key, err)
	}
	return data, nil
}
