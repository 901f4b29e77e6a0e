package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	dataExt = ".bin"
	keyExt  = ".key"
)

// FilesystemCache 把资源存在本地目录，文件名为 key 的 sha256
// 同名 .key 文件记录原始 key，用于 Keys
type FilesystemCache struct {
	baseDir string
}

func NewFilesystemCache(baseDir string) (*FilesystemCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FilesystemCache{baseDir: baseDir}, nil
}

func (fs *FilesystemCache) path(key, ext string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(key))
	path := filepath.Join(fs.baseDir, hex.EncodeToString(sum[:])+ext)

	// Security: prevent directory traversal
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(fs.baseDir)) {
		return "", fmt.Errorf("%w: path traversal detected", ErrInvalidKey)
	}
	return path, nil
}

func (fs *FilesystemCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	path, err := fs.path(key, dataExt)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read asset: %w", err)
	}
	return data, true, nil
}

func (fs *FilesystemCache) Put(_ context.Context, key string, data []byte) error {
	path, err := fs.path(key, dataExt)
	if err != nil {
		return err
	}

	// 先写临时文件再 rename，避免读到半截数据
	tmp, err := os.CreateTemp(fs.baseDir, "asset-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store asset: %w", err)
	}

	keyPath, _ := fs.path(key, keyExt)
	if err := os.WriteFile(keyPath, []byte(key), 0644); err != nil {
		return fmt.Errorf("failed to write asset key: %w", err)
	}
	return nil
}

func (fs *FilesystemCache) Delete(_ context.Context, key string) error {
	for _, ext := range []string{dataExt, keyExt} {
		path, err := fs.path(key, ext)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete asset: %w", err)
		}
	}
	return nil
}

func (fs *FilesystemCache) Keys(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(fs.baseDir, "*"+keyExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		keys = append(keys, string(data))
	}
	sort.Strings(keys)
	return keys, nil
}

func (fs *FilesystemCache) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := fs.Keys(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, key := range keys {
		path, err := fs.path(key, dataExt)
		if err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := fs.Delete(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
