package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	nhttp "github.com/chaos-io/cutout/util/http"
)

var ErrEmptyImage = errors.New("empty image data")

// DecodeImage 解码 png/jpeg/gif/webp/bmp
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// DownloadImage 下载图片
func DownloadImage(ctx context.Context, cli nhttp.IClient, url string) (image.Image, error) {
	data, err := cli.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	img, _, err := DecodeImage(data)
	return img, err
}

// OpenImage 打开本地图片
func OpenImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	img, _, err := DecodeImage(data)
	return img, err
}

// LoadImage 按前缀选择下载或读取本地文件
func LoadImage(ctx context.Context, cli nhttp.IClient, path string) (image.Image, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return DownloadImage(ctx, cli, path)
	}
	return OpenImage(path)
}

// SaveFile 写入文件，目录不存在时创建
func SaveFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
