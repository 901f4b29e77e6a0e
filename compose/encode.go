package compose

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"

	"github.com/chaos-io/cutout/pixel"
)

// Format 导出格式
type Format string

const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
)

const DefaultQuality = 90

func (f Format) MimeType() string {
	switch f {
	case FormatWebP:
		return "image/webp"
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "image/png"
	}
}

func (f Format) Valid() bool {
	switch f {
	case FormatPNG, FormatWebP, FormatJPEG:
		return true
	}
	return false
}

// Encode 编码为指定格式，quality 只对 jpeg 和 webp 生效
func Encode(buf *pixel.Buffer, format Format, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	img := buf.ToNRGBA()
	out := &bytes.Buffer{}

	var err error
	switch format {
	case FormatPNG, "":
		err = png.Encode(out, img)
	case FormatJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
	case FormatWebP:
		err = webp.Encode(out, img, &webp.Options{Quality: float32(quality)})
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return out.Bytes(), nil
}
