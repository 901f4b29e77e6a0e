package pixel

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
)

// MaxSide 单边像素上限，MaxSide²×4 在 32 位 int 下也不会溢出
const MaxSide = 1 << 14

var (
	ErrEmpty     = errors.New("pixel buffer is empty")
	ErrMalformed = errors.New("pixel buffer is malformed")
)

// Buffer 非预乘的 RGBA8 像素缓冲，行优先，每像素 4 字节
type Buffer struct {
	Width  int    `msgpack:"width" json:"width"`
	Height int    `msgpack:"height" json:"height"`
	Pix    []byte `msgpack:"pix" json:"pix"`
}

func New(width, height int) *Buffer {
	return &Buffer{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}
}

// Validate 校验尺寸与像素长度是否一致
func (b *Buffer) Validate() error {
	if b == nil || b.Width <= 0 || b.Height <= 0 {
		return ErrEmpty
	}
	if b.Width > MaxSide || b.Height > MaxSide || b.Width > math.MaxInt/4/b.Height {
		return fmt.Errorf("%w: %dx%d exceeds %d px per side", ErrMalformed, b.Width, b.Height, MaxSide)
	}
	if len(b.Pix) != b.Width*b.Height*4 {
		return fmt.Errorf("%w: %dx%d needs %d bytes, got %d", ErrMalformed, b.Width, b.Height, b.Width*b.Height*4, len(b.Pix))
	}
	return nil
}

func (b *Buffer) Len() int {
	return b.Width * b.Height
}

// At 返回 (x, y) 处的 RGBA
func (b *Buffer) At(x, y int) (r, g, bl, a uint8) {
	i := (y*b.Width + x) * 4
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3]
}

func (b *Buffer) Set(x, y int, r, g, bl, a uint8) {
	i := (y*b.Width + x) * 4
	b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3] = r, g, bl, a
}

func (b *Buffer) Clone() *Buffer {
	pix := make([]byte, len(b.Pix))
	copy(pix, b.Pix)
	return &Buffer{Width: b.Width, Height: b.Height, Pix: pix}
}

// HasUsefulAlpha 检查 alpha 通道是否真的包含透明信息
func (b *Buffer) HasUsefulAlpha() bool {
	for i := 3; i < len(b.Pix); i += 4 {
		if b.Pix[i] != 255 {
			return true
		}
	}
	return false
}

// ToNRGBA 拷贝为 image.NRGBA，调用方可以随意修改结果
func (b *Buffer) ToNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	copy(img.Pix, b.Pix)
	return img
}

// FromImage 把任意图片转换为像素缓冲
func FromImage(img image.Image) *Buffer {
	src := ToNRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	buf := New(w, h)
	for y := 0; y < h; y++ {
		copy(buf.Pix[y*w*4:(y+1)*w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
	}
	return buf
}

// ToNRGBA 转为 NRGBA，方便统一处理
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Premultiply 预乘 Alpha，RGB × alpha
func (b *Buffer) Premultiply() {
	for i := 0; i < len(b.Pix); i += 4 {
		a := float64(b.Pix[i+3]) / 255.0
		b.Pix[i] = uint8(float64(b.Pix[i]) * a)
		b.Pix[i+1] = uint8(float64(b.Pix[i+1]) * a)
		b.Pix[i+2] = uint8(float64(b.Pix[i+2]) * a)
	}
}

// Luma 按 0.299R + 0.587G + 0.114B 计算亮度
func Luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}
