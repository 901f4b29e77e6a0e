package pixel

import (
	"image"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ClampWithin 缩放（最长边 <= maxSize），maxSize <= 0 时不缩放
func ClampWithin(b *Buffer, maxSize int) *Buffer {
	longest := max(b.Width, b.Height)
	if maxSize <= 0 || longest <= maxSize {
		return b
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(b.Width)*scale))
	newH := max(1, int(float64(b.Height)*scale))

	resized := resize.Resize(uint(newW), uint(newH), b.ToNRGBA(), resize.Lanczos3)
	return FromImage(resized)
}

// Resample 最近邻重采样到指定尺寸，平面色块不会产生新颜色
func Resample(b *Buffer, width, height int) *Buffer {
	if b.Width == width && b.Height == height {
		return b.Clone()
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), b.ToNRGBA(), image.Rect(0, 0, b.Width, b.Height), draw.Src, nil)
	return FromImage(dst)
}

// ResampleGray 重采样单通道浮点数据
func ResampleGray(data []float32, srcW, srcH, dstW, dstH int) []float32 {
	if srcW == dstW && srcH == dstH {
		out := make([]float32, len(data))
		copy(out, data)
		return out
	}
	src := image.NewGray16(image.Rect(0, 0, srcW, srcH))
	for i, v := range data {
		u := uint16(clamp01(v)*65535 + 0.5)
		src.Pix[i*2] = uint8(u >> 8)
		src.Pix[i*2+1] = uint8(u)
	}
	dst := image.NewGray16(image.Rect(0, 0, dstW, dstH))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, dstW*dstH)
	for i := range out {
		u := uint16(dst.Pix[i*2])<<8 | uint16(dst.Pix[i*2+1])
		out[i] = float32(u) / 65535
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
