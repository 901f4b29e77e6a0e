package mask

import (
	"github.com/chaos-io/cutout/pixel"
)

const (
	// LowCutoff 低于该值的样本视为背景噪声（约 10/255）
	LowCutoff = 0.039
	// HighCutoff 高于该值的样本视为完全前景（约 245/255）
	HighCutoff = 0.96
)

// Sample 原始 mask 的样本类型，8 位样本按 /255 归一化，浮点样本原样使用
type Sample interface {
	uint8 | float32
}

func normalize[T Sample](raw []T) []float32 {
	out := make([]float32, len(raw))
	switch v := any(raw).(type) {
	case []uint8:
		for i, s := range v {
			out[i] = float32(s) / 255
		}
	case []float32:
		copy(out, v)
	}
	return out
}

// Smooth 3×3 均值平滑
func Smooth[T Sample](raw []T, width, height int) []float32 {
	return SmoothRadius(raw, width, height, 1)
}

// SmoothRadius (2r+1)×(2r+1) 均值平滑，越界邻居既不计入和也不计入个数
// r == 0 时只做归一化
func SmoothRadius[T Sample](raw []T, width, height, r int) []float32 {
	src := normalize(raw)
	if r <= 0 || width <= 0 || height <= 0 || len(src) != width*height {
		return src
	}

	out := make([]float32, len(src))
	for y := 0; y < height; y++ {
		y0, y1 := max(0, y-r), min(height-1, y+r)
		for x := 0; x < width; x++ {
			x0, x1 := max(0, x-r), min(width-1, x+r)
			var sum float32
			for yy := y0; yy <= y1; yy++ {
				row := src[yy*width:]
				for xx := x0; xx <= x1; xx++ {
					sum += row[xx]
				}
			}
			out[y*width+x] = sum / float32((y1-y0+1)*(x1-x0+1))
		}
	}
	return out
}

// Threshold 就地截断：低于 LowCutoff 置 0，高于 HighCutoff 置 1，中间保持
func Threshold(m []float32) []float32 {
	for i, v := range m {
		switch {
		case v < LowCutoff:
			m[i] = 0
		case v > HighCutoff:
			m[i] = 1
		}
	}
	return m
}

// Refine 平滑 + 截断
func Refine[T Sample](raw []T, width, height int) []float32 {
	return Threshold(Smooth(raw, width, height))
}

// ApplyAlpha 把 mask 写入 alpha 通道，与原 alpha 相乘，返回新缓冲
func ApplyAlpha(src *pixel.Buffer, m []float32) *pixel.Buffer {
	out := src.Clone()
	for i, v := range m {
		if i >= src.Len() {
			break
		}
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		a := float32(out.Pix[i*4+3]) * v
		out.Pix[i*4+3] = uint8(a + 0.5)
	}
	return out
}

// ToBytes 把 [0,1] mask 量化为 8 位
func ToBytes(m []float32) []byte {
	out := make([]byte, len(m))
	for i, v := range m {
		switch {
		case v <= 0:
			out[i] = 0
		case v >= 1:
			out[i] = 255
		default:
			out[i] = uint8(v*255 + 0.5)
		}
	}
	return out
}
