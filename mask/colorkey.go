package mask

import (
	"github.com/chaos-io/cutout/pixel"
)

// ColorKey 手动取色去背：与 key 的 RGB 欧氏距离 <= tolerance 的像素设为全透明
func ColorKey(src *pixel.Buffer, key RGB, tolerance float64) (*pixel.Buffer, int) {
	out := src.Clone()
	limit := tolerance * tolerance
	cleared := 0

	for i := 0; i < len(out.Pix); i += 4 {
		dr := float64(out.Pix[i]) - float64(key.R)
		dg := float64(out.Pix[i+1]) - float64(key.G)
		db := float64(out.Pix[i+2]) - float64(key.B)
		if dr*dr+dg*dg+db*db <= limit {
			out.Pix[i+3] = 0
			cleared++
		}
	}
	return out, cleared
}
