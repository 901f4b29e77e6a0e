package mask

import (
	"sort"

	"github.com/chaos-io/cutout/pixel"
)

const (
	colorQuantum     = 8
	nearWhite        = 240
	nearBlack        = 20
	blueMinCount     = 5
	topColorCount    = 15
	topColorMinShare = 0.002

	// ColorTolerance 与重要颜色的单通道容差
	ColorTolerance = 32
	// NeighborTolerance 判断平涂区域时邻居的单通道容差
	NeighborTolerance = 20

	minSimilarNeighbors = 3

	transparentAlpha = 128
	opaqueAlpha      = 100
	darkLuma         = 80
	brightLuma       = 180
	borderMargin     = 2
)

// RGB 量化后的代表色
type RGB struct {
	R, G, B uint8
}

func (c RGB) near(r, g, b uint8, tol int) bool {
	return absDiff(c.R, r) < tol && absDiff(c.G, g) < tol && absDiff(c.B, b) < tol
}

func isBlueDominant(r, g, b int) bool {
	return b > r+20 && b > g+20 && b > 80
}

// ImportantColors 统计原图中的重要颜色：
// 排除近白与近黑，蓝色系的门槛更低，其余取频次最高的 15 个
func ImportantColors(original *pixel.Buffer) []RGB {
	counts := make(map[RGB]int)
	for i := 0; i < len(original.Pix); i += 4 {
		r, g, b := original.Pix[i], original.Pix[i+1], original.Pix[i+2]
		if (r > nearWhite && g > nearWhite && b > nearWhite) || (r < nearBlack && g < nearBlack && b < nearBlack) {
			continue
		}
		key := RGB{R: r / colorQuantum * colorQuantum, G: g / colorQuantum * colorQuantum, B: b / colorQuantum * colorQuantum}
		counts[key]++
	}

	type bucket struct {
		c RGB
		n int
	}
	var (
		picked = make(map[RGB]struct{})
		rest   []bucket
	)
	for c, n := range counts {
		if isBlueDominant(int(c.R), int(c.G), int(c.B)) && n > blueMinCount {
			picked[c] = struct{}{}
			continue
		}
		rest = append(rest, bucket{c: c, n: n})
	}

	sort.Slice(rest, func(i, j int) bool {
		if rest[i].n != rest[j].n {
			return rest[i].n > rest[j].n
		}
		a, b := rest[i].c, rest[j].c
		return uint32(a.R)<<16|uint32(a.G)<<8|uint32(a.B) < uint32(b.R)<<16|uint32(b.G)<<8|uint32(b.B)
	})
	minCount := float64(original.Len()) * topColorMinShare
	for i := 0; i < len(rest) && i < topColorCount; i++ {
		if float64(rest[i].n) > minCount {
			picked[rest[i].c] = struct{}{}
		}
	}

	out := make([]RGB, 0, len(picked))
	for c := range picked {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		return uint32(a.R)<<16|uint32(a.G)<<8|uint32(a.B) < uint32(b.R)<<16|uint32(b.G)<<8|uint32(b.B)
	})
	return out
}

// RestoreGraphics 恢复被抠图模型误删的图形元素
// processed 与 original 尺寸必须一致，返回新的缓冲和恢复的像素数
func RestoreGraphics(processed, original *pixel.Buffer) (*pixel.Buffer, int) {
	out := processed.Clone()
	if processed.Width != original.Width || processed.Height != original.Height {
		return out, 0
	}

	important := ImportantColors(original)
	restored := 0
	w, h := original.Width, original.Height

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			if out.Pix[i+3] >= transparentAlpha || original.Pix[i+3] <= opaqueAlpha {
				continue
			}
			r, g, b := original.Pix[i], original.Pix[i+1], original.Pix[i+2]
			if !matchesAny(important, r, g, b) && !graphicLike(original, x, y) {
				continue
			}
			copy(out.Pix[i:i+4], original.Pix[i:i+4])
			restored++
		}
	}
	return out, restored
}

func matchesAny(colors []RGB, r, g, b uint8) bool {
	for _, c := range colors {
		if c.near(r, g, b, ColorTolerance) {
			return true
		}
	}
	return false
}

// graphicLike 高对比度并且处于平涂区域内，常见于矢量图
func graphicLike(img *pixel.Buffer, x, y int) bool {
	w, h := img.Width, img.Height
	if x < borderMargin || y < borderMargin || x >= w-borderMargin || y >= h-borderMargin {
		return false
	}

	r, g, b, _ := img.At(x, y)
	luma := pixel.Luma(r, g, b)
	if luma >= darkLuma && luma <= brightLuma {
		return false
	}

	similar := 0
	c := RGB{R: r, G: g, B: b}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nr, ng, nb, _ := img.At(x+dx, y+dy)
			if c.near(nr, ng, nb, NeighborTolerance) {
				similar++
			}
		}
	}
	return similar >= minSimilarNeighbors
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
