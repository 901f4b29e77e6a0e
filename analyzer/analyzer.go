package analyzer

import (
	"errors"
	"math"
	"sort"

	"github.com/chaos-io/cutout/pixel"
)

// Thresholds 分类所用的全部阈值
type Thresholds struct {
	// BucketDivisor 每个通道的量化除数
	BucketDivisor int
	// LimitedColorDivisor 唯一色桶数 < 像素数/LimitedColorDivisor 时判定为少色
	LimitedColorDivisor int
	// UniformTopBuckets 计算 uniformRegions 取的头部色桶数
	UniformTopBuckets int
	// SkinRatioMin 肤色像素占比下限
	SkinRatioMin float64
	// SkinRegionShare 计为独立肤色区域所需的最小像素占比
	SkinRegionShare float64

	// EdgeMagnitude Sobel 梯度幅值大于该值视为锐利边缘
	EdgeMagnitude float64
	// AxisTolerance 梯度角距坐标轴小于该弧度视为几何边缘
	AxisTolerance float64
	// ModerateEdgeDensity, ComplexEdgeDensity 复杂度分级
	ModerateEdgeDensity float64
	ComplexEdgeDensity  float64

	BlockSize         int
	TextRange         float64
	TextTransition    float64
	TextTransitionMin int
	// TextDensity 文字块数 > 像素数/TextDensity 时判定包含文字
	TextDensity int

	SymmetryStride    int
	SymmetryTolerance float64
	SymmetryScore     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		BucketDivisor:       32,
		LimitedColorDivisor: 50,
		UniformTopBuckets:   5,
		SkinRatioMin:        0.05,
		SkinRegionShare:     0.005,
		EdgeMagnitude:       100,
		AxisTolerance:       0.1,
		ModerateEdgeDensity: 0.1,
		ComplexEdgeDensity:  0.3,
		BlockSize:           10,
		TextRange:           100,
		TextTransition:      50,
		TextTransitionMin:   30,
		TextDensity:         10000,
		SymmetryStride:      10,
		SymmetryTolerance:   30,
		SymmetryScore:       0.7,
	}
}

var ErrInvalidBuffer = errors.New("analyzer: invalid pixel buffer")

type Analyzer struct {
	th Thresholds
}

func New(th Thresholds) *Analyzer {
	return &Analyzer{th: th}
}

// Analyze 使用默认阈值分析
func Analyze(buf *pixel.Buffer) (*Analysis, error) {
	return New(DefaultThresholds()).Analyze(buf)
}

// Analyze 对像素缓冲做内容分类，不修改输入
func (a *Analyzer) Analyze(buf *pixel.Buffer) (*Analysis, error) {
	if err := buf.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidBuffer, err)
	}

	luma := lumaPlane(buf)
	signals := Signals{
		Color:   a.colors(buf),
		Edge:    a.edges(luma, buf.Width, buf.Height),
		Pattern: a.patterns(luma, buf.Width, buf.Height),
	}
	return a.decide(signals), nil
}

func lumaPlane(buf *pixel.Buffer) []float64 {
	out := make([]float64, buf.Len())
	for i := range out {
		p := buf.Pix[i*4 : i*4+3]
		out[i] = pixel.Luma(p[0], p[1], p[2])
	}
	return out
}

// isWarmSkin 中间调暖色肤色
func isWarmSkin(r, g, b int) bool {
	return r > 95 && g > 40 && b > 20 && r > g && r > b && r-g > 15 && r-b > 15
}

// isPaleSkin 高光处的浅色肤色
func isPaleSkin(r, g, b int) bool {
	return r > 220 && g > 210 && b > 170 && abs(r-g) <= 15 && r >= b && g >= b
}

func IsSkinTone(r, g, b uint8) bool {
	ri, gi, bi := int(r), int(g), int(b)
	return isWarmSkin(ri, gi, bi) || isPaleSkin(ri, gi, bi)
}

func (a *Analyzer) colors(buf *pixel.Buffer) ColorStats {
	n := buf.Len()
	div := max(1, a.th.BucketDivisor)
	histogram := make(map[int]int)
	skin := make([]bool, n)
	skinCount := 0

	for i := 0; i < n; i++ {
		r, g, b := int(buf.Pix[i*4]), int(buf.Pix[i*4+1]), int(buf.Pix[i*4+2])
		key := (r/div)<<16 | (g/div)<<8 | b/div
		histogram[key]++
		if IsSkinTone(uint8(r), uint8(g), uint8(b)) {
			skin[i] = true
			skinCount++
		}
	}

	counts := make([]int, 0, len(histogram))
	for _, c := range histogram {
		counts = append(counts, c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(counts)))
	top := 0
	for i := 0; i < len(counts) && i < a.th.UniformTopBuckets; i++ {
		top += counts[i]
	}

	divisor := max(1, a.th.LimitedColorDivisor)
	skinRatio := float64(skinCount) / float64(n)
	regions := skinRegions(skin, buf.Width, buf.Height, int(math.Ceil(a.th.SkinRegionShare*float64(n))))

	return ColorStats{
		UniqueBuckets:    len(histogram),
		LimitedColors:    float64(len(histogram)) < float64(n)/float64(divisor),
		UniformRegions:   float64(top) / float64(n),
		SkinRatio:        skinRatio,
		HasSkinTones:     skinRatio > a.th.SkinRatioMin,
		SkinConfidence:   math.Min(1, skinRatio*10),
		SkinRegions:      regions,
		MultipleSkinArea: regions >= 2,
	}
}

// skinRegions 统计面积不小于 minArea 的 4 连通肤色区域数
func skinRegions(skin []bool, w, h, minArea int) int {
	seen := make([]bool, len(skin))
	stack := make([]int, 0, 64)
	regions := 0

	for start := range skin {
		if !skin[start] || seen[start] {
			continue
		}
		area := 0
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++
			x, y := i%w, i/w
			for _, j := range [4]int{i - 1, i + 1, i - w, i + w} {
				switch {
				case j < 0 || j >= len(skin):
					continue
				case (j == i-1 && x == 0) || (j == i+1 && x == w-1):
					continue
				case (j == i-w && y == 0) || (j == i+w && y == h-1):
					continue
				}
				if skin[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		if area >= max(1, minArea) {
			regions++
		}
	}
	return regions
}

func (a *Analyzer) edges(luma []float64, w, h int) EdgeStats {
	n := float64(w * h)
	var sharp, geometric, organic int
	at := func(x, y int) float64 { return luma[y*w+x] }

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1)
			gy := at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1)

			if math.Hypot(gx, gy) <= a.th.EdgeMagnitude {
				continue
			}
			sharp++
			if nearAxis(math.Atan2(gy, gx), a.th.AxisTolerance) {
				geometric++
			} else {
				organic++
			}
		}
	}

	density := float64(sharp) / n
	complexity := ComplexitySimple
	switch {
	case density > a.th.ComplexEdgeDensity:
		complexity = ComplexityComplex
	case density > a.th.ModerateEdgeDensity:
		complexity = ComplexityModerate
	}

	return EdgeStats{
		SharpRatio:     density,
		GeometricRatio: float64(geometric) / n,
		OrganicRatio:   float64(organic) / n,
		Complexity:     complexity,
	}
}

// nearAxis 角度是否落在 0、±π/2、±π 附近
func nearAxis(angle, tol float64) bool {
	a := math.Abs(angle)
	return a < tol || math.Abs(a-math.Pi/2) < tol || math.Abs(a-math.Pi) < tol
}

func (a *Analyzer) patterns(luma []float64, w, h int) PatternStats {
	stats := PatternStats{}
	bs := max(2, a.th.BlockSize)

	for by := 0; by < h-bs; by += bs {
		for bx := 0; bx < w-bs; bx += bs {
			lo, hi := math.Inf(1), math.Inf(-1)
			// 跳变不统计块的首行和首列
			transitions := 0
			for y := by; y < by+bs; y++ {
				prev := luma[y*w+bx]
				for x := bx; x < bx+bs; x++ {
					v := luma[y*w+x]
					lo, hi = math.Min(lo, v), math.Max(hi, v)
					if x > bx && y > by && math.Abs(v-prev) > a.th.TextTransition {
						transitions++
					}
					prev = v
				}
			}
			if hi-lo > a.th.TextRange && transitions > a.th.TextTransitionMin {
				stats.TextBlocks++
			}
		}
	}
	stats.HasText = float64(stats.TextBlocks) > float64(w*h)/float64(max(1, a.th.TextDensity))

	stride := max(1, a.th.SymmetryStride)
	centerX := w / 2
	symmetric, samples := 0, 0
	for y := 0; y < h; y += stride {
		for x := 0; x < centerX; x += stride {
			samples++
			if math.Abs(luma[y*w+x]-luma[y*w+(w-1-x)]) < a.th.SymmetryTolerance {
				symmetric++
			}
		}
	}
	if samples > 0 {
		stats.SymmetryScore = float64(symmetric) / float64(samples)
	}
	stats.IsSymmetric = stats.SymmetryScore > a.th.SymmetryScore

	return stats
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
