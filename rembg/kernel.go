package rembg

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/cutout/analyzer"
)

type kernel func(ctx context.Context, m Model, input Tensor, w, h, threads int) (Tensor, error)

var kernels = map[string]kernel{
	"color-distance": colorDistance(false),
	"portrait":       colorDistance(true),
}

const rowsPerTask = 32

// colorDistance 估计边框背景色，按到背景色的欧氏距离生成 alpha
// skinPrior 为真时肤色像素直接视为前景
func colorDistance(skinPrior bool) kernel {
	return func(ctx context.Context, m Model, input Tensor, w, h, threads int) (Tensor, error) {
		plane := w * h
		rgb := func(i int) (float64, float64, float64) {
			return denorm(input.Data[i]), denorm(input.Data[plane+i]), denorm(input.Data[2*plane+i])
		}
		br, bg, bb := estimateBackground(rgb, w, h, m.Border)

		out := make([]float32, plane)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(1, threads))
		for y0 := 0; y0 < h; y0 += rowsPerTask {
			y1 := min(h, y0+rowsPerTask)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				for i := y0 * w; i < y1*w; i++ {
					r, gg, b := rgb(i)
					d := math.Sqrt((r-br)*(r-br) + (gg-bg)*(gg-bg) + (b-bb)*(b-bb))
					a := (d - m.Low) / (m.High - m.Low)
					if skinPrior && analyzer.IsSkinTone(uint8(r), uint8(gg), uint8(b)) {
						a = 1
					}
					out[i] = float32(math.Max(0, math.Min(1, a)))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Tensor{}, err
		}
		return Tensor{Shape: []int{1, 1, h, w}, Data: out}, nil
	}
}

// estimateBackground 统计边框像素的 16 级色桶，取最多的桶的均值
func estimateBackground(rgb func(int) (float64, float64, float64), w, h int, share float64) (float64, float64, float64) {
	bw := max(1, int(share*float64(min(w, h))))
	type acc struct {
		n       int
		r, g, b float64
	}
	buckets := make(map[int]*acc)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x >= bw && x < w-bw && y >= bw && y < h-bw {
				continue
			}
			r, g, b := rgb(y*w + x)
			key := int(r)>>4<<8 | int(g)>>4<<4 | int(b)>>4
			a := buckets[key]
			if a == nil {
				a = &acc{}
				buckets[key] = a
			}
			a.n++
			a.r += r
			a.g += g
			a.b += b
		}
	}

	bestKey, best := -1, (*acc)(nil)
	for k, a := range buckets {
		if best == nil || a.n > best.n || (a.n == best.n && k < bestKey) {
			bestKey, best = k, a
		}
	}
	if best == nil {
		return 255, 255, 255
	}
	n := float64(best.n)
	return best.r / n, best.g / n, best.b / n
}

// denorm [-1,1] 还原到 [0,255]
func denorm(v float32) float64 {
	return math.Max(0, math.Min(255, (float64(v)+1)/2*255))
}
