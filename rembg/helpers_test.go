package rembg

import (
	"context"
	"sync"
	"testing"

	"github.com/chaos-io/cutout/assets"
	"github.com/chaos-io/cutout/pixel"
)

func boolPtr(v bool) *bool { return &v }

// cpuOnly 关闭 GPU 探测，结果与运行环境无关
var cpuOnly = ProbeConfig{GPUCompute: boolPtr(false), GPURaster: boolPtr(false)}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	cache := assets.NewMemoryCache()
	probe := NewProbe(cpuOnly, cache)
	return Deps{
		Runtime: NewNativeRuntime(probe),
		Models:  NewModelStore(assets.NewFetcher(cache, assets.WithLocalFS(BuiltinModels())), ""),
		Probe:   probe,
	}
}

// square w×h 的 bg 底色上居中放一个边长为一半的 fg 方块
func square(w, h int, bg, fg [3]uint8) *pixel.Buffer {
	buf := pixel.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bg
			if x >= w/4 && x < w*3/4 && y >= h/4 && y < h*3/4 {
				c = fg
			}
			buf.Set(x, y, c[0], c[1], c[2], 255)
		}
	}
	return buf
}

var (
	white = [3]uint8{255, 255, 255}
	gray  = [3]uint8{128, 128, 128}
	blue  = [3]uint8{0, 0, 255}
)

// fakeSession 可编排失败的推理会话
type fakeSession struct {
	backend Backend
	run     func(ctx context.Context, input Tensor) (Tensor, error)

	mu       sync.Mutex
	released bool
}

func (s *fakeSession) Backend() Backend { return s.backend }

func (s *fakeSession) Run(ctx context.Context, input Tensor) (Tensor, error) {
	return s.run(ctx, input)
}

func (s *fakeSession) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

// fakeRuntime 只接受 accept 中的后端
type fakeRuntime struct {
	accept map[Backend]bool
	run    func(ctx context.Context, input Tensor) (Tensor, error)

	mu    sync.Mutex
	tried []Backend
}

func (rt *fakeRuntime) NewSession(_ context.Context, _ *Model, b Backend) (Session, error) {
	rt.mu.Lock()
	rt.tried = append(rt.tried, b)
	rt.mu.Unlock()
	if !rt.accept[b] {
		return nil, ErrBackendRejected
	}
	return &fakeSession{backend: b, run: rt.run}, nil
}

// opaqueMask 全前景输出
func opaqueMask(_ context.Context, input Tensor) (Tensor, error) {
	h, w := input.Shape[2], input.Shape[3]
	data := make([]float32, w*h)
	for i := range data {
		data[i] = 1
	}
	return Tensor{Shape: []int{1, 1, h, w}, Data: data}, nil
}
