package rembg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
)

var (
	ErrBackendRejected = errors.New("backend rejected")
	ErrSessionReleased = errors.New("session released")
	ErrTensorShape     = errors.New("unexpected tensor shape")
)

// Tensor NCHW 布局的 float32 张量
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t Tensor) Bytes() uint64 {
	return uint64(len(t.Data)) * 4
}

// Session 一个模型在某个后端上的推理会话，不可重入
type Session interface {
	Backend() Backend
	Run(ctx context.Context, input Tensor) (Tensor, error)
	Release() error
}

// Runtime 推理运行时，后端不可用时返回 ErrBackendRejected
type Runtime interface {
	NewSession(ctx context.Context, model *Model, backend Backend) (Session, error)
}

// BackendOrder 按加速偏好给出后端尝试顺序
func BackendOrder(acc Acceleration) []Backend {
	switch acc {
	case AccelerationGPURaster:
		return []Backend{BackendGPURaster, BackendCPU}
	case AccelerationCPU:
		return []Backend{BackendCPU}
	default:
		return []Backend{BackendGPUCompute, BackendGPURaster, BackendCPU}
	}
}

// Negotiate 依次尝试后端，返回第一个被运行时接受的会话
func Negotiate(ctx context.Context, rt Runtime, model *Model, acc Acceleration, engine string) (Session, error) {
	order := BackendOrder(acc)
	for _, b := range order {
		if err := ctx.Err(); err != nil {
			return nil, NewCancelledError(err)
		}
		s, err := rt.NewSession(ctx, model, b)
		if err == nil {
			slog.Debug("backend accepted", "engine", engine, "model", model.ID, "backend", b)
			return s, nil
		}
		slog.Debug("backend rejected", "engine", engine, "model", model.ID, "backend", b, "error", err)
	}
	return nil, NewUnsupportedBackendError(engine, order)
}

// NativeRuntime 纯 Go 内核的运行时，后端可用性由 Probe 决定
type NativeRuntime struct {
	probe   *Probe
	threads int
}

func NewNativeRuntime(probe *Probe) *NativeRuntime {
	return &NativeRuntime{probe: probe, threads: runtime.NumCPU()}
}

func (rt *NativeRuntime) NewSession(_ context.Context, model *Model, backend Backend) (Session, error) {
	if !rt.probe.Available(backend) {
		return nil, fmt.Errorf("%w: %s unavailable", ErrBackendRejected, backend)
	}
	k, ok := kernels[model.Kernel]
	if !ok {
		return nil, fmt.Errorf("%w: kernel %q not supported", ErrBackendRejected, model.Kernel)
	}
	return &nativeSession{model: *model, backend: backend, kernel: k, threads: rt.threads}, nil
}

type nativeSession struct {
	model    Model
	backend  Backend
	kernel   kernel
	threads  int
	released atomic.Bool
}

func (s *nativeSession) Backend() Backend {
	return s.backend
}

func (s *nativeSession) Run(ctx context.Context, input Tensor) (Tensor, error) {
	if s.released.Load() {
		return Tensor{}, ErrSessionReleased
	}
	if len(input.Shape) != 4 || input.Shape[0] != 1 || input.Shape[1] != 3 {
		return Tensor{}, fmt.Errorf("%w: %v", ErrTensorShape, input.Shape)
	}
	h, w := input.Shape[2], input.Shape[3]
	if len(input.Data) != 3*w*h {
		return Tensor{}, fmt.Errorf("%w: %v with %d values", ErrTensorShape, input.Shape, len(input.Data))
	}
	return s.kernel(ctx, s.model, input, w, h, s.threads)
}

func (s *nativeSession) Release() error {
	s.released.Store(true)
	return nil
}
