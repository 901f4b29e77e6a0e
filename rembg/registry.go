package rembg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/chaos-io/cutout/pixel"
)

// Registry 最多持有一个引擎实例，切换种类时先释放旧实例再创建新实例
// 引擎不可重入，所有处理请求通过 FIFO 闸门排队
type Registry struct {
	deps      Deps
	factories map[EngineKind]Factory
	gate      *semaphore.Weighted

	mu       sync.Mutex
	current  Engine
	kind     EngineKind
	readyKey string
}

func NewRegistry(deps Deps, factories map[EngineKind]Factory) *Registry {
	if factories == nil {
		factories = DefaultFactories()
	}
	return &Registry{
		deps:      deps,
		factories: factories,
		gate:      semaphore.NewWeighted(1),
	}
}

func initKey(kind EngineKind, opts Options) string {
	acc := opts.Acceleration
	if acc == "" {
		acc = AccelerationAuto
	}
	return fmt.Sprintf("%s|%s|%s", kind, ResolveModel(kind, opts), acc)
}

// Initialize 同种类同模型已就绪时直接返回
func (r *Registry) Initialize(ctx context.Context, kind EngineKind, opts Options) error {
	if r.isReady(kind, opts) {
		return nil
	}
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return NewCancelledError(err)
	}
	defer r.gate.Release(1)

	_, err := r.acquire(ctx, kind, opts)
	return err
}

func (r *Registry) isReady(kind EngineKind, opts Options) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && r.kind == kind && r.readyKey == initKey(kind, opts)
}

// Process 排队取得引擎后处理一张图
func (r *Registry) Process(ctx context.Context, kind EngineKind, buf *pixel.Buffer, opts Options, onProgress ProgressFunc) (*Result, error) {
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return nil, NewCancelledError(err)
	}
	defer r.gate.Release(1)

	eng, err := r.acquire(ctx, kind, opts)
	if err != nil {
		return nil, err
	}
	return eng.ProcessImage(ctx, buf, opts, onProgress)
}

// acquire 调用方必须持有闸门
func (r *Registry) acquire(ctx context.Context, kind EngineKind, opts Options) (Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.kind != kind {
		slog.Info("switching engine", "from", r.kind, "to", kind)
		if err := r.current.Cleanup(); err != nil {
			slog.Warn("engine cleanup failed", "engine", r.current.Name(), "error", err)
		}
		r.current, r.kind, r.readyKey = nil, "", ""
	}

	if r.current == nil {
		factory, ok := r.factories[kind]
		if !ok {
			return nil, NewInvalidInputError(fmt.Sprintf("unknown engine kind %q", kind), nil)
		}
		r.current, r.kind = factory(r.deps), kind
	}

	key := initKey(kind, opts)
	if r.readyKey != key {
		if err := r.current.Initialize(ctx, opts); err != nil {
			r.readyKey = ""
			return nil, err
		}
		r.readyKey = key
	}
	return r.current, nil
}

// Current 当前持有的引擎种类
func (r *Registry) Current() (EngineKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kind, r.current != nil
}

// Capabilities 不经过闸门，直接探测
func (r *Registry) Capabilities(ctx context.Context) (*Capabilities, error) {
	return r.deps.Probe.Capabilities(ctx)
}

// Dispose 释放当前引擎，不等待正在进行的处理
func (r *Registry) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	err := r.current.Cleanup()
	r.current, r.kind, r.readyKey = nil, "", ""
	return err
}
