package rembg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaos-io/cutout/mask"
	"github.com/chaos-io/cutout/pixel"
)

const BaselineName = "Baseline Matting"

// Baseline 通用抠图模型，零配置
type Baseline struct {
	deps Deps

	mu      sync.Mutex
	model   *Model
	session Session
}

func NewBaseline(deps Deps) Engine {
	return &Baseline{deps: deps}
}

func (b *Baseline) Name() string     { return BaselineName }
func (b *Baseline) Kind() EngineKind { return KindBaseline }

func (b *Baseline) Initialize(ctx context.Context, _ Options) error {
	model, err := b.deps.Models.Load(ctx, ModelBaseline)
	if err != nil {
		return WithEngine(b.Name(), err)
	}
	session, err := Negotiate(ctx, b.deps.Runtime, model, AccelerationAuto, b.Name())
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		_ = b.session.Release()
	}
	b.model, b.session = model, session
	slog.Info("engine initialized", "engine", b.Name(), "model", model.ID)
	return nil
}

func (b *Baseline) ProcessImage(ctx context.Context, buf *pixel.Buffer, opts Options, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	if err := validateInput(buf); err != nil {
		return nil, err
	}

	b.mu.Lock()
	ready := b.session != nil
	b.mu.Unlock()
	if !ready {
		if err := b.Initialize(ctx, opts); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	model, session := b.model, b.session
	b.mu.Unlock()

	alpha, memory, err := matte(ctx, session, model, buf, onProgress)
	if err != nil {
		return nil, wrapProcessError(b.Name(), err)
	}

	res, err := finish(b.Name(), model.ID, buf, mask.ApplyAlpha(buf, alpha), opts, start, onProgress)
	if err != nil {
		return nil, wrapProcessError(b.Name(), err)
	}
	res.MemoryUsed = memory + uint64(len(res.Blob))

	report(onProgress, "complete", 100, "")
	return res, nil
}

func (b *Baseline) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.session != nil {
		err = b.session.Release()
	}
	b.model, b.session = nil, nil
	return err
}

func (b *Baseline) Capabilities(ctx context.Context) (*Capabilities, error) {
	return b.deps.Probe.Capabilities(ctx)
}
