package rembg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaos-io/cutout/mask"
	"github.com/chaos-io/cutout/pixel"
)

const (
	AlternateName = "Portrait Segmentation"

	// alternateMaxDimension 分割前的最长边上限
	alternateMaxDimension = 1024
)

// Alternate 人像分割管线：缩小、分割、平滑、截断、放大回原尺寸
type Alternate struct {
	deps Deps

	mu      sync.Mutex
	model   *Model
	session Session
}

func NewAlternate(deps Deps) Engine {
	return &Alternate{deps: deps}
}

func (a *Alternate) Name() string     { return AlternateName }
func (a *Alternate) Kind() EngineKind { return KindAlternate }

func (a *Alternate) Initialize(ctx context.Context, _ Options) error {
	model, err := a.deps.Models.Load(ctx, ModelPortrait)
	if err != nil {
		return WithEngine(a.Name(), err)
	}
	session, err := Negotiate(ctx, a.deps.Runtime, model, AccelerationAuto, a.Name())
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		_ = a.session.Release()
	}
	a.model, a.session = model, session
	slog.Info("engine initialized", "engine", a.Name(), "model", model.ID)
	return nil
}

func (a *Alternate) ProcessImage(ctx context.Context, buf *pixel.Buffer, opts Options, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	if err := validateInput(buf); err != nil {
		return nil, err
	}

	a.mu.Lock()
	ready := a.session != nil
	a.mu.Unlock()
	if !ready {
		report(onProgress, "loading", 5, "loading segmentation model")
		if err := a.Initialize(ctx, opts); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	model, session := a.model, a.session
	a.mu.Unlock()

	work := pixel.ClampWithin(buf, alternateMaxDimension)
	alpha, memory, err := matte(ctx, session, model, work, onProgress)
	if err != nil {
		return nil, wrapProcessError(a.Name(), err)
	}

	report(onProgress, "refine", 75, "smoothing mask")
	alpha = mask.Refine(alpha, work.Width, work.Height)
	if work.Width != buf.Width || work.Height != buf.Height {
		alpha = pixel.ResampleGray(alpha, work.Width, work.Height, buf.Width, buf.Height)
	}

	res, err := finish(a.Name(), model.ID, buf, mask.ApplyAlpha(buf, alpha), opts, start, onProgress)
	if err != nil {
		return nil, wrapProcessError(a.Name(), err)
	}
	res.MemoryUsed = memory + uint64(len(res.Blob))

	report(onProgress, "complete", 100, "")
	return res, nil
}

func (a *Alternate) Cleanup() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if a.session != nil {
		err = a.session.Release()
	}
	a.model, a.session = nil, nil
	return err
}

func (a *Alternate) Capabilities(ctx context.Context) (*Capabilities, error) {
	return a.deps.Probe.Capabilities(ctx)
}
