package rembg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaos-io/cutout/mask"
	"github.com/chaos-io/cutout/pixel"
)

const ParametricName = "Parametric Runtime"

// Parametric 按名称加载模型，显式协商后端，支持细化
type Parametric struct {
	deps Deps

	mu      sync.Mutex
	model   *Model
	session Session
}

func NewParametric(deps Deps) Engine {
	return &Parametric{deps: deps}
}

func (p *Parametric) Name() string     { return ParametricName }
func (p *Parametric) Kind() EngineKind { return KindParametric }

func (p *Parametric) Initialize(ctx context.Context, opts Options) error {
	id := ResolveModel(KindParametric, opts)
	model, err := p.deps.Models.Load(ctx, id)
	if err != nil {
		return WithEngine(p.Name(), err)
	}

	session, err := Negotiate(ctx, p.deps.Runtime, model, opts.Acceleration, p.Name())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.release()
	p.model, p.session = model, session

	slog.Info("engine initialized", "engine", p.Name(), "model", model.ID, "backend", session.Backend())
	return nil
}

func (p *Parametric) ProcessImage(ctx context.Context, buf *pixel.Buffer, opts Options, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	if err := validateInput(buf); err != nil {
		return nil, err
	}

	p.mu.Lock()
	model, session := p.model, p.session
	p.mu.Unlock()
	if session == nil {
		if err := p.Initialize(ctx, opts); err != nil {
			return nil, err
		}
		p.mu.Lock()
		model, session = p.model, p.session
		p.mu.Unlock()
	}

	alpha, memory, err := matte(ctx, session, model, buf, onProgress)
	if err != nil {
		return nil, wrapProcessError(p.Name(), err)
	}

	refined := false
	if opts.RefineWithHQSAM {
		report(onProgress, "refine", 75, "refining edges")
		alpha = mask.Refine(alpha, buf.Width, buf.Height)
		refined = true
	}

	res, err := finish(p.Name(), model.ID, buf, mask.ApplyAlpha(buf, alpha), opts, start, onProgress)
	if err != nil {
		return nil, wrapProcessError(p.Name(), err)
	}
	res.ExecutionProvider = string(session.Backend())
	res.RefinementApplied = refined
	res.MemoryUsed = memory + uint64(len(res.Blob))

	report(onProgress, "complete", 100, "")
	return res, nil
}

func (p *Parametric) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.release()
}

func (p *Parametric) release() error {
	var err error
	if p.session != nil {
		err = p.session.Release()
	}
	p.model, p.session = nil, nil
	return err
}

func (p *Parametric) Capabilities(ctx context.Context) (*Capabilities, error) {
	return p.deps.Probe.Capabilities(ctx)
}
