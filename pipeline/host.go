package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/chaos-io/cutout/analyzer"
	"github.com/chaos-io/cutout/bridge"
	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
)

// Host 执行上下文：解码信封，持有引擎注册表，把请求分发给引擎
type Host struct {
	deps     Deps
	conn     bridge.Conn
	registry *rembg.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	failed   bool
}

func NewHost(deps Deps, conn bridge.Conn) *Host {
	deps = deps.withDefaults()
	rt := deps.Runtime
	if rt == nil {
		rt = rembg.NewNativeRuntime(deps.Probe)
	}
	return &Host{
		deps: deps,
		conn: conn,
		registry: rembg.NewRegistry(rembg.Deps{
			Runtime: rt,
			Models:  deps.Models,
			Probe:   deps.Probe,
		}, deps.Factories),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve 阻塞直到调用方关闭通道或 ctx 取消
func (h *Host) Serve(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	defer h.shutdown()

	for {
		select {
		case frame := <-h.conn.Inbox():
			h.handle(frame)
		case <-h.conn.Closing():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Host) shutdown() {
	h.cancel()
	h.wg.Wait()
	if err := h.registry.Dispose(); err != nil {
		slog.Warn("registry dispose failed", "error", err)
	}
}

func (h *Host) handle(frame []byte) {
	env, err := bridge.Decode(frame)
	if err != nil {
		slog.Warn("dropping undecodable frame", "error", err, "bytes", len(frame))
		return
	}

	switch env.Type {
	case bridge.TypeCancel:
		var p bridge.CancelPayload
		if err := bridge.DecodePayload(env, &p); err != nil {
			slog.Warn("malformed cancel envelope", "error", err)
			return
		}
		h.mu.Lock()
		cancel, ok := h.inflight[p.TargetID]
		h.mu.Unlock()
		if ok {
			slog.Debug("cancelling request", "request_id", p.TargetID)
			cancel()
		}
	case bridge.TypeCleanup:
		if err := h.registry.Dispose(); err != nil {
			slog.Warn("registry dispose failed", "error", err)
		}
	default:
		ctx, cancel := context.WithCancel(h.ctx)
		h.mu.Lock()
		h.inflight[env.ID] = cancel
		h.mu.Unlock()

		h.wg.Add(1)
		go h.run(ctx, env)
	}
}

func (h *Host) run(ctx context.Context, env bridge.Envelope) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		if cancel, ok := h.inflight[env.ID]; ok {
			cancel()
			delete(h.inflight, env.ID)
		}
		h.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			h.fail(env, fmt.Errorf("panic in %s handler: %v", env.Type, r), debug.Stack())
		}
	}()

	typ, payload, err := h.serve(ctx, env)
	if err != nil {
		slog.Debug("request failed", "request_id", env.ID, "type", env.Type, "error", err)
		typ, payload = bridge.TypeError, bridge.ErrorPayloadOf(err)
	}
	h.reply(env.ID, typ, payload)
}

// fail 任何 panic 都视为执行上下文故障
func (h *Host) fail(env bridge.Envelope, err error, stack []byte) {
	h.mu.Lock()
	if h.failed {
		h.mu.Unlock()
		return
	}
	h.failed = true
	h.mu.Unlock()

	slog.Error("pipeline context crashed", "request_id", env.ID, "type", env.Type, "error", err, "stack", string(stack))
	if derr := h.registry.Dispose(); derr != nil {
		slog.Warn("registry dispose failed", "error", derr)
	}
	h.conn.Fail(err)
	h.cancel()
}

func (h *Host) reply(id string, t bridge.MessageType, payload any) {
	frame, err := bridge.Encode(id, t, payload)
	if err != nil {
		slog.Error("failed to encode reply", "request_id", id, "type", t, "error", err)
		frame, err = bridge.Encode(id, bridge.TypeError, bridge.ErrorPayloadOf(rembg.NewInferenceError("", err)))
		if err != nil {
			return
		}
	}
	if err := h.conn.Reply(frame); err != nil {
		slog.Debug("reply not delivered", "request_id", id, "type", t, "error", err)
	}
}

func (h *Host) serve(ctx context.Context, env bridge.Envelope) (bridge.MessageType, any, error) {
	switch env.Type {
	case bridge.TypeInitialize:
		return h.initialize(ctx, env)
	case bridge.TypeProcess:
		return h.process(ctx, env)
	case bridge.TypeCapabilities:
		caps, err := h.registry.Capabilities(ctx)
		return bridge.TypeCapabilities, caps, err
	case bridge.TypePreload:
		return h.preload(ctx, env)
	case bridge.TypeAnalyze:
		return h.analyze(env)
	default:
		return "", nil, rembg.NewInvalidInputError(fmt.Sprintf("unsupported envelope type %q", env.Type), nil)
	}
}

func (h *Host) initialize(ctx context.Context, env bridge.Envelope) (bridge.MessageType, any, error) {
	var p bridge.InitializePayload
	if err := bridge.DecodePayload(env, &p); err != nil {
		return "", nil, err
	}
	if !p.EngineKind.Valid() {
		return "", nil, rembg.NewInvalidInputError(fmt.Sprintf("unknown engine kind %q", p.EngineKind), nil)
	}
	if err := p.Options.Validate(); err != nil {
		return "", nil, err
	}
	if err := h.registry.Initialize(ctx, p.EngineKind, p.Options); err != nil {
		return "", nil, err
	}
	return bridge.TypeResult, bridge.AckPayload{OK: true}, nil
}

func (h *Host) process(ctx context.Context, env bridge.Envelope) (bridge.MessageType, any, error) {
	var p bridge.ProcessPayload
	if err := bridge.DecodePayload(env, &p); err != nil {
		return "", nil, err
	}
	if p.PixelBuffer == nil {
		return "", nil, rembg.NewInvalidInputError("pixel buffer is missing", nil)
	}
	if err := p.PixelBuffer.Validate(); err != nil {
		return "", nil, rembg.NewInvalidInputError("invalid pixel buffer", err)
	}
	opts := p.Options
	if err := opts.Validate(); err != nil {
		return "", nil, err
	}
	kind := p.EngineKind
	if kind == "" {
		kind = rembg.SelectKind(opts)
	}

	progress := func(pr rembg.Progress) {
		h.reply(env.ID, bridge.TypeProgress, pr)
	}

	buf := pixel.ClampWithin(p.PixelBuffer, opts.MaxDimension())
	if buf.Width != p.PixelBuffer.Width || buf.Height != p.PixelBuffer.Height {
		slog.Debug("input clamped", "request_id", env.ID,
			"from", fmt.Sprintf("%dx%d", p.PixelBuffer.Width, p.PixelBuffer.Height),
			"to", fmt.Sprintf("%dx%d", buf.Width, buf.Height))
	}

	var analysis *analyzer.Analysis
	if opts.AutoDetect {
		progress(rembg.Progress{Stage: "analyze", Percent: 2, Message: "detecting image type"})
		a, err := h.deps.Analyzer.Analyze(buf)
		if err != nil {
			return "", nil, rembg.NewInvalidInputError("analyze image", err)
		}
		analysis = a
		opts = applyHints(opts, a)
	}

	res, err := h.registry.Process(ctx, kind, buf, opts, progress)
	if err != nil {
		return "", nil, err
	}
	res.Analysis = analysis
	slog.Info("image processed", "request_id", env.ID, "engine", res.EngineUsed, "model", res.ModelUsed,
		"ms", res.ProcessingTimeMs)
	return bridge.TypeResult, res, nil
}

// applyHints 只补全调用方没有指定的字段，返回副本
func applyHints(opts rembg.Options, a *analyzer.Analysis) rembg.Options {
	if opts.ImageType == "" || opts.ImageType == analyzer.TypeAuto {
		opts.ImageType = a.DetectedType
	}
	if opts.ProcessingMode == "" || opts.ProcessingMode == analyzer.ModeGeneral {
		opts.ProcessingMode = a.SuggestedMode
	}
	if opts.Model == "" {
		opts.Model = a.SuggestedModel
	}
	return opts
}

func (h *Host) preload(ctx context.Context, env bridge.Envelope) (bridge.MessageType, any, error) {
	var p bridge.PreloadPayload
	if err := bridge.DecodePayload(env, &p); err != nil {
		return "", nil, err
	}
	m, err := h.deps.Models.Load(ctx, p.Model)
	if err != nil {
		return "", nil, err
	}
	slog.Info("model preloaded", "model", m.ID, "version", m.Version)
	return bridge.TypeResult, bridge.AckPayload{OK: true}, nil
}

func (h *Host) analyze(env bridge.Envelope) (bridge.MessageType, any, error) {
	var p bridge.AnalyzePayload
	if err := bridge.DecodePayload(env, &p); err != nil {
		return "", nil, err
	}
	if p.PixelBuffer == nil {
		return "", nil, rembg.NewInvalidInputError("pixel buffer is missing", nil)
	}
	if err := p.PixelBuffer.Validate(); err != nil {
		return "", nil, rembg.NewInvalidInputError("invalid pixel buffer", err)
	}
	a, err := h.deps.Analyzer.Analyze(analysisInput(p.PixelBuffer))
	if err != nil {
		return "", nil, rembg.NewInvalidInputError("analyze image", err)
	}
	return bridge.TypeResult, a, nil
}

// analysisInput 单独分析时按默认质量档位缩小，与 process 中的自动检测一致
func analysisInput(buf *pixel.Buffer) *pixel.Buffer {
	return pixel.ClampWithin(buf, rembg.DefaultOptions().MaxDimension())
}
