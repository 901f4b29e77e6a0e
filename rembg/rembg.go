package rembg

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaos-io/cutout/compose"
	"github.com/chaos-io/cutout/mask"
	"github.com/chaos-io/cutout/pixel"
)

// Engine 抠图引擎的统一能力契约
type Engine interface {
	Name() string
	Kind() EngineKind
	// Initialize 加载模型与后端，重复调用会替换旧会话
	Initialize(ctx context.Context, opts Options) error
	ProcessImage(ctx context.Context, buf *pixel.Buffer, opts Options, onProgress ProgressFunc) (*Result, error)
	// Cleanup 释放模型与后端内存，可重复调用
	Cleanup() error
	Capabilities(ctx context.Context) (*Capabilities, error)
}

// Deps 引擎共享的依赖
type Deps struct {
	Runtime Runtime
	Models  *ModelStore
	Probe   *Probe
}

type Factory func(deps Deps) Engine

func DefaultFactories() map[EngineKind]Factory {
	return map[EngineKind]Factory{
		KindBaseline:   NewBaseline,
		KindParametric: NewParametric,
		KindAlternate:  NewAlternate,
	}
}

// matte 对 buf 做一次推理，返回原尺寸的 mask 和张量占用的字节数
func matte(ctx context.Context, s Session, m *Model, buf *pixel.Buffer, onProgress ProgressFunc) ([]float32, uint64, error) {
	report(onProgress, "preprocess", 10, "preparing input tensor")
	input := ImageTensor(buf, m.InputSize)
	if err := ctx.Err(); err != nil {
		return nil, 0, NewCancelledError(err)
	}

	report(onProgress, "inference", 30, "running "+m.ID)
	output, err := s.Run(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, NewCancelledError(ctx.Err())
		}
		return nil, 0, err
	}

	report(onProgress, "postprocess", 70, "resampling mask")
	alpha, err := MaskFromTensor(output, buf.Width, buf.Height)
	if err != nil {
		return nil, 0, err
	}
	return alpha, input.Bytes() + output.Bytes(), nil
}

// finish 合成背景并编码，组装结果
func finish(engine, model string, original, cut *pixel.Buffer, opts Options, start time.Time, onProgress ProgressFunc) (*Result, error) {
	if opts.WantsRestoration() {
		var restored int
		cut, restored = mask.RestoreGraphics(cut, original)
		slog.Debug("graphic elements restored", "engine", engine, "pixels", restored)
		report(onProgress, "restore", 80, "")
	}

	report(onProgress, "compose", 90, string(opts.Background.Kind))
	composed, err := compose.Apply(cut, original, opts.Background)
	if err != nil {
		return nil, NewInvalidInputError("compose background", err)
	}

	format := opts.ExportFormat
	if format == "" {
		format = compose.FormatPNG
	}
	blob, err := compose.Encode(composed, format, opts.ExportQuality)
	if err != nil {
		return nil, NewInferenceError(engine, err)
	}

	return &Result{
		Blob:             blob,
		MimeType:         format.MimeType(),
		ProcessingTimeMs: elapsedMs(start),
		EngineUsed:       engine,
		ModelUsed:        model,
		Resolution:       Resolution{Width: original.Width, Height: original.Height},
	}, nil
}

func validateInput(buf *pixel.Buffer) error {
	if err := buf.Validate(); err != nil {
		return NewInvalidInputError("invalid pixel buffer", err)
	}
	return nil
}

// wrapProcessError 已分类的错误补上引擎名，其余归为该引擎的推理错误
func wrapProcessError(engine string, err error) error {
	if CodeOf(err) == CodeInternal {
		return NewInferenceError(engine, err)
	}
	return WithEngine(engine, err)
}
