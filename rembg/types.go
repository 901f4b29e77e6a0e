package rembg

import (
	"fmt"
	"time"

	"github.com/chaos-io/cutout/analyzer"
	"github.com/chaos-io/cutout/compose"
)

// EngineKind 引擎种类
type EngineKind string

const (
	KindBaseline   EngineKind = "baseline"
	KindParametric EngineKind = "parametric"
	KindAlternate  EngineKind = "alternate"
)

func (k EngineKind) Valid() bool {
	switch k {
	case KindBaseline, KindParametric, KindAlternate:
		return true
	}
	return false
}

// Quality 质量档位，决定最长边上限
type Quality string

const (
	QualityFast     Quality = "fast"
	QualityBalanced Quality = "balanced"
	QualityHigh     Quality = "high"
)

// Acceleration 加速偏好
type Acceleration string

const (
	AccelerationAuto       Acceleration = "auto"
	AccelerationGPUCompute Acceleration = "gpu-compute"
	AccelerationGPURaster  Acceleration = "gpu-raster"
	AccelerationCPU        Acceleration = "cpu"
)

// Backend 推理后端
type Backend string

const (
	BackendGPUCompute Backend = "gpu-compute"
	BackendGPURaster  Backend = "gpu-raster"
	BackendCPU        Backend = "cpu"
)

// MaxResolution 任何情况下的最长边安全上限
const MaxResolution = 4096

// Options 单次请求的处理参数，管线只读不写
type Options struct {
	// Engine 显式指定引擎，空值时按其他字段选择
	Engine             EngineKind         `msgpack:"engine,omitempty" json:"engine,omitempty"`
	Quality            Quality            `msgpack:"quality,omitempty" json:"quality,omitempty"`
	Acceleration       Acceleration       `msgpack:"acceleration,omitempty" json:"acceleration,omitempty"`
	FullResolution     bool               `msgpack:"fullResolution" json:"fullResolution"`
	ImageType          analyzer.ImageType `msgpack:"imageType,omitempty" json:"imageType,omitempty"`
	ProcessingMode     analyzer.Mode      `msgpack:"processingMode,omitempty" json:"processingMode,omitempty"`
	AutoDetect         bool               `msgpack:"autoDetect" json:"autoDetect"`
	RefineWithHQSAM    bool               `msgpack:"refineWithHQSAM" json:"refineWithHQSAM"`
	UseAlternateEngine bool               `msgpack:"useAlternateEngine" json:"useAlternateEngine"`
	Model              string             `msgpack:"model,omitempty" json:"model,omitempty"`
	Background         compose.Background `msgpack:"background" json:"background"`
	ExportFormat       compose.Format     `msgpack:"exportFormat,omitempty" json:"exportFormat,omitempty"`
	ExportQuality      int                `msgpack:"exportQuality,omitempty" json:"exportQuality,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		Quality:       QualityBalanced,
		Acceleration:  AccelerationAuto,
		Background:    compose.Background{Kind: compose.KindTransparent},
		ExportFormat:  compose.FormatPNG,
		ExportQuality: compose.DefaultQuality,
	}
}

// Validate 校验枚举字段和取值范围
func (o Options) Validate() error {
	if o.Engine != "" && !o.Engine.Valid() {
		return NewInvalidInputError(fmt.Sprintf("unknown engine kind %q", o.Engine), nil)
	}
	switch o.Quality {
	case "", QualityFast, QualityBalanced, QualityHigh:
	default:
		return NewInvalidInputError(fmt.Sprintf("unknown quality %q", o.Quality), nil)
	}
	switch o.Acceleration {
	case "", AccelerationAuto, AccelerationGPUCompute, AccelerationGPURaster, AccelerationCPU:
	default:
		return NewInvalidInputError(fmt.Sprintf("unknown acceleration %q", o.Acceleration), nil)
	}
	if o.ExportFormat != "" && !o.ExportFormat.Valid() {
		return NewInvalidInputError(fmt.Sprintf("unknown export format %q", o.ExportFormat), nil)
	}
	if o.ExportQuality < 0 || o.ExportQuality > 100 {
		return NewInvalidInputError(fmt.Sprintf("export quality %d out of range 1-100", o.ExportQuality), nil)
	}
	if err := o.Background.Validate(); err != nil {
		return NewInvalidInputError("invalid background", err)
	}
	return nil
}

// MaxDimension 按质量档位返回最长边上限，fullResolution 只受安全上限约束
func (o Options) MaxDimension() int {
	if o.FullResolution {
		return MaxResolution
	}
	switch o.Quality {
	case QualityFast:
		return 1024
	case QualityHigh:
		return 4096
	default:
		return 2048
	}
}

// WantsRestoration 图形类请求需要恢复被误删的图形元素
func (o Options) WantsRestoration() bool {
	switch o.ProcessingMode {
	case analyzer.ModeLogo, analyzer.ModeIllustration:
		return true
	}
	return o.ImageType == analyzer.TypeGraphic
}

// SelectKind 按优先级选择引擎
func SelectKind(o Options) EngineKind {
	switch {
	case o.Engine != "":
		return o.Engine
	case o.UseAlternateEngine:
		return KindAlternate
	case o.RefineWithHQSAM || (o.Acceleration != "" && o.Acceleration != AccelerationAuto):
		return KindParametric
	default:
		return KindBaseline
	}
}

// Capabilities 当前执行上下文的能力
type Capabilities struct {
	GPUCompute      bool     `msgpack:"gpuCompute" json:"gpuCompute"`
	GPURaster       bool     `msgpack:"gpuRaster" json:"gpuRaster"`
	CPU             bool     `msgpack:"cpu" json:"cpu"`
	SIMD            bool     `msgpack:"simd" json:"simd"`
	MaxResolution   int      `msgpack:"maxResolution" json:"maxResolution"`
	EstimatedMemory uint64   `msgpack:"estimatedMemory" json:"estimatedMemory"`
	SupportedModels []string `msgpack:"supportedModels" json:"supportedModels"`
	Threads         int      `msgpack:"threads" json:"threads"`
	OfflineReady    bool     `msgpack:"offlineReady" json:"offlineReady"`
}

type Resolution struct {
	Width  int `msgpack:"width" json:"width"`
	Height int `msgpack:"height" json:"height"`
}

// Result 一次处理的输出
type Result struct {
	Blob              []byte             `msgpack:"blob" json:"-"`
	MimeType          string             `msgpack:"mimeType" json:"mimeType"`
	ProcessingTimeMs  float64            `msgpack:"processingTimeMs" json:"processingTimeMs"`
	EngineUsed        string             `msgpack:"engineUsed" json:"engineUsed"`
	ModelUsed         string             `msgpack:"modelUsed" json:"modelUsed"`
	Resolution        Resolution         `msgpack:"resolution" json:"resolution"`
	MemoryUsed        uint64             `msgpack:"memoryUsed,omitempty" json:"memoryUsed,omitempty"`
	ExecutionProvider string             `msgpack:"executionProvider,omitempty" json:"executionProvider,omitempty"`
	RefinementApplied bool               `msgpack:"refinementApplied,omitempty" json:"refinementApplied,omitempty"`
	Analysis          *analyzer.Analysis `msgpack:"imageAnalysis,omitempty" json:"imageAnalysis,omitempty"`
}

func (r *Result) ProcessingTime() time.Duration {
	return time.Duration(r.ProcessingTimeMs * float64(time.Millisecond))
}

// Progress 进度事件
type Progress struct {
	Stage   string  `msgpack:"stage" json:"stage"`
	Percent float64 `msgpack:"progress" json:"progress"`
	Message string  `msgpack:"message,omitempty" json:"message,omitempty"`
}

type ProgressFunc func(Progress)

func report(fn ProgressFunc, stage string, percent float64, message string) {
	if fn != nil {
		fn(Progress{Stage: stage, Percent: percent, Message: message})
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
