package rembg

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"github.com/klauspost/cpuid/v2"

	"github.com/chaos-io/cutout/assets"
)

// ProbeConfig 后端探测配置，nil 表示自动探测
type ProbeConfig struct {
	GPUCompute    *bool
	GPURaster     *bool
	MaxResolution int
}

// 设备节点存在即认为对应后端可用
var (
	gpuComputeDevices = []string{"/dev/nvidia0", "/dev/kfd"}
	gpuRasterDevices  = []string{"/dev/dri/renderD128", "/dev/dri/card0"}
)

// Probe 只读的能力探测
type Probe struct {
	cfg    ProbeConfig
	cache  assets.Cache
	exists func(path string) bool
}

func NewProbe(cfg ProbeConfig, cache assets.Cache) *Probe {
	return &Probe{
		cfg:   cfg,
		cache: cache,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Available 后端是否可用，CPU 总是可用
func (p *Probe) Available(b Backend) bool {
	switch b {
	case BackendCPU:
		return true
	case BackendGPUCompute:
		return p.detect(p.cfg.GPUCompute, gpuComputeDevices)
	case BackendGPURaster:
		return p.detect(p.cfg.GPURaster, gpuRasterDevices)
	default:
		return false
	}
}

func (p *Probe) detect(override *bool, devices []string) bool {
	if override != nil {
		return *override
	}
	for _, d := range devices {
		if p.exists(d) {
			return true
		}
	}
	return false
}

func (p *Probe) SIMD() bool {
	return cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.ASIMD)
}

func (p *Probe) MaxResolution() int {
	if p.cfg.MaxResolution > 0 {
		return min(p.cfg.MaxResolution, MaxResolution)
	}
	return MaxResolution
}

// Capabilities 每次调用都重新探测
func (p *Probe) Capabilities(ctx context.Context) (*Capabilities, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	offline := false
	if p.cache != nil {
		keys, err := p.cache.Keys(ctx)
		if err != nil {
			slog.Warn("probe asset cache failed", "error", err)
		}
		offline = len(keys) > 0
	}

	return &Capabilities{
		GPUCompute:      p.Available(BackendGPUCompute),
		GPURaster:       p.Available(BackendGPURaster),
		CPU:             true,
		SIMD:            p.SIMD(),
		MaxResolution:   p.MaxResolution(),
		EstimatedMemory: ms.Sys,
		SupportedModels: SupportedModels(),
		Threads:         runtime.NumCPU(),
		OfflineReady:    offline,
	}, nil
}
