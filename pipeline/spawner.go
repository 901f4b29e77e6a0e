package pipeline

import (
	"context"
	"io"
	"log/slog"

	"github.com/chaos-io/cutout/analyzer"
	"github.com/chaos-io/cutout/assets"
	"github.com/chaos-io/cutout/bridge"
	"github.com/chaos-io/cutout/rembg"
)

// Deps 执行上下文的依赖，每次创建上下文都会新建注册表和运行时
type Deps struct {
	Models   *rembg.ModelStore
	Probe    *rembg.Probe
	Analyzer *analyzer.Analyzer
	// Runtime 为 nil 时每个上下文新建 NativeRuntime
	Runtime   rembg.Runtime
	Factories map[rembg.EngineKind]rembg.Factory
}

// NewDeps 以资源缓存为基础组装默认依赖
func NewDeps(cache assets.Cache, modelsURL string, probe rembg.ProbeConfig) Deps {
	fetcher := assets.NewFetcher(cache, assets.WithLocalFS(rembg.BuiltinModels()))
	return Deps{
		Models:   rembg.NewModelStore(fetcher, modelsURL),
		Probe:    rembg.NewProbe(probe, cache),
		Analyzer: analyzer.New(analyzer.DefaultThresholds()),
	}
}

func (d Deps) withDefaults() Deps {
	if d.Models == nil || d.Probe == nil {
		def := NewDeps(assets.NewMemoryCache(), "", rembg.ProbeConfig{})
		if d.Models == nil {
			d.Models = def.Models
		}
		if d.Probe == nil {
			d.Probe = def.Probe
		}
	}
	if d.Analyzer == nil {
		d.Analyzer = analyzer.New(analyzer.DefaultThresholds())
	}
	return d
}

// NewSpawner 进程内执行上下文，帧经由 bridge.Pipe 复制传输
func NewSpawner(deps Deps) bridge.Spawner {
	return func(ctx context.Context) (bridge.Port, error) {
		pipe := bridge.NewPipe()
		host := NewHost(deps, pipe)
		go func() {
			host.Serve(ctx)
			slog.Debug("pipeline context stopped")
		}()
		return pipe, nil
	}
}

// ServeStream worker 子进程入口，r/w 通常是 stdin/stdout
// 上下文故障时返回故障原因，调用方应以非零状态退出
func ServeStream(ctx context.Context, deps Deps, r io.Reader, w io.Writer) error {
	conn := bridge.NewStreamConn(r, w)
	NewHost(deps, conn).Serve(ctx)
	return conn.Err()
}
