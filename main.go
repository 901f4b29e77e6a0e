package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/chaos-io/cutout/api"
	"github.com/chaos-io/cutout/assets"
	"github.com/chaos-io/cutout/bridge"
	"github.com/chaos-io/cutout/compose"
	"github.com/chaos-io/cutout/config"
	"github.com/chaos-io/cutout/pipeline"
	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
	"github.com/chaos-io/cutout/util"
	nhttp "github.com/chaos-io/cutout/util/http"
)

const usage = `usage:
  cutout [-config cutout.yaml] serve
  cutout [-config cutout.yaml] worker
  cutout [-config cutout.yaml] remove [-engine kind] [-format png] [-bg color] -o out.png <image path or url>`

func main() {
	configPath := flag.String("config", "cutout.yaml", "config file, optional")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogger(cfg.Log)

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg)
	case "worker":
		err = worker(ctx, cfg)
	case "remove":
		err = remove(ctx, cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("cutout failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	level, _ := config.ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func newCache(cfg config.AssetsConfig) (assets.Cache, func(), error) {
	switch cfg.Driver {
	case "filesystem":
		c, err := assets.NewFilesystemCache(cfg.Dir)
		return c, func() {}, err
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return assets.NewRedisCache(client, cfg.TTL()), func() { _ = client.Close() }, nil
	default:
		return assets.NewMemoryCache(), func() {}, nil
	}
}

func newDeps(cfg *config.Config) (pipeline.Deps, assets.Cache, func(), error) {
	cache, closeCache, err := newCache(cfg.Assets)
	if err != nil {
		return pipeline.Deps{}, nil, nil, fmt.Errorf("asset cache: %w", err)
	}
	deps := pipeline.NewDeps(cache, cfg.Models.BaseURL, rembg.ProbeConfig{
		GPUCompute:    cfg.Probe.GPUCompute,
		GPURaster:     cfg.Probe.GPURaster,
		MaxResolution: cfg.Probe.MaxResolution,
	})
	return deps, cache, closeCache, nil
}

// newBridge worker 模式下执行上下文运行在当前可执行文件的子进程中
func newBridge(cfg *config.Config, deps pipeline.Deps, reg prometheus.Registerer) (*bridge.Bridge, error) {
	spawn := pipeline.NewSpawner(deps)
	if cfg.Bridge.Worker {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		args := []string{"worker"}
		if abs, err := filepath.Abs(flag.Lookup("config").Value.String()); err == nil {
			args = []string{"-config", abs, "worker"}
		}
		spawn = bridge.ExecSpawner(self, args...)
	}
	return bridge.New(spawn, bridge.Config{MaxPending: cfg.Bridge.MaxPending, Registerer: reg}), nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	deps, cache, closeCache, err := newDeps(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	janitor, err := assets.NewJanitor(cache, cfg.Assets.TTL(), cfg.Assets.SweepSpec)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	b, err := newBridge(cfg, deps, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer b.Dispose()

	if strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.NewRouter(b, api.Options{MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20}),
		ReadTimeout: cfg.Server.ReadTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("cutout ready", "addr", cfg.Server.Addr, "assets", cfg.Assets.Driver, "worker", cfg.Bridge.Worker)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// worker 子进程模式，stdout 只用于帧传输
func worker(ctx context.Context, cfg *config.Config) error {
	deps, _, closeCache, err := newDeps(cfg)
	if err != nil {
		return err
	}
	defer closeCache()
	return pipeline.ServeStream(ctx, deps, os.Stdin, os.Stdout)
}

// remove 单文件模式
func remove(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	engine := fs.String("engine", "", "baseline, parametric or alternate")
	format := fs.String("format", "png", "png, webp or jpeg")
	quality := fs.Int("quality", compose.DefaultQuality, "export quality 1-100")
	bg := fs.String("bg", "", "background color, empty for transparent")
	auto := fs.Bool("auto", true, "detect image type")
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *out == "" {
		return errors.New(usage)
	}

	defer util.Trace("remove " + fs.Arg(0))()

	img, err := util.LoadImage(ctx, nhttp.NewHTTPClient(), fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	opts := rembg.DefaultOptions()
	opts.Engine = rembg.EngineKind(*engine)
	opts.ExportFormat = compose.Format(*format)
	opts.ExportQuality = *quality
	opts.AutoDetect = *auto
	if *bg != "" {
		opts.Background = compose.Background{Kind: compose.KindColor, Color: *bg}
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	deps, _, closeCache, err := newDeps(cfg)
	if err != nil {
		return err
	}
	defer closeCache()
	b, err := newBridge(cfg, deps, nil)
	if err != nil {
		return err
	}
	defer b.Dispose()

	res, err := b.Process(ctx, pixel.FromImage(img), opts, func(p rembg.Progress) {
		slog.Debug("progress", "stage", p.Stage, "percent", p.Percent)
	})
	if err != nil {
		return err
	}
	if err := util.SaveFile(*out, res.Blob); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	slog.Info("done", "output", *out, "engine", res.EngineUsed, "model", res.ModelUsed, "elapsed", res.ProcessingTime())
	return nil
}
