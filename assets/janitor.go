package assets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSpec = "@every 1h"

// Janitor 定时清理过期资源
type Janitor struct {
	cache Cache
	ttl   time.Duration
	cron  *cron.Cron
}

func NewJanitor(cache Cache, ttl time.Duration, spec string) (*Janitor, error) {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	j := &Janitor{
		cache: cache,
		ttl:   ttl,
		cron:  cron.New(),
	}
	if _, err := j.cron.AddFunc(spec, func() { _, _ = j.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule asset sweep %q: %w", spec, err)
	}
	return j, nil
}

// Sweep 立即执行一次清理
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.ttl <= 0 {
		return 0, nil
	}
	n, err := j.cache.Prune(ctx, j.ttl)
	if err != nil {
		slog.Error("asset sweep failed", "error", err)
		return n, err
	}
	if n > 0 {
		slog.Info("asset sweep done", "pruned", n)
	}
	return n, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop 停止调度并等待正在运行的清理结束
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
