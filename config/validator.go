package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Validate 校验配置并补齐缺省值
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if cfg.Server.ReadTimeoutS < 0 || cfg.Server.ShutdownTimeoutS < 0 {
		return fmt.Errorf("server timeouts must be >= 0")
	}
	if cfg.Server.MaxUploadMB <= 0 {
		cfg.Server.MaxUploadMB = 32
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	case "":
		cfg.Log.Format = "text"
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	switch cfg.Assets.Driver {
	case "memory":
	case "filesystem":
		if cfg.Assets.Dir == "" {
			return fmt.Errorf("assets.dir is required for the filesystem driver")
		}
	case "redis":
		if cfg.Assets.RedisAddr == "" {
			return fmt.Errorf("assets.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("assets.driver must be memory, filesystem or redis, got %q", cfg.Assets.Driver)
	}
	if cfg.Assets.TTLS < 0 {
		return fmt.Errorf("assets.ttl_s must be >= 0")
	}

	if cfg.Models.BaseURL != "" && !strings.HasPrefix(cfg.Models.BaseURL, "http://") && !strings.HasPrefix(cfg.Models.BaseURL, "https://") {
		return fmt.Errorf("models.base_url must be an http(s) url, got %q", cfg.Models.BaseURL)
	}

	if cfg.Bridge.MaxPending <= 0 {
		cfg.Bridge.MaxPending = 64
	}
	if cfg.Probe.MaxResolution < 0 || cfg.Probe.MaxResolution > 4096 {
		return fmt.Errorf("probe.max_resolution must be within 0-4096, got %d", cfg.Probe.MaxResolution)
	}
	return nil
}

// ParseLevel 日志级别，空值为 info
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
}
