package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 服务完整配置
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Assets AssetsConfig `yaml:"assets"`
	Models ModelsConfig `yaml:"models"`
	Bridge BridgeConfig `yaml:"bridge"`
	Probe  ProbeConfig  `yaml:"probe"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"`
	ReadTimeoutS     int    `yaml:"read_timeout_s"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
	// MaxUploadMB 单次上传上限
	MaxUploadMB int `yaml:"max_upload_mb"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type AssetsConfig struct {
	Driver    string `yaml:"driver"` // memory, filesystem, redis
	Dir       string `yaml:"dir"`
	RedisAddr string `yaml:"redis_addr"`
	TTLS      int    `yaml:"ttl_s"`
	// SweepSpec cron 表达式，如 "@every 1h"
	SweepSpec string `yaml:"sweep_spec"`
}

type ModelsConfig struct {
	// BaseURL 为空时使用内置模型描述
	BaseURL string `yaml:"base_url"`
}

type BridgeConfig struct {
	MaxPending int `yaml:"max_pending"`
	// Worker 为 true 时执行上下文运行在子进程中
	Worker bool `yaml:"worker"`
}

type ProbeConfig struct {
	GPUCompute    *bool `yaml:"gpu_compute,omitempty"`
	GPURaster     *bool `yaml:"gpu_raster,omitempty"`
	MaxResolution int   `yaml:"max_resolution"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			ReadTimeoutS:     30,
			ShutdownTimeoutS: 10,
			MaxUploadMB:      32,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Assets: AssetsConfig{
			Driver:    "memory",
			Dir:       "./data/assets",
			RedisAddr: "localhost:6379",
			TTLS:      7 * 24 * 3600,
			SweepSpec: "@every 1h",
		},
		Bridge: BridgeConfig{MaxPending: 64},
		Probe:  ProbeConfig{MaxResolution: 4096},
	}
}

// Load 依次应用默认值、.env、YAML 文件和 CUTOUT_* 环境变量，path 为空时跳过 YAML
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst **bool) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = &b
		return nil
	}

	str("CUTOUT_ADDR", &cfg.Server.Addr)
	str("CUTOUT_LOG_LEVEL", &cfg.Log.Level)
	str("CUTOUT_LOG_FORMAT", &cfg.Log.Format)
	str("CUTOUT_ASSETS_DRIVER", &cfg.Assets.Driver)
	str("CUTOUT_ASSETS_DIR", &cfg.Assets.Dir)
	str("CUTOUT_REDIS_ADDR", &cfg.Assets.RedisAddr)
	str("CUTOUT_SWEEP_SPEC", &cfg.Assets.SweepSpec)
	str("CUTOUT_MODELS_BASE_URL", &cfg.Models.BaseURL)

	var worker *bool
	for _, err := range []error{
		num("CUTOUT_READ_TIMEOUT_S", &cfg.Server.ReadTimeoutS),
		num("CUTOUT_SHUTDOWN_TIMEOUT_S", &cfg.Server.ShutdownTimeoutS),
		num("CUTOUT_MAX_UPLOAD_MB", &cfg.Server.MaxUploadMB),
		num("CUTOUT_ASSETS_TTL_S", &cfg.Assets.TTLS),
		num("CUTOUT_MAX_PENDING", &cfg.Bridge.MaxPending),
		num("CUTOUT_MAX_RESOLUTION", &cfg.Probe.MaxResolution),
		flag("CUTOUT_GPU_COMPUTE", &cfg.Probe.GPUCompute),
		flag("CUTOUT_GPU_RASTER", &cfg.Probe.GPURaster),
		flag("CUTOUT_WORKER", &worker),
	} {
		if err != nil {
			return err
		}
	}
	if worker != nil {
		cfg.Bridge.Worker = *worker
	}
	return nil
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutS) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutS) * time.Second
}

func (a AssetsConfig) TTL() time.Duration {
	return time.Duration(a.TTLS) * time.Second
}
