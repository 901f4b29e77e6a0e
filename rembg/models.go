package rembg

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"gopkg.in/yaml.v3"
)

// 模型 id
const (
	ModelBaseline       = "baseline"
	ModelGeneralPurpose = "general-purpose"
	ModelLightweight    = "lightweight"
	ModelDetailed       = "detailed"
	ModelPortrait       = "portrait"
	ModelRefiner        = "refiner"
)

// 常见模型名到内置模型的映射
var modelAliases = map[string]string{
	"rmbg-1.4": ModelGeneralPurpose,
	"u2netp":   ModelLightweight,
	"u2net":    ModelDetailed,
	"modnet":   ModelPortrait,
	"hq-sam":   ModelRefiner,
}

var knownModels = map[string]bool{
	ModelBaseline:       true,
	ModelGeneralPurpose: true,
	ModelLightweight:    true,
	ModelDetailed:       true,
	ModelPortrait:       true,
	ModelRefiner:        true,
}

//go:embed models/*.yaml
var builtinModels embed.FS

// BuiltinModels 内置模型描述，路径形如 models/<id>.yaml
func BuiltinModels() fs.FS {
	return builtinModels
}

// SupportedModels 对外可选的模型
func SupportedModels() []string {
	return []string{ModelGeneralPurpose, ModelLightweight, ModelDetailed, ModelPortrait}
}

var ErrUnknownModel = errors.New("unknown model")

// Model 模型描述，权重之外的全部运行参数
type Model struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	// Kernel 运行时内核
	Kernel string `yaml:"kernel"`
	// InputSize 方形输入边长，0 表示原尺寸
	InputSize int `yaml:"input_size"`
	// Low, High 颜色距离映射到 alpha 的区间
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
	// Border 估计背景色时采样的边框宽度占比
	Border float64 `yaml:"border"`
}

func (m *Model) Validate() error {
	if m.ID == "" {
		return errors.New("model id is empty")
	}
	if _, ok := kernels[m.Kernel]; !ok {
		return fmt.Errorf("unknown kernel %q", m.Kernel)
	}
	if m.InputSize < 0 || m.InputSize > MaxResolution {
		return fmt.Errorf("input size %d out of range", m.InputSize)
	}
	if m.High <= m.Low || m.Low < 0 {
		return fmt.Errorf("invalid alpha range [%v, %v]", m.Low, m.High)
	}
	if m.Border <= 0 || m.Border >= 0.5 {
		return fmt.Errorf("border share %v out of range", m.Border)
	}
	return nil
}

// Source 模型字节来源，assets.Fetcher 满足该接口
type Source interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// ModelStore 按 id 加载模型
type ModelStore struct {
	src     Source
	baseURL string
}

// NewModelStore baseURL 为空时使用内置模型描述
func NewModelStore(src Source, baseURL string) *ModelStore {
	return &ModelStore{src: src, baseURL: strings.TrimRight(baseURL, "/")}
}

// Resolve 把别名解析为模型 id
func Resolve(id string) (string, error) {
	if alias, ok := modelAliases[id]; ok {
		id = alias
	}
	if !knownModels[id] {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return id, nil
}

// Key 模型在资源缓存中的 key
func (s *ModelStore) Key(id string) string {
	if s.baseURL == "" {
		return "models/" + id + ".yaml"
	}
	return s.baseURL + "/" + id + ".yaml"
}

// Load 获取并解析模型，任何失败都是 InitializationError
func (s *ModelStore) Load(ctx context.Context, id string) (*Model, error) {
	resolved, err := Resolve(id)
	if err != nil {
		return nil, NewInitializationError("", err)
	}

	data, err := s.src.Fetch(ctx, s.Key(resolved))
	if err != nil {
		return nil, NewInitializationError("", fmt.Errorf("fetch model %s: %w", resolved, err))
	}

	m := &Model{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, NewInitializationError("", fmt.Errorf("parse model %s: %w", resolved, err))
	}
	if err := m.Validate(); err != nil {
		return nil, NewInitializationError("", fmt.Errorf("parse model %s: %w", resolved, err))
	}
	return m, nil
}

// ResolveModel 引擎实际使用的模型 id
func ResolveModel(kind EngineKind, o Options) string {
	switch kind {
	case KindBaseline:
		return ModelBaseline
	case KindAlternate:
		return ModelPortrait
	}
	if o.Model != "" {
		if id, err := Resolve(o.Model); err == nil {
			return id
		}
		return o.Model
	}
	if o.RefineWithHQSAM {
		return ModelGeneralPurpose
	}
	return ModelLightweight
}
