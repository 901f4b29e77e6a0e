package analyzer

// ImageType 图片内容类型
type ImageType string

const (
	TypeAuto    ImageType = "auto"
	TypePerson  ImageType = "person"
	TypeObject  ImageType = "object"
	TypeGraphic ImageType = "graphic"
	TypeProduct ImageType = "product"
)

// Mode 处理模式
type Mode string

const (
	ModeGeneral      Mode = "general"
	ModePortrait     Mode = "portrait"
	ModeObject       Mode = "object"
	ModeLogo         Mode = "logo"
	ModeProduct      Mode = "product"
	ModeIllustration Mode = "illustration"
)

// Complexity 边缘密度分级
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// 建议模型，与 rembg 模型目录中的 id 一致
const (
	ModelGeneralPurpose = "general-purpose"
	ModelLightweight    = "lightweight"
	ModelDetailed       = "detailed"
)

type Features struct {
	HasPerson         bool       `msgpack:"hasPerson" json:"hasPerson"`
	HasMultiplePeople bool       `msgpack:"hasMultiplePeople" json:"hasMultiplePeople"`
	HasText           bool       `msgpack:"hasText" json:"hasText"`
	IsGraphic         bool       `msgpack:"isGraphic" json:"isGraphic"`
	IsProduct         bool       `msgpack:"isProduct" json:"isProduct"`
	Complexity        Complexity `msgpack:"complexity" json:"complexity"`
}

// ColorStats 颜色分析结果
type ColorStats struct {
	UniqueBuckets    int     `msgpack:"uniqueBuckets" json:"uniqueBuckets"`
	LimitedColors    bool    `msgpack:"limitedColors" json:"limitedColors"`
	UniformRegions   float64 `msgpack:"uniformRegions" json:"uniformRegions"`
	SkinRatio        float64 `msgpack:"skinRatio" json:"skinRatio"`
	HasSkinTones     bool    `msgpack:"hasSkinTones" json:"hasSkinTones"`
	SkinConfidence   float64 `msgpack:"skinConfidence" json:"skinConfidence"`
	SkinRegions      int     `msgpack:"skinRegions" json:"skinRegions"`
	MultipleSkinArea bool    `msgpack:"multipleSkinArea" json:"multipleSkinArea"`
}

// EdgeStats 边缘分析结果，比例均以总像素数为分母
type EdgeStats struct {
	SharpRatio     float64    `msgpack:"sharpRatio" json:"sharpRatio"`
	GeometricRatio float64    `msgpack:"geometricRatio" json:"geometricRatio"`
	OrganicRatio   float64    `msgpack:"organicRatio" json:"organicRatio"`
	Complexity     Complexity `msgpack:"complexity" json:"complexity"`
}

// PatternStats 纹理与对称性分析结果
type PatternStats struct {
	TextBlocks    int     `msgpack:"textBlocks" json:"textBlocks"`
	HasText       bool    `msgpack:"hasText" json:"hasText"`
	SymmetryScore float64 `msgpack:"symmetryScore" json:"symmetryScore"`
	IsSymmetric   bool    `msgpack:"isSymmetric" json:"isSymmetric"`
}

type Signals struct {
	Color   ColorStats   `msgpack:"color" json:"color"`
	Edge    EdgeStats    `msgpack:"edge" json:"edge"`
	Pattern PatternStats `msgpack:"pattern" json:"pattern"`
}

// Analysis 一次 Analyze 的输出，只读
type Analysis struct {
	DetectedType   ImageType `msgpack:"detectedType" json:"detectedType"`
	Confidence     float64   `msgpack:"confidence" json:"confidence"`
	SuggestedMode  Mode      `msgpack:"suggestedMode" json:"suggestedMode"`
	SuggestedModel string    `msgpack:"suggestedModel" json:"suggestedModel"`
	Features       Features  `msgpack:"features" json:"features"`
	Signals        Signals   `msgpack:"signals" json:"signals"`
}
