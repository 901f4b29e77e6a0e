package analyzer

import "math"

// 决策规则阈值，按优先级依次匹配
const (
	graphicSharpRatio    = 0.3
	personSkinConfidence = 0.3
	personOrganicRatio   = 0.2
	mixedSharpRatio      = 0.2
	productSharpRatio    = 0.6
	productUniformShare  = 0.4
	productGeometric     = 0.5

	maxConfidence = 0.95
)

func (a *Analyzer) decide(s Signals) *Analysis {
	c, e, p := s.Color, s.Edge, s.Pattern

	out := &Analysis{
		DetectedType:   TypeAuto,
		Confidence:     0.5,
		SuggestedMode:  ModeGeneral,
		SuggestedModel: ModelGeneralPurpose,
		Signals:        s,
		Features: Features{
			HasPerson:         c.HasSkinTones && e.OrganicRatio > personOrganicRatio,
			HasMultiplePeople: c.HasSkinTones && c.MultipleSkinArea,
			HasText:           p.HasText,
			IsGraphic:         e.SharpRatio > productSharpRatio && c.LimitedColors,
			IsProduct:         e.GeometricRatio > 0.4 && c.UniformRegions > 0.3,
			Complexity:        e.Complexity,
		},
	}

	switch {
	// 少色 + 锐利边缘：插画、图标、logo
	case c.LimitedColors && e.SharpRatio > graphicSharpRatio:
		out.DetectedType = TypeGraphic
		out.SuggestedMode = ModeIllustration
		out.SuggestedModel = ModelDetailed
		out.Confidence = math.Min(maxConfidence, 0.7+e.SharpRatio*0.3)

	case c.HasSkinTones && c.SkinConfidence > personSkinConfidence && e.OrganicRatio > personOrganicRatio:
		out.DetectedType = TypePerson
		out.SuggestedMode = ModePortrait
		out.SuggestedModel = ModelGeneralPurpose
		out.Confidence = math.Min(0.9, c.SkinConfidence+e.OrganicRatio)

	// 带人物的插画
	case c.HasSkinTones && (c.LimitedColors || e.SharpRatio > mixedSharpRatio):
		out.DetectedType = TypeGraphic
		out.SuggestedMode = ModeIllustration
		out.SuggestedModel = ModelDetailed
		out.Confidence = 0.9

	case e.SharpRatio > productSharpRatio && c.UniformRegions > productUniformShare:
		if p.IsSymmetric && e.GeometricRatio > productGeometric {
			out.DetectedType = TypeProduct
			out.SuggestedMode = ModeProduct
			out.SuggestedModel = ModelDetailed
			out.Confidence = 0.8
		} else {
			out.DetectedType = TypeObject
			out.SuggestedMode = ModeObject
			out.SuggestedModel = ModelLightweight
			out.Confidence = 0.7
		}
	}

	return out
}
