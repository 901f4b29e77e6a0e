package compose

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/chaos-io/cutout/pixel"
)

// Kind 背景类型
type Kind string

const (
	KindTransparent Kind = "transparent"
	KindColor       Kind = "color"
	KindGradient    Kind = "gradient"
	KindBlur        Kind = "blur"
	KindImage       Kind = "image"
)

const (
	DefaultColor         = "#ffffff"
	DefaultGradientStart = "#ff0000"
	DefaultGradientEnd   = "#0000ff"

	// BlurSigma 模糊背景的固定半径
	BlurSigma = 20.0
)

var ErrInvalidColor = errors.New("invalid color")

type Gradient struct {
	Start string `msgpack:"start" json:"start"`
	End   string `msgpack:"end" json:"end"`
	// Direction 角度，0 为从左到右，90 为从上到下
	Direction float64 `msgpack:"direction" json:"direction"`
}

// Background 背景设置
type Background struct {
	Kind     Kind      `msgpack:"kind" json:"kind"`
	Color    string    `msgpack:"color,omitempty" json:"color,omitempty"`
	Gradient *Gradient `msgpack:"gradient,omitempty" json:"gradient,omitempty"`
	// Image 自定义背景图的编码字节
	Image []byte `msgpack:"image,omitempty" json:"image,omitempty"`
}

func (b Background) Validate() error {
	switch b.Kind {
	case "", KindTransparent, KindBlur, KindImage:
		return nil
	case KindColor:
		if b.Color == "" {
			return nil
		}
		_, err := ParseColor(b.Color)
		return err
	case KindGradient:
		if b.Gradient == nil {
			return nil
		}
		for _, c := range []string{b.Gradient.Start, b.Gradient.End} {
			if c == "" {
				continue
			}
			if _, err := ParseColor(c); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown background kind %q", b.Kind)
	}
}

// Apply 先绘制背景，再把带 alpha 的主体叠加到背景之上
// subject 与 original 尺寸一致，transparent 时原样返回 subject 的拷贝
func Apply(subject, original *pixel.Buffer, bg Background) (*pixel.Buffer, error) {
	if bg.Kind == "" || bg.Kind == KindTransparent {
		return subject.Clone(), nil
	}

	canvas, err := paint(original, bg)
	if err != nil {
		return nil, err
	}

	draw.Draw(canvas, canvas.Bounds(), subject.ToNRGBA(), image.Point{}, draw.Over)
	return pixel.FromImage(canvas), nil
}

func paint(original *pixel.Buffer, bg Background) (*image.NRGBA, error) {
	w, h := original.Width, original.Height
	rect := image.Rect(0, 0, w, h)

	switch bg.Kind {
	case KindColor:
		c, err := ParseColor(or(bg.Color, DefaultColor))
		if err != nil {
			return nil, err
		}
		return fill(rect, c), nil

	case KindGradient:
		g := Gradient{Start: DefaultGradientStart, End: DefaultGradientEnd}
		if bg.Gradient != nil {
			g.Start = or(bg.Gradient.Start, g.Start)
			g.End = or(bg.Gradient.End, g.End)
			g.Direction = bg.Gradient.Direction
		}
		return linearGradient(rect, g)

	case KindBlur:
		return imaging.Blur(original.ToNRGBA(), BlurSigma), nil

	case KindImage:
		img, _, err := image.Decode(bytes.NewReader(bg.Image))
		if err != nil {
			// 背景图无法加载时退化为白底
			slog.Warn("custom background unavailable, falling back to white", "error", err)
			return fill(rect, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), nil
		}
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos), nil

	default:
		return nil, fmt.Errorf("unknown background kind %q", bg.Kind)
	}
}

func fill(rect image.Rectangle, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(rect)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// linearGradient 方向向量为 (cosθ·w, sinθ·h)，起点为左上角
func linearGradient(rect image.Rectangle, g Gradient) (*image.NRGBA, error) {
	start, err := ParseColor(g.Start)
	if err != nil {
		return nil, err
	}
	end, err := ParseColor(g.End)
	if err != nil {
		return nil, err
	}

	w, h := rect.Dx(), rect.Dy()
	theta := g.Direction * math.Pi / 180
	vx, vy := math.Cos(theta)*float64(w), math.Sin(theta)*float64(h)
	length := vx*vx + vy*vy

	img := image.NewNRGBA(rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := 0.0
			if length > 0 {
				t = (float64(x)*vx + float64(y)*vy) / length
			}
			t = math.Max(0, math.Min(1, t))
			i := y*img.Stride + x*4
			img.Pix[i] = lerp(start.R, end.R, t)
			img.Pix[i+1] = lerp(start.G, end.G, t)
			img.Pix[i+2] = lerp(start.B, end.B, t)
			img.Pix[i+3] = lerp(start.A, end.A, t)
		}
	}
	return img, nil
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*t))
}

// ParseColor 解析 #rgb 或 #rrggbb
func ParseColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
