package bridge

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
)

// MessageType 信封类型
type MessageType string

const (
	TypeInitialize   MessageType = "initialize"
	TypeProcess      MessageType = "process"
	TypeCapabilities MessageType = "capabilities"
	TypePreload      MessageType = "preload"
	TypeAnalyze      MessageType = "analyze"
	TypeCleanup      MessageType = "cleanup"
	TypeCancel       MessageType = "cancel"

	TypeProgress MessageType = "progress"
	TypeResult   MessageType = "result"
	TypeError    MessageType = "error"
)

// Terminal 结果、错误和能力应答都会结束一个请求
func (t MessageType) Terminal() bool {
	return t == TypeResult || t == TypeError || t == TypeCapabilities
}

// Envelope 通道上传输的唯一消息形态
type Envelope struct {
	ID      string             `msgpack:"id" json:"id"`
	Type    MessageType        `msgpack:"type" json:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty" json:"payload,omitempty"`
}

type InitializePayload struct {
	EngineKind rembg.EngineKind `msgpack:"engineKind"`
	Options    rembg.Options    `msgpack:"options"`
}

type ProcessPayload struct {
	EngineKind  rembg.EngineKind `msgpack:"engineKind"`
	PixelBuffer *pixel.Buffer    `msgpack:"pixelBuffer"`
	Options     rembg.Options    `msgpack:"options"`
}

type PreloadPayload struct {
	Model string `msgpack:"model"`
}

type AnalyzePayload struct {
	PixelBuffer *pixel.Buffer `msgpack:"pixelBuffer"`
}

type CancelPayload struct {
	TargetID string `msgpack:"targetId"`
}

type ErrorPayload struct {
	Code    rembg.ErrorCode `msgpack:"code"`
	Engine  string          `msgpack:"engine,omitempty"`
	Message string          `msgpack:"message"`
}

// Err 还原为 EngineError，保留错误分类
func (p ErrorPayload) Err() error {
	return &rembg.EngineError{Code: p.Code, Engine: p.Engine, Message: p.Message}
}

// ErrorPayloadOf 把任意错误转成错误载荷
func ErrorPayloadOf(err error) ErrorPayload {
	p := ErrorPayload{Code: rembg.CodeOf(err), Message: err.Error()}
	if ee, ok := err.(*rembg.EngineError); ok {
		p.Engine = ee.Engine
		p.Message = ee.Message
		if ee.Cause != nil {
			p.Message += ": " + ee.Cause.Error()
		}
	}
	return p
}

// AckPayload 无返回值请求的应答
type AckPayload struct {
	OK bool `msgpack:"ok"`
}

// Encode 编码信封，payload 可以为 nil
func Encode(id string, t MessageType, payload any) ([]byte, error) {
	env := Envelope{ID: id, Type: t}
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	frame, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return frame, nil
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// DecodePayload 解码 payload，失败时返回 InvalidInputError
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return rembg.NewInvalidInputError(fmt.Sprintf("%s payload is empty", env.Type), nil)
	}
	if err := msgpack.Unmarshal(env.Payload, out); err != nil {
		return rembg.NewInvalidInputError(fmt.Sprintf("malformed %s payload", env.Type), err)
	}
	return nil
}
