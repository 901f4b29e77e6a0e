package rembg

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode 错误分类
type ErrorCode string

const (
	CodeInitialization     ErrorCode = "INITIALIZATION_FAILED"
	CodeInference          ErrorCode = "INFERENCE_FAILED"
	CodeUnsupportedBackend ErrorCode = "UNSUPPORTED_BACKEND"
	CodeContextLost        ErrorCode = "CONTEXT_LOST"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// EngineError 引擎相关错误，Engine 为出错的引擎名
type EngineError struct {
	Code    ErrorCode
	Engine  string
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	if e.Engine != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Engine)
		sb.WriteString("]")
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is 与同 code 的哨兵错误匹配
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Engine == "" && t.Message == "" && t.Cause == nil
}

var (
	ErrInitialization     = &EngineError{Code: CodeInitialization}
	ErrInference          = &EngineError{Code: CodeInference}
	ErrUnsupportedBackend = &EngineError{Code: CodeUnsupportedBackend}
	ErrContextLost        = &EngineError{Code: CodeContextLost}
	ErrInvalidInput       = &EngineError{Code: CodeInvalidInput}
	ErrCancelled          = &EngineError{Code: CodeCancelled}
)

func NewInitializationError(engine string, cause error) *EngineError {
	return &EngineError{Code: CodeInitialization, Engine: engine, Message: "initialization failed", Cause: cause}
}

func NewInferenceError(engine string, cause error) *EngineError {
	return &EngineError{Code: CodeInference, Engine: engine, Message: "inference failed", Cause: cause}
}

func NewUnsupportedBackendError(engine string, tried []Backend) *EngineError {
	names := make([]string, len(tried))
	for i, b := range tried {
		names[i] = string(b)
	}
	return &EngineError{
		Code:    CodeUnsupportedBackend,
		Engine:  engine,
		Message: fmt.Sprintf("no backend accepted, tried [%s]", strings.Join(names, ", ")),
	}
}

func NewContextLostError(cause error) *EngineError {
	return &EngineError{Code: CodeContextLost, Message: "execution context lost", Cause: cause}
}

func NewInvalidInputError(message string, cause error) *EngineError {
	return &EngineError{Code: CodeInvalidInput, Message: message, Cause: cause}
}

func NewCancelledError(cause error) *EngineError {
	return &EngineError{Code: CodeCancelled, Message: "request cancelled", Cause: cause}
}

// CodeOf 返回错误链上第一个 EngineError 的 code，没有时为 CodeInternal
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeInternal
}

// WithEngine 给未标注引擎名的错误补上引擎名
func WithEngine(engine string, err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Engine == "" {
			cp := *ee
			cp.Engine = engine
			return &cp
		}
		return err
	}
	return NewInferenceError(engine, err)
}
