package rembg

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_Is(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", NewInferenceError(BaselineName, context.DeadlineExceeded))

	assert.ErrorIs(t, err, ErrInference)
	assert.NotErrorIs(t, err, ErrInitialization)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "保留原始错误")
	assert.Equal(t, CodeInference, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeInternal, CodeOf(nil))
}

func TestEngineError_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "UNSUPPORTED_BACKEND [Parametric Runtime]: no backend accepted, tried [gpu-raster, cpu]",
		NewUnsupportedBackendError(ParametricName, []Backend{BackendGPURaster, BackendCPU}).Error())
	assert.Equal(t, "INVALID_INPUT: bad: boom",
		NewInvalidInputError("bad", errors.New("boom")).Error())
	assert.Equal(t, "CONTEXT_LOST: execution context lost", NewContextLostError(nil).Error())
}

func TestWithEngine(t *testing.T) {
	t.Parallel()

	t.Run("补上引擎名", func(t *testing.T) {
		t.Parallel()
		orig := NewInitializationError("", errors.New("fetch"))
		err := WithEngine(BaselineName, orig)

		var ee *EngineError
		assert.True(t, errors.As(err, &ee))
		assert.Equal(t, BaselineName, ee.Engine)
		assert.Equal(t, CodeInitialization, ee.Code)
		assert.Empty(t, orig.Engine, "不修改原错误")
	})

	t.Run("已有引擎名保持不变", func(t *testing.T) {
		t.Parallel()
		orig := NewInferenceError(AlternateName, nil)
		assert.Same(t, orig, WithEngine(BaselineName, orig))
	})

	t.Run("普通错误归为推理错误", func(t *testing.T) {
		t.Parallel()
		err := WithEngine(BaselineName, errors.New("boom"))
		assert.ErrorIs(t, err, ErrInference)
	})
}
