package rembg

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string][]byte

func (m mapSource) Fetch(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "rmbg-1.4", want: ModelGeneralPurpose},
		{in: "u2netp", want: ModelLightweight},
		{in: "u2net", want: ModelDetailed},
		{in: "modnet", want: ModelPortrait},
		{in: "hq-sam", want: ModelRefiner},
		{in: ModelDetailed, want: ModelDetailed},
		{in: "sam-2", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := Resolve(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownModel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveModel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ModelBaseline, ResolveModel(KindBaseline, Options{Model: ModelDetailed}))
	assert.Equal(t, ModelPortrait, ResolveModel(KindAlternate, Options{Model: ModelDetailed}))
	assert.Equal(t, ModelLightweight, ResolveModel(KindParametric, Options{}))
	assert.Equal(t, ModelGeneralPurpose, ResolveModel(KindParametric, Options{RefineWithHQSAM: true}))
	assert.Equal(t, ModelDetailed, ResolveModel(KindParametric, Options{Model: "u2net"}))
	assert.Equal(t, "sam-2", ResolveModel(KindParametric, Options{Model: "sam-2"}))
}

func TestModelStore_LoadBuiltin(t *testing.T) {
	t.Parallel()

	store := newTestDeps(t).Models
	for _, id := range append(SupportedModels(), ModelBaseline, ModelRefiner) {
		m, err := store.Load(context.Background(), id)
		require.NoError(t, err, id)
		assert.Equal(t, id, m.ID)
		assert.NoError(t, m.Validate())
	}

	m, err := store.Load(context.Background(), "modnet")
	require.NoError(t, err)
	assert.Equal(t, "portrait", m.Kernel)
}

func TestModelStore_LoadErrors(t *testing.T) {
	t.Parallel()

	src := mapSource{}
	src["https://models.example.com/detailed.yaml"] = []byte("id: detailed\nkernel: color-distance\nlow: 10\nhigh: 40\nborder: 0.03\n")
	src["https://models.example.com/portrait.yaml"] = []byte("id: [oops")
	src["https://models.example.com/lightweight.yaml"] = []byte("id: lightweight\nkernel: onnx\nlow: 10\nhigh: 40\nborder: 0.03\n")
	store := NewModelStore(src, "https://models.example.com/")
	assert.Equal(t, "https://models.example.com/detailed.yaml", store.Key(ModelDetailed))

	ctx := context.Background()
	m, err := store.Load(ctx, "u2net")
	require.NoError(t, err)
	assert.Equal(t, 40.0, m.High)

	for _, id := range []string{"sam-2", ModelPortrait, ModelLightweight, ModelGeneralPurpose} {
		_, err := store.Load(ctx, id)
		assert.ErrorIs(t, err, ErrInitialization, id)
	}
}

func TestModel_Validate(t *testing.T) {
	t.Parallel()

	ok := Model{ID: "x", Kernel: "color-distance", Low: 1, High: 2, Border: 0.1}
	assert.NoError(t, ok.Validate())

	bad := []func(m *Model){
		func(m *Model) { m.ID = "" },
		func(m *Model) { m.Kernel = "onnx" },
		func(m *Model) { m.InputSize = MaxResolution + 1 },
		func(m *Model) { m.High = m.Low },
		func(m *Model) { m.Border = 0.5 },
	}
	for i, mutate := range bad {
		m := ok
		mutate(&m)
		assert.Error(t, m.Validate(), "case %d", i)
	}
}
