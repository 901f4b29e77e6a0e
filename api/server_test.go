package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/cutout/analyzer"
	"github.com/chaos-io/cutout/bridge"
	"github.com/chaos-io/cutout/compose"
	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeService 记录收到的参数并返回预设结果
type fakeService struct {
	mu       sync.Mutex
	opts     []rembg.Options
	sizes    [][2]int
	state    bridge.State
	fail     func(buf *pixel.Buffer) error
	preloads []string
}

func (f *fakeService) Process(_ context.Context, buf *pixel.Buffer, opts rembg.Options, _ rembg.ProgressFunc) (*rembg.Result, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.sizes = append(f.sizes, [2]int{buf.Width, buf.Height})
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(buf); err != nil {
			return nil, err
		}
	}
	return &rembg.Result{
		Blob:              []byte("PNGDATA"),
		MimeType:          "image/png",
		ProcessingTimeMs:  12.5,
		EngineUsed:        rembg.ParametricName,
		ModelUsed:         rembg.ModelDetailed,
		Resolution:        rembg.Resolution{Width: buf.Width, Height: buf.Height},
		ExecutionProvider: "cpu",
		RefinementApplied: opts.RefineWithHQSAM,
		Analysis:          &analyzer.Analysis{DetectedType: analyzer.TypeGraphic},
	}, nil
}

func (f *fakeService) Capabilities(context.Context) (*rembg.Capabilities, error) {
	return &rembg.Capabilities{CPU: true, MaxResolution: 4096, SupportedModels: rembg.SupportedModels()}, nil
}

func (f *fakeService) Preload(_ context.Context, model string) error {
	if model == "sam-2" {
		return rembg.NewInitializationError("", rembg.ErrUnknownModel)
	}
	f.mu.Lock()
	f.preloads = append(f.preloads, model)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Analyze(context.Context, *pixel.Buffer) (*analyzer.Analysis, error) {
	return &analyzer.Analysis{DetectedType: analyzer.TypePerson, Confidence: 0.9}, nil
}

func (f *fakeService) State() bridge.State {
	if f.state == "" {
		return bridge.StateReady
	}
	return f.state
}

func (f *fakeService) Pending() int { return 0 }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	buf := pixel.New(w, h)
	for i := range buf.Pix {
		buf.Pix[i] = 255
	}
	buf.Set(0, 0, 255, 0, 0, 255)
	blob, err := compose.Encode(buf, compose.FormatPNG, 0)
	require.NoError(t, err)
	return blob
}

type part struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, path string, files []part, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, p := range files {
		w, err := mw.CreateFormFile(p.field, p.name)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(t *testing.T, svc Service, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := NewRouter(svc, Options{Gatherer: prometheus.NewRegistry()})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()

	w := serve(t, &fakeService{}, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bridge":"ready"`)

	w = serve(t, &fakeService{state: bridge.StateDisposed}, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "cutout_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	r := NewRouter(&fakeService{}, Options{Gatherer: reg})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cutout_test_total 1")
}

func TestRemove(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	req := multipartRequest(t, "/v1/remove",
		[]part{{field: "image", name: "a.png", data: pngBytes(t, 6, 4)}},
		map[string]string{"options": `{"quality":"high","refineWithHQSAM":true,"background":{"kind":"color","color":"#000"}}`})
	w := serve(t, svc, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "PNGDATA", w.Body.String())
	assert.Equal(t, rembg.ParametricName, w.Header().Get("X-Cutout-Engine"))
	assert.Equal(t, rembg.ModelDetailed, w.Header().Get("X-Cutout-Model"))
	assert.Equal(t, "12.5", w.Header().Get("X-Cutout-Processing-Ms"))
	assert.Equal(t, "6x4", w.Header().Get("X-Cutout-Resolution"))
	assert.Equal(t, "cpu", w.Header().Get("X-Cutout-Execution-Provider"))
	assert.Equal(t, "true", w.Header().Get("X-Cutout-Refined"))
	assert.Equal(t, "graphic", w.Header().Get("X-Cutout-Detected-Type"))

	require.Len(t, svc.opts, 1)
	got := svc.opts[0]
	assert.Equal(t, rembg.QualityHigh, got.Quality)
	assert.True(t, got.RefineWithHQSAM)
	assert.Equal(t, compose.KindColor, got.Background.Kind)
	assert.Equal(t, compose.FormatPNG, got.ExportFormat, "未指定的字段保持默认值")
	assert.Equal(t, [2]int{6, 4}, svc.sizes[0])
}

func TestRemove_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
		code   rembg.ErrorCode
	}{
		{
			name: "缺少图片",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/v1/remove", nil, map[string]string{"options": "{}"})
			},
			status: http.StatusBadRequest,
			code:   rembg.CodeInvalidInput,
		},
		{
			name: "无法解码的图片",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/v1/remove", []part{{field: "image", name: "a.png", data: []byte("nope")}}, nil)
			},
			status: http.StatusBadRequest,
			code:   rembg.CodeInvalidInput,
		},
		{
			name: "畸形参数",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/v1/remove", []part{{field: "image", name: "a.png", data: pngBytes(t, 2, 2)}},
					map[string]string{"options": "{"})
			},
			status: http.StatusBadRequest,
			code:   rembg.CodeInvalidInput,
		},
		{
			name: "非法枚举",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/v1/remove", []part{{field: "image", name: "a.png", data: pngBytes(t, 2, 2)}},
					map[string]string{"options": `{"exportFormat":"gif"}`})
			},
			status: http.StatusBadRequest,
			code:   rembg.CodeInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &fakeService{}
			w := serve(t, svc, tt.req(t))
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
			assert.Empty(t, svc.opts, "不调用服务")
		})
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("%w: limit 64", bridge.ErrTooManyRequests), want: http.StatusTooManyRequests},
		{err: bridge.ErrDisposed, want: http.StatusServiceUnavailable},
		{err: rembg.NewInvalidInputError("bad", nil), want: http.StatusBadRequest},
		{err: rembg.NewUnsupportedBackendError(rembg.ParametricName, nil), want: http.StatusUnprocessableEntity},
		{err: rembg.NewCancelledError(context.Canceled), want: StatusClientClosedRequest},
		{err: rembg.NewContextLostError(nil), want: http.StatusServiceUnavailable},
		{err: rembg.NewInferenceError(rembg.BaselineName, nil), want: http.StatusInternalServerError},
		{err: rembg.NewInitializationError(rembg.BaselineName, nil), want: http.StatusInternalServerError},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
}

func TestRemove_EngineError(t *testing.T) {
	t.Parallel()

	svc := &fakeService{fail: func(*pixel.Buffer) error {
		return rembg.NewUnsupportedBackendError(rembg.ParametricName, []rembg.Backend{rembg.BackendCPU})
	}}
	req := multipartRequest(t, "/v1/remove", []part{{field: "image", name: "a.png", data: pngBytes(t, 2, 2)}}, nil)
	w := serve(t, svc, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, rembg.CodeUnsupportedBackend, resp.Code)
	assert.Equal(t, rembg.ParametricName, resp.Engine)
}

func TestCapabilitiesAndPreload(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	w := serve(t, svc, httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var caps rembg.Capabilities
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &caps))
	assert.True(t, caps.CPU)
	assert.Equal(t, rembg.SupportedModels(), caps.SupportedModels)

	w = serve(t, svc, httptest.NewRequest(http.MethodPost, "/v1/models/u2net/preload", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"u2net"}, svc.preloads)

	w = serve(t, svc, httptest.NewRequest(http.MethodPost, "/v1/models/sam-2/preload", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, rembg.CodeInitialization, decodeError(t, w).Code)
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	req := multipartRequest(t, "/v1/analyze", []part{{field: "image", name: "a.png", data: pngBytes(t, 4, 4)}}, nil)
	w := serve(t, &fakeService{}, req)
	require.Equal(t, http.StatusOK, w.Code)
	var a analyzer.Analysis
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, analyzer.TypePerson, a.DetectedType)
}

func TestColorKey(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	req := multipartRequest(t, "/v1/colorkey", []part{{field: "image", name: "a.png", data: pngBytes(t, 4, 4)}},
		map[string]string{"color": "#ffffff", "tolerance": "5"})
	w := serve(t, svc, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "15", w.Header().Get("X-Cutout-Cleared-Pixels"))
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), a, "红色像素保留")
	_, _, _, a = img.At(1, 0).RGBA()
	assert.Zero(t, a)
	assert.Empty(t, svc.opts, "取色去背不经过引擎")

	for _, fields := range []map[string]string{
		{"color": "white"},
		{"color": "#fff", "tolerance": "-1"},
		{"color": "#fff", "tolerance": "x"},
	} {
		req := multipartRequest(t, "/v1/colorkey", []part{{field: "image", name: "a.png", data: pngBytes(t, 4, 4)}}, fields)
		w := serve(t, svc, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, fields)
	}
}

func TestBatch(t *testing.T) {
	t.Parallel()

	svc := &fakeService{fail: func(buf *pixel.Buffer) error {
		if buf.Width == 3 {
			return rembg.NewInferenceError(rembg.ParametricName, errors.New("oom"))
		}
		return nil
	}}
	req := multipartRequest(t, "/v1/batch", []part{
		{field: "images", name: "one.png", data: pngBytes(t, 2, 2)},
		{field: "images", name: "two.png", data: pngBytes(t, 3, 3)},
		{field: "images", name: "three.png", data: []byte("nope")},
		{field: "images", name: "four.png", data: pngBytes(t, 4, 4)},
	}, nil)
	w := serve(t, svc, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 4)
	assert.Equal(t, 2, resp.Completed)
	assert.Equal(t, 2, resp.Failed)

	want := []BatchStatus{BatchCompleted, BatchError, BatchError, BatchCompleted}
	ids := map[string]bool{}
	for i, item := range resp.Items {
		assert.Equal(t, want[i], item.Status, item.Name)
		assert.NotEmpty(t, item.ID)
		ids[item.ID] = true
	}
	assert.Len(t, ids, 4, "每项 id 唯一")
	assert.Equal(t, "one.png", resp.Items[0].Name)
	assert.Equal(t, []byte("PNGDATA"), resp.Items[0].Blob)
	assert.Equal(t, rembg.CodeInference, resp.Items[1].Error.Code)
	assert.Equal(t, rembg.CodeInvalidInput, resp.Items[2].Error.Code)
	assert.Equal(t, &rembg.Resolution{Width: 4, Height: 4}, resp.Items[3].Resolution)

	w = serve(t, svc, multipartRequest(t, "/v1/batch", nil, map[string]string{"options": "{}"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadLimit(t *testing.T) {
	t.Parallel()

	r := NewRouter(&fakeService{}, Options{MaxUploadBytes: 64, Gatherer: prometheus.NewRegistry()})
	req := multipartRequest(t, "/v1/remove", []part{{field: "image", name: "a.png", data: pngBytes(t, 32, 32)}}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
