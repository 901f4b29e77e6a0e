package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"github.com/chaos-io/cutout/bridge"
	"github.com/chaos-io/cutout/compose"
	"github.com/chaos-io/cutout/mask"
	"github.com/chaos-io/cutout/pixel"
	"github.com/chaos-io/cutout/rembg"
	"github.com/chaos-io/cutout/util"
)

// StatusClientClosedRequest 请求被取消
const StatusClientClosedRequest = 499

type errorResponse struct {
	Code    rembg.ErrorCode `json:"code"`
	Engine  string          `json:"engine,omitempty"`
	Message string          `json:"message"`
}

// StatusOf 错误分类到 HTTP 状态码
func StatusOf(err error) int {
	switch {
	case errors.Is(err, bridge.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, bridge.ErrDisposed):
		return http.StatusServiceUnavailable
	}
	switch rembg.CodeOf(err) {
	case rembg.CodeInvalidInput:
		return http.StatusBadRequest
	case rembg.CodeUnsupportedBackend:
		return http.StatusUnprocessableEntity
	case rembg.CodeCancelled:
		return StatusClientClosedRequest
	case rembg.CodeContextLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	resp := errorResponse{Code: rembg.CodeOf(err), Message: err.Error()}
	var ee *rembg.EngineError
	if errors.As(err, &ee) {
		resp.Engine = ee.Engine
	}
	c.AbortWithStatusJSON(StatusOf(err), resp)
}

func invalid(msg string, cause error) error {
	return rembg.NewInvalidInputError(msg, cause)
}

func readUpload(fh *multipart.FileHeader) (*pixel.Buffer, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, invalid("open upload", err)
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, invalid("read upload", err)
	}
	img, _, err := util.DecodeImage(data)
	if err != nil {
		return nil, invalid("unsupported image", err)
	}
	return pixel.FromImage(img), nil
}

func readImage(c *gin.Context, field string) (*pixel.Buffer, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, invalid(fmt.Sprintf("multipart field %q is required", field), err)
	}
	return readUpload(fh)
}

// readOptions options 字段为 JSON，缺省时使用默认参数
func readOptions(c *gin.Context) (rembg.Options, error) {
	opts := rembg.DefaultOptions()
	raw := c.PostForm("options")
	if raw == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return opts, invalid("malformed options", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func (s *Server) capabilities(c *gin.Context) {
	caps, err := s.svc.Capabilities(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, caps)
}

func (s *Server) preload(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.Preload(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": id, "status": "ready"})
}

func (s *Server) remove(c *gin.Context) {
	buf, err := readImage(c, "image")
	if err != nil {
		writeError(c, err)
		return
	}
	opts, err := readOptions(c)
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := s.svc.Process(c.Request.Context(), buf, opts, nil)
	if err != nil {
		writeError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("X-Cutout-Engine", res.EngineUsed)
	h.Set("X-Cutout-Model", res.ModelUsed)
	h.Set("X-Cutout-Processing-Ms", strconv.FormatFloat(res.ProcessingTimeMs, 'f', 1, 64))
	h.Set("X-Cutout-Resolution", fmt.Sprintf("%dx%d", res.Resolution.Width, res.Resolution.Height))
	if res.ExecutionProvider != "" {
		h.Set("X-Cutout-Execution-Provider", res.ExecutionProvider)
	}
	if res.RefinementApplied {
		h.Set("X-Cutout-Refined", "true")
	}
	if res.Analysis != nil {
		h.Set("X-Cutout-Detected-Type", string(res.Analysis.DetectedType))
	}
	c.Data(http.StatusOK, res.MimeType, res.Blob)
}

func (s *Server) analyze(c *gin.Context) {
	buf, err := readImage(c, "image")
	if err != nil {
		writeError(c, err)
		return
	}
	a, err := s.svc.Analyze(c.Request.Context(), buf)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// colorKey 手动取色去除，不经过引擎
func (s *Server) colorKey(c *gin.Context) {
	buf, err := readImage(c, "image")
	if err != nil {
		writeError(c, err)
		return
	}
	key, err := compose.ParseColor(c.PostForm("color"))
	if err != nil {
		writeError(c, invalid("invalid color", err))
		return
	}
	tolerance := float64(mask.ColorTolerance)
	if raw := c.PostForm("tolerance"); raw != "" {
		tolerance, err = strconv.ParseFloat(raw, 64)
		if err != nil || tolerance < 0 {
			writeError(c, invalid(fmt.Sprintf("invalid tolerance %q", raw), err))
			return
		}
	}

	out, cleared := mask.ColorKey(buf, mask.RGB{R: key.R, G: key.G, B: key.B}, tolerance)
	blob, err := compose.Encode(out, compose.FormatPNG, 0)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Cutout-Cleared-Pixels", strconv.Itoa(cleared))
	c.Data(http.StatusOK, compose.FormatPNG.MimeType(), blob)
}

// BatchStatus 批处理单项状态
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchError      BatchStatus = "error"
)

type BatchItem struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Status           BatchStatus       `json:"status"`
	Error            *errorResponse    `json:"error,omitempty"`
	MimeType         string            `json:"mimeType,omitempty"`
	Blob             []byte            `json:"blob,omitempty"`
	EngineUsed       string            `json:"engineUsed,omitempty"`
	ProcessingTimeMs float64           `json:"processingTimeMs,omitempty"`
	Resolution       *rembg.Resolution `json:"resolution,omitempty"`
}

type BatchResponse struct {
	Items     []*BatchItem `json:"items"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
}

// batch 顺序处理，单项失败不影响其余项
func (s *Server) batch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, invalid("multipart form is required", err))
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		writeError(c, invalid(`multipart field "images" is required`, nil))
		return
	}
	opts, err := readOptions(c)
	if err != nil {
		writeError(c, err)
		return
	}

	items := make([]*BatchItem, len(files))
	for i, fh := range files {
		items[i] = &BatchItem{ID: ksuid.New().String(), Name: fh.Filename, Status: BatchPending}
	}

	resp := BatchResponse{Items: items}
	ctx := c.Request.Context()
	for i, fh := range files {
		item := items[i]
		item.Status = BatchProcessing

		res, err := s.processUpload(c, fh, opts)
		if err != nil {
			item.Status = BatchError
			item.Error = &errorResponse{Code: rembg.CodeOf(err), Message: err.Error()}
			resp.Failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		item.Status = BatchCompleted
		item.MimeType = res.MimeType
		item.Blob = res.Blob
		item.EngineUsed = res.EngineUsed
		item.ProcessingTimeMs = res.ProcessingTimeMs
		item.Resolution = &res.Resolution
		resp.Completed++
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) processUpload(c *gin.Context, fh *multipart.FileHeader, opts rembg.Options) (*rembg.Result, error) {
	buf, err := readUpload(fh)
	if err != nil {
		return nil, err
	}
	return s.svc.Process(c.Request.Context(), buf, opts, nil)
}
