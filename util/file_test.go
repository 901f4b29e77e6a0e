package util

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nhttp "github.com/chaos-io/cutout/util/http"
)

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.NRGBA{R: 200, A: 255})
	out := &bytes.Buffer{}
	require.NoError(t, png.Encode(out, img))
	return out.Bytes()
}

func TestDecodeImage(t *testing.T) {
	t.Parallel()

	img, format, err := DecodeImage(encodePNG(t))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())

	_, _, err = DecodeImage(nil)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, _, err = DecodeImage([]byte("not an image"))
	assert.ErrorContains(t, err, "decode image")
}

func TestSaveAndOpenImage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "a.png")
	require.NoError(t, SaveFile(path, encodePNG(t)))

	img, err := OpenImage(path)
	require.NoError(t, err)
	r, _, _, a := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(200*0x101), r)
	assert.Equal(t, uint32(0xffff), a)

	_, err = OpenImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadImage(t *testing.T) {
	t.Parallel()

	data := encodePNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	defer server.Close()

	cli := nhttp.NewHTTPClient()
	img, err := LoadImage(context.Background(), cli, server.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())

	_, err = LoadImage(context.Background(), cli, server.URL+"/b.png")
	assert.ErrorContains(t, err, "status 404")

	path := filepath.Join(t.TempDir(), "local.png")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	img, err = LoadImage(context.Background(), cli, path)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dy())
}
