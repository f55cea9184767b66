package imagemeta_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"geolocator-backend/internal/imagemeta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAllowedContentType(t *testing.T) {
	assert.True(t, imagemeta.AllowedContentType("image/jpeg"))
	assert.True(t, imagemeta.AllowedContentType("image/png"))
	assert.True(t, imagemeta.AllowedContentType("IMAGE/PNG"))
	assert.True(t, imagemeta.AllowedContentType("image/jpeg; charset=binary"))
	assert.False(t, imagemeta.AllowedContentType("image/webp"))
	assert.False(t, imagemeta.AllowedContentType("application/pdf"))
	assert.False(t, imagemeta.AllowedContentType("text/html"))
	assert.False(t, imagemeta.AllowedContentType(""))
}

func TestDescribe(t *testing.T) {
	data := encodePNG(t, 320, 200)
	assert.Equal(t, "Image format: png, Size: 320x200", imagemeta.Describe(data))
}

func TestDescribeUndecodable(t *testing.T) {
	assert.Equal(t, "Uploaded image (format unknown)", imagemeta.Describe([]byte("not an image")))
}

func TestThumbnailScalesDown(t *testing.T) {
	data := encodePNG(t, 800, 400)

	thumb, err := imagemeta.Thumbnail(data, 256)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 128, cfg.Height)
}

func TestThumbnailPreservesSmallImages(t *testing.T) {
	data := encodePNG(t, 100, 60)

	thumb, err := imagemeta.Thumbnail(data, 256)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 60, cfg.Height)
}

func TestThumbnailTallImage(t *testing.T) {
	data := encodePNG(t, 300, 900)

	thumb, err := imagemeta.Thumbnail(data, 256)
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Height)
	assert.Equal(t, 85, cfg.Width)
}

func TestThumbnailUndecodable(t *testing.T) {
	_, err := imagemeta.Thumbnail([]byte("garbage"), 256)
	assert.Error(t, err)
}
