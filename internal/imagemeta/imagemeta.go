// Package imagemeta extracts lightweight metadata from uploaded images and
// produces thumbnails. It only decodes formats the pipeline accepts.
package imagemeta

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	_ "image/gif"
	_ "image/png"
)

// MaxThumbnailDim is the default bounding-box edge for thumbnails, in pixels.
const MaxThumbnailDim = 256

// The allow list matches the formats registered below; accepting a type we
// cannot decode would produce images with no description or thumbnail.
var allowedContentTypes = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
}

// AllowedContentType reports whether the declared content type is one the
// pipeline accepts.
func AllowedContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	_, ok := allowedContentTypes[ct]
	return ok
}

// Describe produces a short textual description of the image contents suitable
// for seeding the analysis pipeline. Undecodable data yields a generic
// description rather than an error.
func Describe(data []byte) string {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "Uploaded image (format unknown)"
	}
	return fmt.Sprintf("Image format: %s, Size: %dx%d", format, cfg.Width, cfg.Height)
}

// Thumbnail decodes the image and scales it to fit within maxDim on the longer
// edge, re-encoding as JPEG. Images already within bounds are still
// re-encoded so thumbnails have a uniform format.
func Thumbnail(data []byte, maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		maxDim = MaxThumbnailDim
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("image has empty bounds")
	}

	outW, outH := w, h
	if w > maxDim || h > maxDim {
		if w >= h {
			outW = maxDim
			outH = h * maxDim / w
		} else {
			outH = maxDim
			outW = w * maxDim / h
		}
		if outW < 1 {
			outW = 1
		}
		if outH < 1 {
			outH = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		srcY := bounds.Min.Y + y*h/outH
		for x := 0; x < outW; x++ {
			srcX := bounds.Min.X + x*w/outW
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
