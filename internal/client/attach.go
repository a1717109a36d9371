package client

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // screenshots commonly arrive as PNG

	"golang.org/x/image/draw"

	"chatty/internal/config"
)

// PrepareImage bounds a screenshot for transmission: it downscales the
// image to fit within the configured box, preserving aspect ratio, and
// re-encodes it as base64 JPEG. Images already inside the box are only
// re-encoded.
func PrepareImage(data []byte, cfg config.AttachmentConfig) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return "", fmt.Errorf("image has empty bounds")
	}

	scale := 1.0
	if float64(w) > float64(cfg.MaxWidth) {
		scale = float64(cfg.MaxWidth) / float64(w)
	}
	if float64(h)*scale > float64(cfg.MaxHeight) {
		scale = float64(cfg.MaxHeight) / float64(h)
	}

	out := src
	if scale < 1.0 {
		dw, dh := int(float64(w)*scale), int(float64(h)*scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: cfg.JPEGQuality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
