package image

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
)

// Dimensions decodes just enough of the image to report its size.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// DownscaleToFit returns the image scaled so neither side exceeds
// maxDim, preserving aspect ratio and re-encoding as PNG. Images
// already within bounds are returned unchanged, bytes and all.
func DownscaleToFit(data []byte, maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		return data, nil
	}

	w, h, err := Dimensions(data)
	if err != nil {
		return nil, err
	}
	if w <= maxDim && h <= maxDim {
		return data, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	scale := float64(maxDim) / float64(w)
	if h > w {
		scale = float64(maxDim) / float64(h)
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Export writes artifact bytes to the given path, creating parent
// directories as needed.
func Export(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// ExportFilename builds a timestamped default filename for exports.
func ExportFilename(ext string, t time.Time) string {
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("fluxgen-%s.%s", t.Format("20060102-150405"), ext)
}
