package ai

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// uploadQuality is the JPEG quality of images sent to a vision model.
const uploadQuality = 85

// downscaleForUpload decodes data and re-encodes it as JPEG with its longer
// side at most maxSide pixels. Smaller images cost fewer input tokens.
func downscaleForUpload(data []byte, maxSide int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var out image.Image = src
	w, h := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), maxSide)
	if w != src.Bounds().Dx() || h != src.Bounds().Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: uploadQuality}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales w x h so neither side exceeds maxSide, keeping the aspect
// ratio. Dimensions already inside the bound are returned as is.
func fitWithin(w, h, maxSide int) (int, int) {
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return w, h
	}
	if w >= h {
		return maxSide, max(1, h*maxSide/w)
	}
	return max(1, w*maxSide/h), maxSide
}
