package imageutil

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

func init() {
	image.RegisterFormat("bmp", "BM", bmp.Decode, bmp.DecodeConfig)
	image.RegisterFormat("tiff", "II*\x00", tiff.Decode, tiff.DecodeConfig)
	image.RegisterFormat("tiff", "MM\x00*", tiff.Decode, tiff.DecodeConfig)
	image.RegisterFormat("webp", "RIFF", webp.Decode, webp.DecodeConfig)
}

// MaxDimension is the longest edge a persisted screenshot block is allowed
// to keep; anything larger is downscaled before it reaches the Store.
const MaxDimension = 1568

// Thumbnail decodes an arbitrary supported image and, if either dimension
// exceeds MaxDimension, downscales it preserving aspect ratio. Images
// already within bounds are returned unchanged. The output is always
// encoded as PNG regardless of the input format, matching the single
// normalized representation the Store persists.
func Thumbnail(data []byte) ([]byte, error) {
	if IsHEIC(data) {
		converted, err := ConvertHEICToPNG(data)
		if err != nil {
			return nil, err
		}
		data = converted
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= MaxDimension && h <= MaxDimension {
		if format == "png" {
			return data, nil
		}
		return reencode(img)
	}

	scale := float64(MaxDimension) / float64(max(w, h))
	dstW := max(1, int(float64(w)*scale))
	dstH := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	return reencode(dst)
}

func reencode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

