package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"strings"
)

// Format identifies how a subframe file is decoded.
type Format int

const (
	FormatUnknown Format = iota
	FormatFITS
	FormatRaster
)

// DetectFormat classifies path by its extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit", ".fits", ".fts":
		return FormatFITS
	case ".tif", ".tiff", ".png", ".jpg", ".jpeg", ".bmp":
		return FormatRaster
	}
	return FormatUnknown
}

// grayIntensity converts a decoded image to (R + G + B) / 3 in [0, 1].
func grayIntensity(img image.Image) ([]float32, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, w*h)
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
				out[y*w+x] = (float32(c.R) + float32(c.G) + float32(c.B)) / (3 * 65535)
			}
		}
	}
	return out, w, h
}

// grayImage16 quantizes normalized pixels for 16-bit raster output.
func grayImage16(pix []float32, w, h int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := min(1, max(0, pix[y*w+x]))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*65535 + 0.5)})
		}
	}
	return img
}
