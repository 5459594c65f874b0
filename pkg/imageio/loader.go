package imageio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"subframeselector/pkg/subframe"
)

// Loader reads subframes as single channel intensity images in [0, 1].
type Loader struct {
	// Hints is a whitespace separated list of format hints. Recognized:
	// bayer=RGGB|BGGR|GRBG|GBRG interpolates a CFA image before measuring.
	Hints string
	// Pedestal in data numbers is subtracted after normalization.
	Pedestal   int
	Resolution subframe.CameraResolution
	Logger     *slog.Logger
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Load implements subframe.ImageLoader.
func (l *Loader) Load(ctx context.Context, path string) (subframe.Mat, error) {
	if err := ctx.Err(); err != nil {
		return subframe.Mat{}, err
	}
	pix, w, h, err := decodeFile(path)
	if err != nil {
		return subframe.Mat{}, err
	}
	return l.finish(path, pix, w, h)
}

// LoadFITS decodes a FITS stream, for callers that hold the file in memory.
func (l *Loader) LoadFITS(data []byte, name string) (subframe.Mat, error) {
	img, err := ReadFITS(bytes.NewReader(data), name)
	if err != nil {
		return subframe.Mat{}, err
	}
	return l.finish(name, img.Intensity(), img.Width, img.Height)
}

func (l *Loader) finish(path string, pix []float32, w, h int) (subframe.Mat, error) {
	if l.Pedestal > 0 {
		l.logger().Info(fmt.Sprintf("Subtracting pedestal: %d DN", l.Pedestal), "path", path)
		p := float32(float64(l.Pedestal) / l.Resolution.MaxValue())
		for i, v := range pix {
			pix[i] = max(0, v-p)
		}
	}

	m, err := subframe.NewMatFromPixels(w, h, pix)
	if err != nil {
		return subframe.Mat{}, fmt.Errorf("%s: %w", path, err)
	}
	hints := ParseHints(l.Hints)
	if pattern, ok := hints["bayer"]; ok {
		bayer, err := subframe.ParseBayerPattern(pattern)
		if err != nil {
			m.Close()
			return subframe.Mat{}, fmt.Errorf("%s: %w", path, err)
		}
		if bayer != subframe.BayerNone {
			lum := subframe.DebayerLuminance(m, bayer)
			m.Close()
			m = lum
		}
	}
	return m, nil
}

// decodeFile returns the intensity of path without hint processing.
func decodeFile(path string) ([]float32, int, int, error) {
	switch DetectFormat(path) {
	case FormatFITS:
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("opening FITS file: %w", err)
		}
		defer f.Close()
		img, err := ReadFITS(f, path)
		if err != nil {
			return nil, 0, 0, err
		}
		return img.Intensity(), img.Width, img.Height, nil
	case FormatRaster:
		pix, w, h, err := decodeRaster(path)
		if err != nil {
			return nil, 0, 0, err
		}
		if w == 0 || h == 0 {
			return nil, 0, 0, fmt.Errorf("%s: %w", path, ErrEmptyImage)
		}
		return pix, w, h, nil
	}
	return nil, 0, 0, fmt.Errorf("%s: unsupported file format", path)
}

// ParseHints splits hints into key=value pairs. Bare words map to "true".
func ParseHints(hints string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Fields(hints) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			value = strconv.FormatBool(true)
		}
		out[strings.ToLower(key)] = value
	}
	return out
}
