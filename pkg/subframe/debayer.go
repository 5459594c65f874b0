package subframe

import (
	"fmt"
	"strings"
)

// BayerPattern names the colour of the top-left 2x2 cell of a CFA image.
type BayerPattern int

const (
	BayerNone BayerPattern = iota
	BayerRGGB
	BayerBGGR
	BayerGRBG
	BayerGBRG
)

// ParseBayerPattern accepts RGGB, BGGR, GRBG, GBRG or an empty string.
func ParseBayerPattern(s string) (BayerPattern, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return BayerNone, nil
	case "RGGB":
		return BayerRGGB, nil
	case "BGGR":
		return BayerBGGR, nil
	case "GRBG":
		return BayerGRBG, nil
	case "GBRG":
		return BayerGBRG, nil
	}
	return BayerNone, fmt.Errorf("unknown Bayer pattern %q", s)
}

// redOffset returns the position of the red photosite inside a 2x2 cell.
func (p BayerPattern) redOffset() (int, int) {
	switch p {
	case BayerBGGR:
		return 1, 1
	case BayerGRBG:
		return 1, 0
	case BayerGBRG:
		return 0, 1
	default:
		return 0, 0
	}
}

// DebayerLuminance interpolates a CFA image bilinearly and returns the
// (R + G + B) / 3 intensity per pixel. Edge pixels use replicated neighbours.
func DebayerLuminance(src Mat, pattern BayerPattern) Mat {
	if pattern == BayerNone {
		return src.Clone()
	}
	width, height := src.Cols(), src.Rows()
	in := src.Clone()
	defer in.Close()
	data := in.DataFloat32()
	out := NewMatWithSize(height, width)
	dest := out.DataFloat32()

	px := func(x, y int) float32 {
		return data[clampInt(y, 0, height-1)*width+clampInt(x, 0, width-1)]
	}
	cross := func(x, y int) float32 {
		return (px(x-1, y) + px(x+1, y) + px(x, y-1) + px(x, y+1)) / 4
	}
	diagonal := func(x, y int) float32 {
		return (px(x-1, y-1) + px(x+1, y-1) + px(x-1, y+1) + px(x+1, y+1)) / 4
	}
	rx, ry := pattern.redOffset()

	for y := 0; y < height; y++ {
		redRow := y%2 == ry
		for x := 0; x < width; x++ {
			redCol := x%2 == rx
			var r, g, b float32
			switch {
			case redRow && redCol:
				r, g, b = px(x, y), cross(x, y), diagonal(x, y)
			case redRow:
				r = (px(x-1, y) + px(x+1, y)) / 2
				g = px(x, y)
				b = (px(x, y-1) + px(x, y+1)) / 2
			case redCol:
				r = (px(x, y-1) + px(x, y+1)) / 2
				g = px(x, y)
				b = (px(x-1, y) + px(x+1, y)) / 2
			default:
				r, g, b = diagonal(x, y), cross(x, y), px(x, y)
			}
			dest[y*width+x] = (r + g + b) / 3
		}
	}
	return out
}
