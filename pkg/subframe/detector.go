/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package subframe

import (
	"context"
	"fmt"
	"image"
	"math"
)

// DetectorParams contains all parameters for star detection.
type DetectorParams struct {
	StructureLayers            int
	NoiseLayers                int
	HotPixelFilterRadius       int
	ApplyHotPixelFilter        bool // filter the measured image, not only the structure map
	NoiseReductionFilterRadius int
	Sensitivity                float64
	PeakResponse               float64
	MaxDistortion              float64
	UpperLimit                 float64
	BackgroundExpansion        int
	XYStretch                  float64
	// KeepStructureMap returns a copy of the binarized structure map.
	KeepStructureMap bool
}

// NewDetectorParams returns the default detection parameters.
func NewDetectorParams() DetectorParams {
	return DetectorParams{
		StructureLayers:            5,
		NoiseLayers:                0,
		HotPixelFilterRadius:       1,
		ApplyHotPixelFilter:        false,
		NoiseReductionFilterRadius: 0,
		Sensitivity:                0.1,
		PeakResponse:               0.8,
		MaxDistortion:              0.5,
		UpperLimit:                 1.0,
		BackgroundExpansion:        3,
		XYStretch:                  1.5,
	}
}

// Validate rejects parameter sets the filters cannot run with.
func (p DetectorParams) Validate() error {
	if p.StructureLayers < 1 || p.StructureLayers > 8 {
		return fmt.Errorf("structure layers must be in [1, 8], got %d", p.StructureLayers)
	}
	if p.NoiseLayers < 0 || p.NoiseLayers > 4 {
		return fmt.Errorf("noise layers must be in [0, 4], got %d", p.NoiseLayers)
	}
	if p.HotPixelFilterRadius < 0 || p.HotPixelFilterRadius > 2 {
		return fmt.Errorf("hot pixel filter radius must be in [0, 2], got %d", p.HotPixelFilterRadius)
	}
	if p.NoiseReductionFilterRadius < 0 || p.NoiseReductionFilterRadius > 50 {
		return fmt.Errorf("noise reduction filter radius must be in [0, 50], got %d", p.NoiseReductionFilterRadius)
	}
	if p.PeakResponse <= 0 || p.PeakResponse > 1 {
		return fmt.Errorf("peak response must be in (0, 1], got %f", p.PeakResponse)
	}
	if p.BackgroundExpansion < 1 {
		return fmt.Errorf("background expansion must be positive, got %d", p.BackgroundExpansion)
	}
	return nil
}

// StarDetector finds stars on a binarized multiscale structure map.
type StarDetector struct {
	Params DetectorParams
}

// NewStarDetector returns a detector using p.
func NewStarDetector(p DetectorParams) *StarDetector {
	return &StarDetector{Params: p}
}

// Detect runs the full star detection pipeline on img, which is not modified.
// An empty star list is not an error.
func (d *StarDetector) Detect(ctx context.Context, img Mat, mon *Monitor) (*DetectionResult, error) {
	p := d.Params
	if err := p.Validate(); err != nil {
		return nil, err
	}
	result := &DetectionResult{}

	working := img.Clone()
	defer working.Close()

	// Hot pixels go first when noise reduction runs, or they would be
	// promoted to stars.
	alreadyFiltered := false
	if p.ApplyHotPixelFilter || p.NoiseReductionFilterRadius > 0 {
		hotPixelFilter(&working, p.HotPixelFilterRadius)
		alreadyFiltered = true
	}
	if p.NoiseReductionFilterRadius > 0 {
		ConvolveGaussian(&working, &working, (p.NoiseReductionFilterRadius<<1)|1)
	}

	structures := working.Clone()
	defer structures.Close()
	if !alreadyFiltered {
		hotPixelFilter(&structures, p.HotPixelFilterRadius)
	}
	threshold, err := buildStructureMap(&structures, p, mon)
	if err != nil {
		return nil, err
	}
	result.Metrics.BinarizeThreshold = threshold
	result.Metrics.StructurePixels = countNonZero(structures)
	if p.KeepStructureMap {
		m := structures.Clone()
		result.StructureMap = &m
	}

	stars, err := scanStars(ctx, working, structures, p, &result.Metrics, mon)
	if err != nil {
		result.Close()
		return nil, err
	}
	result.Stars = stars
	result.Metrics.TotalDetected = len(stars)
	return result, nil
}

// hotPixelFilter applies a median filter: a 3x3 box at radius 1, a disc
// of the given radius above that.
func hotPixelFilter(img *Mat, radius int) {
	switch {
	case radius <= 0:
	case radius == 1:
		medianBlur(*img, img, 3)
	default:
		out := circularMedian(*img, radius, true)
		CopyMatTo(out, img)
		out.Close()
	}
}

// buildStructureMap turns img into a binary map of small scale structures
// and returns the binarization threshold.
func buildStructureMap(img *Mat, p DetectorParams, mon *Monitor) (float64, error) {
	if p.NoiseLayers > 0 {
		ConvolveGaussian(img, img, 1+(1<<uint(p.NoiseLayers)))
	}

	highPass := img.Clone()
	ConvolveGaussian(&highPass, &highPass, 1+(1<<uint(p.StructureLayers)))
	subtractInPlace(*img, highPass)
	highPass.Close()
	truncateRescale(*img)

	morphDilateRect(*img, img, 3)
	if err := mon.Check(); err != nil {
		return 0, err
	}

	median, err := HistogramMedian(*img, mon)
	if err != nil {
		return 0, err
	}
	var threshold float64
	if 1+median == 1 {
		// Black background, typically a synthetic star field.
		n := img.Rows() * img.Cols()
		m, mad := medianMADInRange(img.DataFloat32()[:n], 0, 1)
		threshold = m + mad
	} else {
		noise, err := layerNoiseKSigma(*img, 3, 1, mon)
		if err != nil {
			return 0, err
		}
		threshold = median + 3*noise
	}
	thresholdBinary(*img, img, float32(threshold), 1)
	return threshold, nil
}

// scanStars walks the structure map row by row, growing each structure
// downward and evaluating it as a star candidate. Visited structures are
// erased from the map.
func scanStars(ctx context.Context, src, structureMap Mat, p DetectorParams, metrics *DetectorMetrics, mon *Monitor) ([]Star, error) {
	width := structureMap.Cols()
	height := structureMap.Rows()
	data := structureMap.DataFloat32()
	x1 := width - 1
	y1 := height - 1

	stars := make([]Star, 0)
	points := make([]image.Point, 0, 256)
	for y0 := 0; y0 < y1; y0++ {
		select {
		case <-ctx.Done():
			mon.Abort()
			return nil, ErrAborted
		default:
		}
		if err := mon.Check(); err != nil {
			return nil, err
		}

		for x0 := 0; x0 < x1; x0++ {
			if data[y0*width+x0] == 0 {
				continue
			}

			points = points[:0]
			rect := image.Rect(x0, y0, x0+1, y0+1)
			for y, x := y0, x0; ; {
				points = append(points, image.Pt(x, y))
				row := y * width

				xa := x
				for xa > 0 && data[row+xa-1] != 0 {
					xa--
					points = append(points, image.Pt(xa, y))
				}
				xb := x
				for xb < x1 && data[row+xb+1] != 0 {
					xb++
					points = append(points, image.Pt(xb, y))
				}
				if xa < rect.Min.X {
					rect.Min.X = xa
				}
				if xb >= rect.Max.X {
					rect.Max.X = xb + 1
				}

				y++
				next := false
				for x = xa; x <= xb; x++ {
					if data[y*width+x] != 0 {
						next = true
						break
					}
				}
				if !next {
					break
				}
				rect.Max.Y = y + 1
				if y == y1 {
					break
				}
			}

			metrics.StructureCandidates++
			if star, ok := evaluateCandidate(src, rect, points, p, metrics); ok {
				stars = append(stars, star)
			}

			for _, pt := range points {
				data[pt.Y*width+pt.X] = 0
			}
		}
	}
	return stars, nil
}

func evaluateCandidate(src Mat, rect image.Rectangle, points []image.Point, p DetectorParams, metrics *DetectorMetrics) (Star, bool) {
	x1 := src.Cols() - 1
	y1 := src.Rows() - 1

	if rect.Dx() <= 1 || rect.Dy() <= 1 {
		metrics.TooSmall++
		return Star{}, false
	}
	if rect.Min.Y <= 0 || rect.Max.Y > y1 || rect.Min.X <= 0 || rect.Max.X > x1 {
		metrics.OnBorder++
		return Star{}, false
	}
	d := float64(max(rect.Dx(), rect.Dy()))
	if float64(len(points))/d/d <= p.MaxDistortion {
		metrics.TooDistorted++
		return Star{}, false
	}

	star, ok := starParameters(src, rect, points, p)
	if !ok {
		metrics.Degenerate++
		return Star{}, false
	}
	if star.Peak > p.UpperLimit {
		metrics.Saturated++
		return Star{}, false
	}
	if star.Background != 0 && (star.Normalized-star.Background)/star.Background <= p.Sensitivity {
		metrics.LowSensitivity++
		return Star{}, false
	}

	width := src.Cols()
	data := src.DataFloat32()
	cx := clampInt(int(math.Round(star.Pos.X)), 0, width-1)
	cy := clampInt(int(math.Round(star.Pos.Y)), 0, src.Rows()-1)
	if float64(data[cy*width+cx]) <= 0.85*star.Peak {
		metrics.OffPeak++
		return Star{}, false
	}

	window := make([]float32, 0, rect.Dx()*rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		window = append(window, data[y*width+rect.Min.X:y*width+rect.Max.X]...)
	}
	if float64(medianInPlace(window)) >= p.PeakResponse*star.Peak {
		metrics.TooFlat++
		return Star{}, false
	}
	return star, true
}

// starParameters measures background, barycentre, flux and peak of the
// structure covering points within rect.
func starParameters(src Mat, rect image.Rectangle, points []image.Point, p DetectorParams) (Star, bool) {
	width := src.Cols()
	data := src.DataFloat32()
	bounds := image.Rect(0, 0, width, src.Rows())
	expanded := rect.Inset(-p.BackgroundExpansion).Intersect(bounds)

	background := make([]float32, 0, expanded.Dx()*expanded.Dy()-rect.Dx()*rect.Dy())
	for y := expanded.Min.Y; y < expanded.Max.Y; y++ {
		for x := expanded.Min.X; x < expanded.Max.X; x++ {
			if !(image.Point{X: x, Y: y}).In(rect) {
				background = append(background, data[y*width+x])
			}
		}
	}
	if len(background) == 0 {
		return Star{}, false
	}

	window := make([]float32, 0, rect.Dx()*rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		window = append(window, data[y*width+rect.Min.X:y*width+rect.Max.X]...)
	}
	_, sd := meanStdDev(window)
	sorted := append([]float32(nil), window...)
	lower := float64(medianInPlace(sorted)) + p.XYStretch*sd
	lower = math.Min(math.Max(lower, 0), 1)

	// Truncate to [lower, 1] and rescale, so pixels under lower weigh nothing.
	lo, hi := math.MaxFloat64, -math.MaxFloat64
	for i, v := range window {
		z := math.Min(math.Max(float64(v), lower), 1)
		window[i] = float32(z)
		lo = math.Min(lo, z)
		hi = math.Max(hi, z)
	}
	if hi <= lo {
		return Star{}, false
	}
	var sx, sy, sz float64
	cols := rect.Dx()
	for i, v := range window {
		z := (float64(v) - lo) / (hi - lo)
		if z > 0 {
			sx += z * float64(rect.Min.X+i%cols)
			sy += z * float64(rect.Min.Y+i/cols)
			sz += z
		}
	}
	if sz == 0 {
		return Star{}, false
	}

	star := Star{
		Pos:        Point2d{X: sx / sz, Y: sy / sz},
		Bounds:     rect,
		Size:       len(points),
		Background: float64(medianInPlace(background)),
	}
	for _, pt := range points {
		v := float64(data[pt.Y*width+pt.X])
		star.Flux += v
		if v > star.Peak {
			star.Peak = v
		}
	}
	star.Normalized = star.Peak - (1-p.PeakResponse)*star.Flux/float64(star.Size)
	return star, true
}
