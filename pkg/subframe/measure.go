package subframe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
)

// ErrNoStars is returned when detection finds no star in a subframe.
var ErrNoStars = errors.New("no stars detected")

// ImageLoader loads a subframe as a single channel image normalized to [0, 1].
type ImageLoader interface {
	Load(ctx context.Context, path string) (Mat, error)
}

// StarFinder detects star candidates.
type StarFinder interface {
	Detect(ctx context.Context, img Mat, mon *Monitor) (*DetectionResult, error)
}

// StarFitter fits a PSF to the pixels of one star.
type StarFitter interface {
	Fit(img Mat, centroid Point2d, window image.Rectangle) PSFFitResult
}

// Frame is a loaded subframe with its whole-frame statistics.
type Frame struct {
	// Image is cropped to the ROI when one is set.
	Image         Mat
	Median        float64
	MedianMeanDev float64
	Noise         NoiseEstimate
	SNRWeight     float64
}

// Close releases the image.
func (f *Frame) Close() {
	if f != nil {
		f.Image.Close()
	}
}

// Metrics returns the image derived part of the quality metrics.
func (f *Frame) Metrics() QualityMetrics {
	return QualityMetrics{
		Median:        f.Median,
		MedianMeanDev: f.MedianMeanDev,
		Noise:         f.Noise.Sigma,
		NoiseRatio:    f.Noise.Fraction,
		SNRWeight:     f.SNRWeight,
	}
}

// Measurer produces the quality metrics of one subframe.
type Measurer struct {
	Loader   ImageLoader
	Noise    *NoiseEstimator
	Detector StarFinder
	Fitter   StarFitter
	// Function converts fitted widths to FWHM; it matches the fitter's.
	Function PSFFunction
	// ROI limits star detection. The zero rectangle means the whole frame.
	ROI    image.Rectangle
	Logger *slog.Logger
}

func (m *Measurer) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Prepare loads path and computes its median, mean deviation and noise over
// the whole frame, then crops to the ROI.
func (m *Measurer) Prepare(ctx context.Context, path string, mon *Monitor) (*Frame, error) {
	if err := mon.Check(); err != nil {
		return nil, err
	}
	img, err := m.Loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	frame := &Frame{Image: img}

	if err := m.measureImage(frame, mon); err != nil {
		frame.Close()
		return nil, err
	}
	if err := mon.Check(); err != nil {
		frame.Close()
		return nil, err
	}

	if !m.ROI.Empty() {
		roi := m.ROI.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
		if roi.Empty() {
			frame.Close()
			return nil, fmt.Errorf("%s: region of interest %v lies outside the %dx%d image", path, m.ROI, img.Cols(), img.Rows())
		}
		cropped := Crop(img, roi)
		frame.Image.Close()
		frame.Image = cropped
	}
	return frame, nil
}

func (m *Measurer) measureImage(f *Frame, mon *Monitor) error {
	median, err := HistogramMedian(f.Image, mon)
	if err != nil {
		return err
	}
	mmd, err := MeanAbsDeviation(f.Image, median, mon)
	if err != nil {
		return err
	}
	estimator := m.Noise
	if estimator == nil {
		estimator = NewNoiseEstimator()
	}
	noise, err := estimator.Estimate(f.Image, mon)
	if err != nil {
		return err
	}
	f.Median = median
	f.MedianMeanDev = mmd
	f.Noise = noise
	if noise.Sigma != 0 {
		f.SNRWeight = mmd * mmd / (noise.Sigma * noise.Sigma)
	}
	return nil
}

// fitCheckInterval is how many stars are fitted between abort checks.
const fitCheckInterval = 64

// Measure runs the full measurement of path.
func (m *Measurer) Measure(ctx context.Context, path string, mon *Monitor) (QualityMetrics, error) {
	log := m.logger().With("path", path)
	log.Debug("Measuring")

	frame, err := m.Prepare(ctx, path, mon)
	if err != nil {
		return QualityMetrics{}, err
	}
	defer frame.Close()
	metrics := frame.Metrics()

	detection, err := m.Detector.Detect(ctx, frame.Image, mon)
	if err != nil {
		return QualityMetrics{}, err
	}
	defer detection.Close()
	if len(detection.Stars) == 0 {
		return QualityMetrics{}, ErrNoStars
	}
	if err := mon.Check(); err != nil {
		return QualityMetrics{}, err
	}

	fits := make([]PSFFitResult, 0, len(detection.Stars))
	for i, star := range detection.Stars {
		if i%fitCheckInterval == 0 {
			if err := mon.Check(); err != nil {
				return QualityMetrics{}, err
			}
		}
		fit := m.Fitter.Fit(frame.Image, star.Pos, FitWindow(star))
		if fit.Status == PSFFittedOk {
			fits = append(fits, fit)
		}
	}
	if err := mon.Check(); err != nil {
		return QualityMetrics{}, err
	}

	agg, err := AggregatePSFs(fits, m.Function)
	if err != nil {
		return QualityMetrics{}, err
	}
	agg.Apply(&metrics)

	log.Info(fmt.Sprintf("%d Star(s) detected", len(detection.Stars)))
	log.Info(fmt.Sprintf("%d PSF(s) fitted", len(fits)))
	return metrics, nil
}
