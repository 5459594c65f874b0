package subframe

import (
	"context"
	"errors"
	"image"
	"testing"

	"subframeselector/internal/synth"
)

type stubLoader struct {
	field synth.Field
	err   error
}

func (l *stubLoader) Load(ctx context.Context, path string) (Mat, error) {
	if l.err != nil {
		return Mat{}, l.err
	}
	pix := l.field.Render()
	m := NewMatWithSize(l.field.Height, l.field.Width)
	copy(m.DataFloat32(), pix)
	return m, nil
}

type stubFinder struct {
	stars     []Star
	calls     int
	lastSize  image.Point
	detectErr error
}

func (f *stubFinder) Detect(ctx context.Context, img Mat, mon *Monitor) (*DetectionResult, error) {
	f.calls++
	f.lastSize = image.Pt(img.Cols(), img.Rows())
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return &DetectionResult{Stars: append([]Star(nil), f.stars...)}, nil
}

type stubFitter struct {
	results []PSFFitResult
	calls   int
	onFit   func()
}

func (f *stubFitter) Fit(img Mat, centroid Point2d, window image.Rectangle) PSFFitResult {
	r := f.results[f.calls%len(f.results)]
	f.calls++
	if f.onFit != nil {
		f.onFit()
	}
	return r
}

func newStubMeasurer(stars int, fits ...PSFFitResult) (*Measurer, *stubFinder, *stubFitter) {
	finder := &stubFinder{}
	for i := 0; i < stars; i++ {
		finder.stars = append(finder.stars, Star{Pos: Point2d{X: float64(10 + 5*i), Y: 20}, Size: 9})
	}
	fitter := &stubFitter{results: fits}
	m := &Measurer{
		Loader:   &stubLoader{field: synth.Field{Width: 64, Height: 64, Background: 0.2, Noise: 0.01, Seed: 1}},
		Noise:    NewNoiseEstimator(),
		Detector: finder,
		Fitter:   fitter,
		Function: PSFGaussian,
	}
	return m, finder, fitter
}

func TestMeasureAggregatesFittedStars(t *testing.T) {
	ok := PSFFitResult{Status: PSFFittedOk, SX: 2, SY: 2, MAD: 0.1}
	bad := PSFFitResult{Status: PSFNoConvergence}
	m, _, fitter := newStubMeasurer(4, ok, bad)

	q, err := m.Measure(context.Background(), "frame.fits", nil)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if fitter.calls != 4 {
		t.Errorf("expected 4 fits, got %d", fitter.calls)
	}
	if q.Stars != 2 {
		t.Errorf("expected 2 fitted stars, got %d", q.Stars)
	}
	if !near(q.FWHM, FWHM(PSFGaussian, 2), 1e-12) {
		t.Errorf("unexpected FWHM %f", q.FWHM)
	}
	if !near(q.Median, 0.2, 0.005) {
		t.Errorf("expected median near 0.2, got %f", q.Median)
	}
	if q.Noise <= 0 || q.SNRWeight <= 0 {
		t.Errorf("expected positive noise and SNR weight, got %f/%f", q.Noise, q.SNRWeight)
	}
	if want := q.MedianMeanDev * q.MedianMeanDev / (q.Noise * q.Noise); !near(q.SNRWeight, want, 1e-12) {
		t.Errorf("SNRWeight = %f, want %f", q.SNRWeight, want)
	}
}

func TestMeasureNoStars(t *testing.T) {
	m, _, fitter := newStubMeasurer(0, PSFFitResult{Status: PSFFittedOk})
	if _, err := m.Measure(context.Background(), "frame.fits", nil); !errors.Is(err, ErrNoStars) {
		t.Fatalf("expected ErrNoStars, got %v", err)
	}
	if fitter.calls != 0 {
		t.Errorf("fitter must not run without stars, ran %d times", fitter.calls)
	}
}

func TestMeasureAllFitsFail(t *testing.T) {
	m, _, _ := newStubMeasurer(5, PSFFitResult{Status: PSFNoSolution}, PSFFitResult{Status: PSFBadParameters})
	if _, err := m.Measure(context.Background(), "frame.fits", nil); !errors.Is(err, ErrNoFittedStars) {
		t.Fatalf("expected ErrNoFittedStars, got %v", err)
	}
}

func TestMeasureLoadError(t *testing.T) {
	m, finder, _ := newStubMeasurer(1, PSFFitResult{Status: PSFFittedOk})
	loadErr := errors.New("frame.fits: Empty subframe image.")
	m.Loader = &stubLoader{err: loadErr}
	if _, err := m.Measure(context.Background(), "frame.fits", nil); !errors.Is(err, loadErr) {
		t.Fatalf("expected the load error, got %v", err)
	}
	if finder.calls != 0 {
		t.Error("detector must not run after a failed load")
	}
}

func TestMeasureCropsToROIAfterStatistics(t *testing.T) {
	m, finder, _ := newStubMeasurer(1, PSFFitResult{Status: PSFFittedOk, SX: 1, SY: 1, MAD: 1})
	m.ROI = image.Rect(10, 12, 40, 32)

	frame, err := m.Prepare(context.Background(), "frame.fits", nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer frame.Close()
	if frame.Image.Cols() != 30 || frame.Image.Rows() != 20 {
		t.Errorf("expected a 30x20 crop, got %dx%d", frame.Image.Cols(), frame.Image.Rows())
	}

	if _, err := m.Measure(context.Background(), "frame.fits", nil); err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if finder.lastSize != image.Pt(30, 20) {
		t.Errorf("detector saw %v, want the ROI size", finder.lastSize)
	}

	m.ROI = image.Rect(100, 100, 120, 120)
	if _, err := m.Prepare(context.Background(), "frame.fits", nil); err == nil {
		t.Error("expected an error for an ROI outside the image")
	}
}

func TestMeasureAborted(t *testing.T) {
	m, finder, _ := newStubMeasurer(1, PSFFitResult{Status: PSFFittedOk})
	mon := &Monitor{}
	mon.Abort()
	if _, err := m.Measure(context.Background(), "frame.fits", mon); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if finder.calls != 0 {
		t.Error("detector must not run after abort")
	}
}

func TestMeasureAbortsDuringFitting(t *testing.T) {
	m, _, fitter := newStubMeasurer(3*fitCheckInterval, PSFFitResult{Status: PSFFittedOk, SX: 1, SY: 1, MAD: 1})
	mon := &Monitor{}
	fitter.onFit = mon.Abort
	if _, err := m.Measure(context.Background(), "frame.fits", mon); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if fitter.calls != fitCheckInterval {
		t.Errorf("fitted %d stars after abort, want %d", fitter.calls, fitCheckInterval)
	}
}
