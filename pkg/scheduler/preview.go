package scheduler

import (
	"context"
	"fmt"
	"io"

	"subframeselector/pkg/subframe"
)

// Preview is the detection diagnostic of one subframe.
type Preview struct {
	Path      string
	Detection *subframe.DetectionResult
	Field     subframe.FieldAnalysis
	Median    float64
	Noise     subframe.NoiseEstimate
	frame     *subframe.Frame
}

// Close releases the image and structure map.
func (p *Preview) Close() {
	if p == nil {
		return
	}
	p.Detection.Close()
	p.frame.Close()
}

// RenderOverlay writes a JPEG of the frame with the structure map, the
// detected stars and per-zone counts.
func (p *Preview) RenderOverlay(w io.Writer) error {
	return subframe.RenderDetectionOverlay(w, subframe.OverlayInput{
		Image:        p.frame.Image,
		StructureMap: p.Detection.StructureMap,
		Stars:        p.Detection.Stars,
		Field:        p.Field,
		Median:       p.Median,
		Noise:        p.Noise.Sigma,
	})
}

// TestDetection runs star detection alone on the first subframe of the
// list, with loading, statistics and ROI handling as in a measurement.
// The caller closes the preview.
func TestDetection(ctx context.Context, subframes []Subframe, m *subframe.Measurer, params subframe.DetectorParams) (*Preview, error) {
	if len(subframes) == 0 {
		return nil, ErrNoSubframes
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	path := subframes[0].Path
	mon, stop := subframe.NewMonitor(ctx)
	defer stop()

	frame, err := m.Prepare(ctx, path, mon)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	params.KeepStructureMap = true
	detection, err := subframe.NewStarDetector(params).Detect(ctx, frame.Image, mon)
	if err != nil {
		frame.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Preview{
		Path:      path,
		Detection: detection,
		Field:     subframe.AnalyzeField(detection.Stars, frame.Image.Cols(), frame.Image.Rows()),
		Median:    frame.Median,
		Noise:     frame.Noise,
		frame:     frame,
	}, nil
}
