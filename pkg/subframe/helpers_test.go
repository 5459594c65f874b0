package subframe

import (
	"math"
	"testing"

	"subframeselector/internal/synth"
)

func matFromPixels(t *testing.T, width, height int, pix []float32) Mat {
	t.Helper()
	if len(pix) != width*height {
		t.Fatalf("pixel count %d does not match %dx%d", len(pix), width, height)
	}
	m := NewMatWithSize(height, width)
	copy(m.DataFloat32(), pix)
	return m
}

func renderField(t *testing.T, f synth.Field) Mat {
	t.Helper()
	return matFromPixels(t, f.Width, f.Height, f.Render())
}

func near(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}
