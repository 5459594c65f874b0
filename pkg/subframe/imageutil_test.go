package subframe

import (
	"image"
	"testing"

	"subframeselector/internal/synth"
)

func TestAtrousLayersSumToSource(t *testing.T) {
	src := renderField(t, synth.Field{
		Width: 64, Height: 48, Background: 0.2, Noise: 0.02,
		Stars: []synth.Star{{X: 30, Y: 20, Amplitude: 0.5, SX: 2, SY: 2}},
	})
	defer src.Close()

	layers := AtrousB3Spline(src, 4)
	defer closeAll(layers)
	if len(layers) != 5 {
		t.Fatalf("expected 5 layers, got %d", len(layers))
	}
	n := src.Rows() * src.Cols()
	data := src.DataFloat32()
	for i := 0; i < n; i++ {
		var sum float64
		for _, l := range layers {
			sum += float64(l.DataFloat32()[i])
		}
		if !near(sum, float64(data[i]), 1e-4) {
			t.Fatalf("pixel %d: layers sum to %f, source is %f", i, sum, data[i])
		}
	}
}

func TestHistogramMedian(t *testing.T) {
	pix := make([]float32, 101)
	for i := range pix {
		pix[i] = float32(i) / 200
	}
	m := matFromPixels(t, 101, 1, pix)
	defer m.Close()

	median, err := HistogramMedian(m, nil)
	if err != nil {
		t.Fatalf("HistogramMedian: %v", err)
	}
	if !near(median, 0.25, 1e-3) {
		t.Errorf("expected median near 0.25, got %f", median)
	}

	dev, err := MeanAbsDeviation(m, 0.25, nil)
	if err != nil {
		t.Fatalf("MeanAbsDeviation: %v", err)
	}
	// mean of |i-50|/200 over i = 0..100
	if want := 2550.0 / 200 / 101; !near(dev, want, 1e-6) {
		t.Errorf("expected mean deviation %f, got %f", want, dev)
	}
}

func TestCircularMedianRemovesHotPixel(t *testing.T) {
	pix := make([]float32, 25*25)
	for i := range pix {
		pix[i] = 0.1
	}
	pix[12*25+12] = 1
	m := matFromPixels(t, 25, 25, pix)
	defer m.Close()

	for _, radius := range []int{1, 2} {
		img := m.Clone()
		hotPixelFilter(&img, radius)
		if v := img.DataFloat32()[12*25+12]; !near(float64(v), 0.1, 1e-6) {
			t.Errorf("radius %d: hot pixel survived with value %f", radius, v)
		}
		img.Close()
	}
}

func TestCropCopiesRegion(t *testing.T) {
	pix := make([]float32, 10*8)
	for i := range pix {
		pix[i] = float32(i)
	}
	m := matFromPixels(t, 10, 8, pix)
	defer m.Close()

	c := Crop(m, image.Rect(2, 3, 6, 5))
	defer c.Close()
	if c.Cols() != 4 || c.Rows() != 2 {
		t.Fatalf("expected 4x2 crop, got %dx%d", c.Cols(), c.Rows())
	}
	if got := c.DataFloat32()[0]; got != 32 {
		t.Errorf("expected first crop pixel 32, got %f", got)
	}
	if got := c.DataFloat32()[5]; got != 43 {
		t.Errorf("expected pixel (1,1) of crop to be 43, got %f", got)
	}
}

func TestConvolveGaussianRejectsEvenKernel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for even kernel size")
		}
	}()
	m := NewMatWithSize(8, 8)
	defer m.Close()
	ConvolveGaussian(&m, &m, 4)
}
