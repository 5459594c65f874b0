package subframe

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"
)

func TestRenderDetectionOverlay(t *testing.T) {
	img := renderField(t, starField())
	defer img.Close()

	p := NewDetectorParams()
	p.KeepStructureMap = true
	result, err := NewStarDetector(p).Detect(context.Background(), img, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	defer result.Close()

	var buf bytes.Buffer
	err = RenderDetectionOverlay(&buf, OverlayInput{
		Image:        img,
		StructureMap: result.StructureMap,
		Stars:        result.Stars,
		Field:        AnalyzeField(result.Stars, img.Cols(), img.Rows()),
		Median:       0.1,
		Noise:        0.002,
	})
	if err != nil {
		t.Fatalf("RenderDetectionOverlay: %v", err)
	}
	decoded, err := jpeg.Decode(&buf)
	if err != nil {
		t.Fatalf("overlay is not a valid JPEG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 256 || b.Dy() != 296 {
		t.Errorf("unexpected overlay size %v", b)
	}
}

func TestRenderDetectionOverlayEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderDetectionOverlay(&buf, OverlayInput{Image: NewMat()}); err == nil {
		t.Error("expected an error for an empty image")
	}
}
