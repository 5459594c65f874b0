package imageio

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"

	"subframeselector/internal/synth"
	"subframeselector/pkg/subframe"
)

func rampPixels(w, h int) []float32 {
	pix := make([]float32, w*h)
	for i := range pix {
		pix[i] = float32(i) / float32(len(pix))
	}
	return pix
}

func writeRamp(t *testing.T, name string, w, h int) (string, []float32) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	pix := rampPixels(w, h)
	if err := synth.WriteFITS(path, w, h, pix); err != nil {
		t.Fatalf("WriteFITS: %v", err)
	}
	return path, pix
}

func TestLoaderReadsSixteenBitFITS(t *testing.T) {
	path, want := writeRamp(t, "ramp.fits", 16, 8)
	m, err := (&Loader{}).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer m.Close()
	if m.Cols() != 16 || m.Rows() != 8 {
		t.Fatalf("unexpected size %dx%d", m.Cols(), m.Rows())
	}
	for i, v := range m.DataFloat32()[:16*8] {
		if math.Abs(float64(v-want[i])) > 1.0/65535 {
			t.Fatalf("pixel %d: got %f want %f", i, v, want[i])
		}
	}
}

func TestLoaderSubtractsPedestal(t *testing.T) {
	path, want := writeRamp(t, "ramp.fits", 8, 8)
	m, err := (&Loader{Pedestal: 100, Resolution: subframe.Bits16}).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer m.Close()
	p := 100.0 / 65535
	for i, v := range m.DataFloat32()[:64] {
		exp := math.Max(0, float64(want[i])-p)
		if math.Abs(float64(v)-exp) > 1.5/65535 {
			t.Fatalf("pixel %d: got %f want %f", i, v, exp)
		}
	}
}

func TestLoaderDebayerHint(t *testing.T) {
	const w, h = 8, 8
	pix := make([]float32, w*h)
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			pix[y*w+x] = 0.9
		}
	}
	path := filepath.Join(t.TempDir(), "cfa.fits")
	if err := synth.WriteFITS(path, w, h, pix); err != nil {
		t.Fatalf("WriteFITS: %v", err)
	}
	m, err := (&Loader{Hints: "raw bayer=RGGB"}).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer m.Close()
	if v := m.DataFloat32()[3*w+3]; math.Abs(float64(v)-0.3) > 1e-3 {
		t.Errorf("expected interpolated luminance 0.3, got %f", v)
	}

	if _, err := (&Loader{Hints: "bayer=XXXX"}).Load(context.Background(), path); err == nil {
		t.Error("expected an error for an unknown Bayer pattern")
	}
}

func TestLoaderRejectsMultipleImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi.fits")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Create(out)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		img := fitsio.NewImage(8, []int{4, 4})
		if err := img.Write(make([]uint8, 16)); err != nil {
			t.Fatal(err)
		}
		if err := f.Write(img); err != nil {
			t.Fatal(err)
		}
		img.Close()
	}
	f.Close()
	out.Close()

	_, err = (&Loader{}).Load(context.Background(), path)
	if !errors.Is(err, ErrMultipleImages) {
		t.Fatalf("expected ErrMultipleImages, got %v", err)
	}
	if got, want := err.Error(), path+": Has multiple images; unsupported"; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestReadFITSKeepsCardsAfterHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.fits")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Create(out)
	if err != nil {
		t.Fatal(err)
	}
	img := fitsio.NewImage(8, []int{4, 4})
	err = img.Header().Append(
		fitsio.Card{Name: "HISTORY", Comment: "calibrated"},
		fitsio.Card{Name: "COMMENT", Comment: "flat fielded"},
		fitsio.Card{Name: "EXPTIME", Value: 120.0},
		fitsio.Card{Name: "HISTORY", Comment: "stacked"},
		fitsio.Card{Name: "FILTER", Value: "Ha"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Write(make([]uint8, 16)); err != nil {
		t.Fatal(err)
	}
	if err := f.Write(img); err != nil {
		t.Fatal(err)
	}
	img.Close()
	f.Close()
	out.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	got, err := ReadFITS(in, path)
	if err != nil {
		t.Fatalf("ReadFITS: %v", err)
	}
	var names []string
	for _, c := range got.Cards {
		names = append(names, c.Name)
	}
	want := []string{"HISTORY", "COMMENT", "EXPTIME", "HISTORY", "FILTER"}
	var filtered []string
	for _, n := range names {
		if n == "HISTORY" || n == "COMMENT" || n == "EXPTIME" || n == "FILTER" {
			filtered = append(filtered, n)
		}
	}
	if len(filtered) != len(want) {
		t.Fatalf("cards = %v, want %v in order", names, want)
	}
	for i := range want {
		if filtered[i] != want[i] {
			t.Fatalf("cards = %v, want %v in order", names, want)
		}
	}
	if c := got.Cards[len(got.Cards)-1]; c.Name != "FILTER" || c.Value != "Ha" {
		t.Errorf("last card = %s=%v, want FILTER=Ha", c.Name, c.Value)
	}
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := (&Loader{}).Load(context.Background(), filepath.Join(dir, "missing.fits")); err == nil {
		t.Error("expected an error for a missing file")
	}
	odd := filepath.Join(dir, "frame.xyz")
	if err := os.WriteFile(odd, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (&Loader{}).Load(context.Background(), odd); err == nil {
		t.Error("expected an error for an unsupported format")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&Loader{}).Load(ctx, odd); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLoaderReadsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	img := image.NewGray16(image.Rect(0, 0, 4, 3))
	img.SetGray16(1, 2, color.Gray16{Y: 32768})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	m, err := (&Loader{}).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer m.Close()
	if m.Cols() != 4 || m.Rows() != 3 {
		t.Fatalf("unexpected size %dx%d", m.Cols(), m.Rows())
	}
	if v := m.DataFloat32()[2*4+1]; math.Abs(float64(v)-32768.0/65535) > 1e-4 {
		t.Errorf("unexpected pixel value %f", v)
	}
}

func TestLoadFITSFromMemory(t *testing.T) {
	path, _ := writeRamp(t, "ramp.fits", 8, 4)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	m, err := (&Loader{}).LoadFITS(data, "buffer")
	if err != nil {
		t.Fatalf("LoadFITS: %v", err)
	}
	defer m.Close()
	if m.Cols() != 8 || m.Rows() != 4 {
		t.Errorf("unexpected size %dx%d", m.Cols(), m.Rows())
	}
}

func TestIntensityFloatAndSignedData(t *testing.T) {
	unit := &FITSImage{Width: 2, Height: 1, Planes: 1, Bitpix: -32, BScale: 1,
		Raw: []byte{0x3e, 0x80, 0, 0, 0x3f, 0, 0, 0}} // 0.25, 0.5
	if got := unit.Intensity(); got[0] != 0.25 || got[1] != 0.5 {
		t.Errorf("floats inside [0,1] must be kept, got %v", got)
	}

	adu := &FITSImage{Width: 2, Height: 1, Planes: 1, Bitpix: -32, BScale: 1,
		Raw: []byte{0x42, 0xc8, 0, 0, 0x43, 0x48, 0, 0}} // 100, 200
	if got := adu.Intensity(); got[0] != 0 || got[1] != 1 {
		t.Errorf("out of range floats must be rescaled, got %v", got)
	}

	signed := &FITSImage{Width: 2, Height: 1, Planes: 1, Bitpix: 16, BScale: 1,
		Raw: []byte{0x80, 0x00, 0x7f, 0xff}} // -32768, 32767
	if got := signed.Intensity(); got[0] != 0 || got[1] != 1 {
		t.Errorf("signed data must map its full range, got %v", got)
	}
}

func TestWriterEmbedsWeightKeyword(t *testing.T) {
	src, _ := writeRamp(t, "in.fits", 8, 8)
	dst := filepath.Join(t.TempDir(), "out_a.fits")
	w := &Writer{}
	if err := w.WriteWeighted(src, dst, "SSWEIGHT", 0.5); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// Writing the output again must replace, not duplicate, the keyword.
	again := filepath.Join(t.TempDir(), "out_b.fits")
	if err := w.WriteWeighted(dst, again, "SSWEIGHT", 0.25); err != nil {
		t.Fatalf("second write: %v", err)
	}

	in, err := os.Open(again)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	img, err := ReadFITS(in, again)
	if err != nil {
		t.Fatalf("ReadFITS: %v", err)
	}
	var weights, history int
	for _, c := range img.Cards {
		switch c.Name {
		case "SSWEIGHT":
			weights++
			if v, ok := c.Value.(float64); !ok || v != 0.25 {
				t.Errorf("unexpected weight value %v", c.Value)
			}
		case "HISTORY":
			history++
		}
	}
	if weights != 1 {
		t.Errorf("expected one weight card, got %d", weights)
	}
	if history < 1 {
		t.Error("expected a HISTORY card")
	}
	if img.Bitpix != 16 || img.BZero != 32768 {
		t.Errorf("sample format changed: BITPIX %d BZERO %f", img.Bitpix, img.BZero)
	}
}

func TestWriterFallsBackToTIFF(t *testing.T) {
	src, want := writeRamp(t, "in.fits", 8, 8)
	dst := filepath.Join(t.TempDir(), "out.tif")
	if err := (&Writer{Hints: "compress"}).WriteWeighted(src, dst, "SSWEIGHT", 1); err != nil {
		t.Fatalf("WriteWeighted: %v", err)
	}
	m, err := (&Loader{}).Load(context.Background(), dst)
	if err != nil {
		t.Fatalf("reloading TIFF: %v", err)
	}
	defer m.Close()
	if v := m.DataFloat32()[10]; math.Abs(float64(v-want[10])) > 2.0/65535 {
		t.Errorf("pixel 10: got %f want %f", v, want[10])
	}
}

func TestDetectFormatAndHints(t *testing.T) {
	cases := map[string]Format{
		"a.FITS": FormatFITS, "b.fit": FormatFITS, "c.fts": FormatFITS,
		"d.tiff": FormatRaster, "e.PNG": FormatRaster, "f.xisf": FormatUnknown,
	}
	for path, want := range cases {
		if got := DetectFormat(path); got != want {
			t.Errorf("DetectFormat(%q) = %v, want %v", path, got, want)
		}
	}
	hints := ParseHints("raw  Bayer=GRBG")
	if hints["raw"] != "true" || hints["bayer"] != "GRBG" {
		t.Errorf("unexpected hints %v", hints)
	}
}
