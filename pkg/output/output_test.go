package output

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"subframeselector/internal/synth"
	"subframeselector/pkg/imageio"
	"subframeselector/pkg/scheduler"
	"subframeselector/pkg/subframe"
)

type written struct {
	src, dst, keyword string
	weight            float64
}

type stubWriter struct {
	calls []written
	fail  map[string]bool
}

func (s *stubWriter) WriteWeighted(src, dst, keyword string, weight float64) error {
	if s.fail[src] {
		return errors.New("disk full")
	}
	s.calls = append(s.calls, written{src, dst, keyword, weight})
	return os.WriteFile(dst, []byte("x"), 0o644)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("in"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func inputs(t *testing.T, n int) (string, []scheduler.MeasureItem) {
	t.Helper()
	dir := t.TempDir()
	items := make([]scheduler.MeasureItem, n)
	for i := range items {
		p := filepath.Join(dir, "light_"+string(rune('a'+i))+".fits")
		touch(t, p)
		items[i] = scheduler.MeasureItem{Index: i + 1, Enabled: true, Path: p, Weight: float64(i) + 0.5}
	}
	return dir, items
}

func TestCanOutput(t *testing.T) {
	_, items := inputs(t, 1)
	if err := CanOutput(nil, DefaultOptions()); !errors.Is(err, ErrNoMeasurements) {
		t.Fatalf("err = %v", err)
	}
	opts := DefaultOptions()
	opts.Keyword = " "
	if err := CanOutput(items, opts); !errors.Is(err, ErrBlankKeyword) {
		t.Fatalf("err = %v", err)
	}
	opts = DefaultOptions()
	opts.Directory = filepath.Join(t.TempDir(), "missing")
	if err := CanOutput(items, opts); !errors.Is(err, ErrNoOutputDir) {
		t.Fatalf("err = %v", err)
	}
	if err := CanOutput(items, DefaultOptions()); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		src  string
		want string
	}{
		{"defaults", DefaultOptions(), "/data/m31.fits", "/data/m31_a.fits"},
		{"directory and extension", Options{Directory: "/out", Extension: "fit", Prefix: "w_"}, "/data/m31.fits", "/out/w_m31.fit"},
		{"dotted extension", Options{Extension: ".tif"}, "/data/m31.fits", "/data/m31.tif"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := New(nil, tc.opts, nil)
			got, err := o.OutputPath(tc.src)
			if err != nil {
				t.Fatalf("OutputPath: %v", err)
			}
			if got != filepath.FromSlash(tc.want) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
	if _, err := New(nil, DefaultOptions(), nil).OutputPath("/data/noext"); err == nil {
		t.Fatalf("expected error for missing extension")
	}
}

func TestUniqueFilePath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.fits")
	if got := UniqueFilePath(p); got != p {
		t.Fatalf("got %q for free path", got)
	}
	touch(t, p)
	touch(t, filepath.Join(dir, "f_1.fits"))
	if got := UniqueFilePath(p); got != filepath.Join(dir, "f_2.fits") {
		t.Fatalf("got %q", got)
	}
}

func TestRunCounts(t *testing.T) {
	dir, items := inputs(t, 3)
	items[1].Enabled = false
	w := &stubWriter{}
	sum, err := New(w, DefaultOptions(), nil).Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Output != 2 || sum.Rejected != 1 || sum.Total != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.String() != "2 Output subframes, 1 Rejected subframes, 3 total" {
		t.Fatalf("summary text = %q", sum.String())
	}
	if w.calls[1].dst != filepath.Join(dir, "light_c_a.fits") || w.calls[1].weight != 2.5 || w.calls[1].keyword != DefaultKeyword {
		t.Fatalf("second write = %+v", w.calls[1])
	}
}

func TestRunExistingOutput(t *testing.T) {
	dir, items := inputs(t, 1)
	existing := filepath.Join(dir, "light_a_a.fits")
	touch(t, existing)

	w := &stubWriter{}
	if _, err := New(w, DefaultOptions(), nil).Run(context.Background(), items); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.calls[0].dst != filepath.Join(dir, "light_a_a_1.fits") {
		t.Fatalf("dst = %q, want uniquified", w.calls[0].dst)
	}

	opts := DefaultOptions()
	opts.Overwrite = true
	w = &stubWriter{}
	if _, err := New(w, opts, nil).Run(context.Background(), items); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.calls[0].dst != existing {
		t.Fatalf("dst = %q, want overwrite of %q", w.calls[0].dst, existing)
	}
}

func TestRunMissingInput(t *testing.T) {
	_, items := inputs(t, 2)
	os.Remove(items[1].Path)
	w := &stubWriter{}
	if _, err := New(w, DefaultOptions(), nil).Run(context.Background(), items); err == nil {
		t.Fatalf("expected error for missing input")
	}
	if len(w.calls) != 0 {
		t.Fatalf("wrote %d files before validation failed", len(w.calls))
	}
}

func TestRunErrorPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  ErrorPolicy
		ask     func(string, error) bool
		wantOut int
		wantErr error
	}{
		{"continue", OnErrorContinue, nil, 2, nil},
		{"abort", OnErrorAbort, nil, 0, errors.New("any")},
		{"ask ignore", OnErrorAskUser, func(string, error) bool { return false }, 2, nil},
		{"ask abort", OnErrorAskUser, func(string, error) bool { return true }, 0, subframe.ErrAborted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, items := inputs(t, 3)
			w := &stubWriter{fail: map[string]bool{items[0].Path: true}}
			opts := DefaultOptions()
			opts.OnError = tc.policy
			opts.Ask = tc.ask
			sum, err := New(w, opts, nil).Run(context.Background(), items)
			if (err != nil) != (tc.wantErr != nil) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if errors.Is(tc.wantErr, subframe.ErrAborted) && !errors.Is(err, subframe.ErrAborted) {
				t.Fatalf("err = %v, want ErrAborted", err)
			}
			if sum.Output != tc.wantOut || sum.Failed != 1 {
				t.Fatalf("summary = %+v", sum)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	_, items := inputs(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(&stubWriter{}, DefaultOptions(), nil).Run(ctx, items); !errors.Is(err, subframe.ErrAborted) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseErrorPolicy(t *testing.T) {
	if p, err := ParseErrorPolicy("Abort"); err != nil || p != OnErrorAbort {
		t.Fatalf("got %v, %v", p, err)
	}
	if _, err := ParseErrorPolicy("retry"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunWritesFITSWeight(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "sub.fits")
	field := synth.Field{Width: 64, Height: 64, Background: 0.1, Noise: 0.01, Seed: 7}
	if err := synth.WriteFITS(src, field.Width, field.Height, field.Render()); err != nil {
		t.Fatalf("WriteFITS: %v", err)
	}

	items := []scheduler.MeasureItem{{Index: 1, Enabled: true, Path: src, Weight: 0.75}}
	sum, err := New(&imageio.Writer{}, DefaultOptions(), nil).Run(context.Background(), items)
	if err != nil || sum.Output != 1 {
		t.Fatalf("Run = %+v, %v", sum, err)
	}
	out, err := os.Open(filepath.Join(dir, "sub_a.fits"))
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	defer out.Close()
	img, err := imageio.ReadFITS(out, "sub_a.fits")
	if err != nil {
		t.Fatalf("ReadFITS: %v", err)
	}
	found := false
	for _, c := range img.Cards {
		if c.Name == DefaultKeyword {
			found = true
			if v, ok := c.Value.(float64); !ok || v != 0.75 {
				t.Fatalf("keyword value = %#v", c.Value)
			}
		}
	}
	if !found {
		t.Fatalf("weight keyword not written")
	}
}
