package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"subframeselector/internal/config"
	"subframeselector/pkg/imageio"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Processing.PollIntervalMS = 5
	cfg.Processing.MaxWorkers = 2
	cfg.PSF.Function = "Gaussian"
	cfg.Camera.ScaleUnit = "pixel"
	return cfg
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cmd := NewRootCmd(NewRoot(cfg, logger))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func synthFrames(t *testing.T, cfg *config.Config, dir string, n int) []string {
	t.Helper()
	var paths []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, "light_"+string(rune('1'+i))+".fits")
		sigma := []string{"1.8", "2.2", "2.6"}[i%3]
		if _, err := execute(t, cfg, "synth", p, "--width", "192", "--height", "192", "--spacing", "32", "--amplitude", "0.4", "--sigma", sigma, "--seed", "3"); err != nil {
			t.Fatalf("synth: %v", err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestSynthAndMeasure(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	synthFrames(t, cfg, dir, 3)

	out, err := execute(t, cfg, "measure", dir, "--approve", "Stars > 5", "--weight", "SNRWeight / FWHM")
	if err != nil {
		t.Fatalf("measure: %v\n%s", err, out)
	}
	if !strings.Contains(out, "FWHM") || !strings.Contains(out, "light_3.fits") {
		t.Fatalf("table missing columns or rows:\n%s", out)
	}
	if strings.Count(out, ".fits") != 3 {
		t.Fatalf("expected three rows:\n%s", out)
	}
}

func TestOutputWritesWeightedCopies(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	outDir := t.TempDir()
	synthFrames(t, cfg, dir, 2)

	out, err := execute(t, cfg, "output", filepath.Join(dir, "*.fits"), "--dir", outDir, "--weight", "Index + 0.5", "--keyword", "MYWEIGHT")
	if err != nil {
		t.Fatalf("output: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 Output subframes, 0 Rejected subframes, 2 total") {
		t.Fatalf("summary missing:\n%s", out)
	}
	f, err := os.Open(filepath.Join(outDir, "light_2_a.fits"))
	if err != nil {
		t.Fatalf("output file missing: %v", err)
	}
	defer f.Close()
	img, err := imageio.ReadFITS(f, "light_2_a.fits")
	if err != nil {
		t.Fatalf("ReadFITS: %v", err)
	}
	for _, c := range img.Cards {
		if c.Name == "MYWEIGHT" {
			if v, ok := c.Value.(float64); !ok || v != 2.5 {
				t.Fatalf("weight = %#v, want 2.5", c.Value)
			}
			return
		}
	}
	t.Fatalf("weight keyword not found")
}

func TestOutputRejectsMissingDirectory(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	synthFrames(t, cfg, dir, 1)
	if _, err := execute(t, cfg, "output", dir, "--dir", filepath.Join(dir, "none")); err == nil {
		t.Fatalf("expected error for missing output directory")
	}
}

func TestPreview(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	paths := synthFrames(t, cfg, dir, 1)
	jpg := filepath.Join(dir, "p.jpg")
	out, err := execute(t, cfg, "preview", paths[0], "-o", jpg)
	if err != nil {
		t.Fatalf("preview: %v\n%s", err, out)
	}
	if info, err := os.Stat(jpg); err != nil || info.Size() == 0 {
		t.Fatalf("overlay not written: %v", err)
	}
	if !strings.Contains(out, "Stars: ") {
		t.Fatalf("unexpected preview output:\n%s", out)
	}
}

func TestCacheCommands(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	synthFrames(t, cfg, dir, 2)
	if _, err := execute(t, cfg, "measure", dir); err != nil {
		t.Fatalf("measure: %v", err)
	}
	out, err := execute(t, cfg, "cache", "info")
	if err != nil || !strings.Contains(out, " 2 entries") {
		t.Fatalf("cache info = %q, %v", out, err)
	}
	if _, err := execute(t, cfg, "cache", "clear"); err != nil {
		t.Fatalf("cache clear: %v", err)
	}
	out, err = execute(t, cfg, "cache", "info")
	if err != nil || !strings.Contains(out, " 0 entries") {
		t.Fatalf("cache info after clear = %q, %v", out, err)
	}
}

func TestConfigShowAndSave(t *testing.T) {
	cfg := testConfig(t)
	out, err := execute(t, cfg, "config", "show")
	if err != nil || !strings.Contains(out, "keyword: SSWEIGHT") {
		t.Fatalf("config show = %q, %v", out, err)
	}
	path := filepath.Join(t.TempDir(), "saved.yaml")
	if _, err := execute(t, cfg, "config", "save", path); err != nil {
		t.Fatalf("config save: %v", err)
	}
	loaded, err := config.LoadFile(path)
	if err != nil || loaded.PSF.Function != "Gaussian" {
		t.Fatalf("saved config = %+v, %v", loaded, err)
	}
	out, err = execute(t, config.Default(), "--config", path, "config", "show")
	if err != nil || !strings.Contains(out, "function: Gaussian") {
		t.Fatalf("--config not honoured: %q, %v", out, err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, testConfig(t), "version")
	if err != nil || !strings.HasPrefix(out, "subframeselector v"+Version) {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestExpandInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.fits", "a.fit", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := expandInputs([]string{dir, filepath.Join(dir, "*.fits"), "missing.fits"})
	if err != nil {
		t.Fatalf("expandInputs: %v", err)
	}
	want := []string{filepath.Join(dir, "a.fit"), filepath.Join(dir, "b.fits"), "missing.fits"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAskUser(t *testing.T) {
	var prompt bytes.Buffer
	ask := askUser(strings.NewReader("i\nabort\n"), &prompt)
	if ask("x.fits", io.EOF) {
		t.Fatalf("first answer should ignore")
	}
	if !ask("y.fits", io.EOF) {
		t.Fatalf("second answer should abort")
	}
	if !strings.Contains(prompt.String(), "[i]gnore or [a]bort?") {
		t.Fatalf("prompt = %q", prompt.String())
	}
}
