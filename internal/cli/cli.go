// Package cli wires configuration, measurement, selection and output into
// the subframeselector commands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"subframeselector/internal/config"
	"subframeselector/pkg/cache"
	"subframeselector/pkg/imageio"
	"subframeselector/pkg/output"
	"subframeselector/pkg/scheduler"
	"subframeselector/pkg/selection"
	"subframeselector/pkg/subframe"
)

// Version is printed by the version command.
var Version = "1.0.0"

// Root carries the state shared by all commands.
type Root struct {
	cfg *config.Config
	log *slog.Logger
}

// NewRoot returns a Root for cfg.
func NewRoot(cfg *config.Config, log *slog.Logger) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Root{cfg: cfg, log: log}
}

// measurer builds the measurement pipeline from the configuration.
func (r *Root) measurer() (*subframe.Measurer, error) {
	params := r.cfg.Detection.Params()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	fn, err := subframe.ParsePSFFunction(r.cfg.PSF.Function)
	if err != nil {
		return nil, err
	}
	return &subframe.Measurer{
		Loader: &imageio.Loader{
			Hints:      r.cfg.InputHints,
			Pedestal:   r.cfg.Camera.Pedestal,
			Resolution: subframe.CameraResolution(r.cfg.Camera.ResolutionBits),
			Logger:     r.log,
		},
		Noise:    subframe.NewNoiseEstimator(),
		Detector: subframe.NewStarDetector(params),
		Fitter:   subframe.NewPSFFitter(fn, r.cfg.PSF.Circular),
		Function: fn,
		ROI:      r.cfg.ROI.Rect(),
		Logger:   r.log,
	}, nil
}

func (r *Root) units() (selection.Units, error) {
	scale, err := selection.ParseScaleUnit(r.cfg.Camera.ScaleUnit)
	if err != nil {
		return selection.Units{}, err
	}
	data, err := selection.ParseDataUnit(r.cfg.Camera.DataUnit)
	if err != nil {
		return selection.Units{}, err
	}
	return selection.Units{
		SubframeScale: r.cfg.Camera.SubframeScale,
		ScaleUnit:     scale,
		CameraGain:    r.cfg.Camera.Gain,
		Resolution:    subframe.CameraResolution(r.cfg.Camera.ResolutionBits),
		DataUnit:      data,
	}, nil
}

// openCache returns the configured store, or nil when caching is off.
func (r *Root) openCache() (*cache.Store, error) {
	if !r.cfg.Cache.Enabled {
		return nil, nil
	}
	path, err := config.ExpandUser(r.cfg.Cache.Path)
	if err != nil {
		return nil, err
	}
	store, err := cache.Open(path, r.cfg.Cache.MaxAge())
	if err != nil {
		return nil, err
	}
	store.Logger = r.log
	if _, err := store.Load(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (r *Root) scheduler(m scheduler.Measurer, store *cache.Store) *scheduler.Scheduler {
	s := scheduler.New(m, store, r.log)
	s.UseCache = store != nil
	s.MaxWorkers = r.cfg.Processing.MaxWorkers
	if mb := r.cfg.Processing.MemoryPerWorkerMB; mb > 0 {
		s.MemoryPerWorker = uint64(mb) << 20
	}
	if ms := r.cfg.Processing.PollIntervalMS; ms > 0 {
		s.PollInterval = time.Duration(ms) * time.Millisecond
	}
	return s
}

// measure runs the scheduler over paths and applies the configured
// approval, weighting and sort.
func (r *Root) measure(ctx context.Context, paths []string) (*scheduler.Result, error) {
	m, err := r.measurer()
	if err != nil {
		return nil, err
	}
	store, err := r.openCache()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	subframes := make([]scheduler.Subframe, len(paths))
	for i, p := range paths {
		subframes[i] = scheduler.Subframe{Path: p, Enabled: true}
	}
	res, err := r.scheduler(m, store).Measure(ctx, subframes)
	if err != nil {
		return res, err
	}
	if err := r.selectItems(res.Items); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Root) selectItems(items []scheduler.MeasureItem) error {
	u, err := r.units()
	if err != nil {
		return err
	}
	ev := selection.NewExprEvaluator()
	ev.Logger = r.log
	ex := r.cfg.Expressions
	if err := selection.Approve(items, ex.Approval, u, ev); err != nil {
		return err
	}
	if err := selection.Weigh(items, ex.Weighting, u, ev); err != nil {
		return err
	}
	if ex.SortBy != "" {
		p, err := selection.ParseProperty(ex.SortBy)
		if err != nil {
			return err
		}
		selection.SortItems(items, p, ex.Ascending)
	}
	return nil
}

func (r *Root) outputter(in io.Reader, out io.Writer) (*output.Outputter, error) {
	oc := r.cfg.Output
	policy, err := output.ParseErrorPolicy(oc.OnError)
	if err != nil {
		return nil, err
	}
	opts := output.Options{
		Directory: oc.Directory,
		Extension: oc.Extension,
		Prefix:    oc.Prefix,
		Postfix:   oc.Postfix,
		Keyword:   oc.Keyword,
		Overwrite: oc.Overwrite,
		OnError:   policy,
	}
	if policy == output.OnErrorAskUser {
		opts.Ask = askUser(in, out)
	}
	return output.New(&imageio.Writer{Hints: oc.Hints, Logger: r.log}, opts, r.log), nil
}

// askUser prompts on out and reads the answer from in. Anything but
// "a" or "abort" ignores the error.
func askUser(in io.Reader, out io.Writer) func(string, error) bool {
	br := bufio.NewReader(in)
	return func(path string, err error) bool {
		fmt.Fprintf(out, "An error occurred writing %s: %v\n[i]gnore or [a]bort? ", path, err)
		line, _ := br.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "a" || answer == "abort"
	}
}

// expandInputs turns files, directories and glob patterns into a sorted,
// de-duplicated list of subframe paths.
func expandInputs(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
		if matches == nil {
			// Missing files are reported per subframe by the measurement.
			add(arg)
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				add(m)
				continue
			}
			entries, err := os.ReadDir(m)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				p := filepath.Join(m, e.Name())
				if !e.IsDir() && imageio.DetectFormat(p) != imageio.FormatUnknown {
					add(p)
				}
			}
		}
	}
	return out, nil
}

// printTable writes one row per item in presentation units.
func printTable(w io.Writer, items []scheduler.MeasureItem, u selection.Units) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Index\tOK\tWeight\tFWHM\tEcc\tSNRWeight\tMedian\tNoise\tStars\tResidual\tFile")
	for i := range items {
		it := &items[i]
		ok := "-"
		if it.Enabled {
			ok = "x"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.3f\t%.3f\t%.3f\t%.4g\t%.4g\t%d\t%.4f\t%s\n",
			it.Index, ok, it.Weight,
			u.Value(it, selection.PropFWHM),
			it.Eccentricity,
			it.SNRWeight,
			u.Value(it, selection.PropMedian),
			u.Value(it, selection.PropNoise),
			it.Stars,
			it.StarResidual,
			filepath.Base(it.Path))
	}
	return tw.Flush()
}
