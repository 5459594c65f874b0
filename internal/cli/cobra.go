package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"subframeselector/internal/config"
	"subframeselector/internal/logging"
	"subframeselector/internal/synth"
	"subframeselector/internal/watch"
	"subframeselector/pkg/scheduler"
	"subframeselector/pkg/subframe"
)

// NewRootCmd creates the root command.
func NewRootCmd(root *Root) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	rootCmd := &cobra.Command{
		Use:   "subframeselector",
		Short: "Measure, weight and select astronomical subframes",
		Long: `subframeselector measures star and noise statistics of calibrated subframes,
approves and weights them with expressions, and writes the weight to the output files.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := config.LoadFile(configPath)
				if err != nil {
					return err
				}
				root.cfg = cfg
			}
			if logLevel != "" {
				root.cfg.Logging.Level = logLevel
				root.log = logging.New(cmd.ErrOrStderr(), logLevel, root.cfg.Logging.Format)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(newMeasureCmd(root))
	rootCmd.AddCommand(newOutputCmd(root))
	rootCmd.AddCommand(newPreviewCmd(root))
	rootCmd.AddCommand(newSynthCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newCacheCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

// selectionFlags are shared by measure and output.
type selectionFlags struct {
	workers   int
	noCache   bool
	approval  string
	weighting string
	sortBy    string
	desc      bool
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.workers, "workers", 0, "maximum worker count (0 uses the configured value)")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "measure every subframe, ignoring the cache")
	cmd.Flags().StringVar(&f.approval, "approve", "", "approval expression, e.g. \"FWHM < 4 && Stars > 50\"")
	cmd.Flags().StringVar(&f.weighting, "weight", "", "weighting expression, e.g. \"SNRWeight / FWHM\"")
	cmd.Flags().StringVar(&f.sortBy, "sort", "", "property to sort by")
	cmd.Flags().BoolVar(&f.desc, "desc", false, "sort in descending order")
}

func (f *selectionFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if f.workers > 0 {
		cfg.Processing.MaxWorkers = f.workers
	}
	if f.noCache {
		cfg.Cache.Enabled = false
	}
	if cmd.Flags().Changed("approve") {
		cfg.Expressions.Approval = f.approval
	}
	if cmd.Flags().Changed("weight") {
		cfg.Expressions.Weighting = f.weighting
	}
	if f.sortBy != "" {
		cfg.Expressions.SortBy = f.sortBy
	}
	if cmd.Flags().Changed("desc") {
		cfg.Expressions.Ascending = !f.desc
	}
}

func (r *Root) runMeasure(cmd *cobra.Command, args []string) (*scheduler.Result, error) {
	paths, err := expandInputs(args)
	if err != nil {
		return nil, err
	}
	res, err := r.measure(cmd.Context(), paths)
	if res != nil && len(res.Items) > 0 {
		u, uerr := r.units()
		if uerr != nil {
			return res, uerr
		}
		if perr := printTable(cmd.OutOrStdout(), res.Items, u); perr != nil {
			return res, perr
		}
	}
	return res, err
}

func newMeasureCmd(root *Root) *cobra.Command {
	var flags selectionFlags
	cmd := &cobra.Command{
		Use:   "measure <subframe|dir|glob>...",
		Short: "Measure subframes and print their quality metrics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, root.cfg)
			_, err := root.runMeasure(cmd, args)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newOutputCmd(root *Root) *cobra.Command {
	var (
		flags     selectionFlags
		dir       string
		ext       string
		prefix    string
		postfix   string
		keyword   string
		overwrite bool
		onError   string
	)
	cmd := &cobra.Command{
		Use:   "output <subframe|dir|glob>...",
		Short: "Measure subframes and write the approved ones with their weight keyword",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, root.cfg)
			oc := &root.cfg.Output
			for name, dst := range map[string]*string{"dir": &oc.Directory, "ext": &oc.Extension, "prefix": &oc.Prefix, "postfix": &oc.Postfix, "keyword": &oc.Keyword, "on-error": &oc.OnError} {
				if cmd.Flags().Changed(name) {
					v, _ := cmd.Flags().GetString(name)
					*dst = v
				}
			}
			if cmd.Flags().Changed("overwrite") {
				oc.Overwrite = overwrite
			}

			res, err := root.runMeasure(cmd, args)
			if err != nil {
				return err
			}
			o, err := root.outputter(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			sum, err := o.Run(cmd.Context(), res.Items)
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default: next to each input)")
	cmd.Flags().StringVar(&ext, "ext", "", "output extension (default: input extension)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "output file name prefix")
	cmd.Flags().StringVar(&postfix, "postfix", "_a", "output file name postfix")
	cmd.Flags().StringVar(&keyword, "keyword", "SSWEIGHT", "FITS keyword receiving the weight")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing output files")
	cmd.Flags().StringVar(&onError, "on-error", "continue", "continue, abort or ask")
	return cmd
}

func newPreviewCmd(root *Root) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "preview <subframe>",
		Short: "Run star detection on one subframe and render a JPEG overlay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := root.measurer()
			if err != nil {
				return err
			}
			preview, err := scheduler.TestDetection(cmd.Context(), []scheduler.Subframe{{Path: args[0], Enabled: true}}, m, root.cfg.Detection.Params())
			if err != nil {
				return err
			}
			defer preview.Close()

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := preview.RenderOverlay(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			field := preview.Field
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Stars: %d\n", len(preview.Detection.Stars))
			fmt.Fprintf(w, "Median: %.6f  Noise: %.3e (%s, %.1f%% of pixels)\n",
				preview.Median, preview.Noise.Sigma, preview.Noise.Method, 100*preview.Noise.Fraction)
			fmt.Fprintf(w, "Balance: %.2f  Empty zones: %d\n", field.Balance, field.EmptyZones)
			if !field.Reliable {
				fmt.Fprintln(w, "[LOW STAR COUNT]")
			}
			fmt.Fprintf(w, "Overlay written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "preview.jpg", "overlay JPEG path")
	return cmd
}

func newSynthCmd(root *Root) *cobra.Command {
	var (
		field   synth.Field
		spacing int
		amp     float64
		sigma   float64
		moffat  bool
		beta    float64
	)
	cmd := &cobra.Command{
		Use:   "synth <out.fits>",
		Short: "Write a synthetic star field for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if field.Width <= 0 || field.Height <= 0 || spacing <= 0 {
				return errors.New("width, height and spacing must be positive")
			}
			field.Stars = synth.Grid(field.Width, field.Height, spacing, amp, sigma)
			if moffat {
				field.Profile = synth.Moffat
				for i := range field.Stars {
					field.Stars[i].Beta = beta
				}
			}
			if err := synth.WriteFITS(args[0], field.Width, field.Height, field.Render()); err != nil {
				return err
			}
			root.log.Info(fmt.Sprintf("Wrote %d stars to %s", len(field.Stars), args[0]))
			return nil
		},
	}
	cmd.Flags().IntVar(&field.Width, "width", 512, "image width")
	cmd.Flags().IntVar(&field.Height, "height", 512, "image height")
	cmd.Flags().Float64Var(&field.Background, "background", 0.1, "normalized background level")
	cmd.Flags().Float64Var(&field.Noise, "noise", 0.005, "Gaussian noise sigma")
	cmd.Flags().Uint32Var(&field.Seed, "seed", 1, "noise seed")
	cmd.Flags().IntVar(&spacing, "spacing", 48, "star grid spacing in pixels")
	cmd.Flags().Float64Var(&amp, "amplitude", 0.5, "star peak amplitude")
	cmd.Flags().Float64Var(&sigma, "sigma", 2, "star scale in pixels")
	cmd.Flags().BoolVar(&moffat, "moffat", false, "render Moffat instead of Gaussian stars")
	cmd.Flags().Float64Var(&beta, "beta", 4, "Moffat exponent")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	w := &watch.Watcher{}
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Measure subframes as they are written to a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w.Dir = args[0]
			w.Logger = root.log
			m, err := root.measurer()
			if err != nil {
				return err
			}
			store, err := root.openCache()
			if err != nil {
				return err
			}
			defer store.Close()
			s := root.scheduler(m, store)
			out := cmd.OutOrStdout()
			return w.Run(cmd.Context(), func(ctx context.Context, path string) {
				res, err := s.Measure(ctx, []scheduler.Subframe{{Path: path, Enabled: true}})
				if err != nil {
					root.log.Error(fmt.Sprintf("*** Error: %s: %v", path, err))
					return
				}
				it := res.Items[0]
				fmt.Fprintf(out, "%s  FWHM=%.3f  Ecc=%.3f  SNRWeight=%.3f  Stars=%d\n",
					filepath.Base(path), it.FWHM, it.Eccentricity, it.SNRWeight, it.Stars)
			})
		},
	}
	cmd.Flags().BoolVar(&w.Existing, "existing", false, "also measure files already in the directory")
	cmd.Flags().DurationVar(&w.Settle, "settle", watch.DefaultSettle, "quiet time before a new file is measured")
	return cmd
}

func newCacheCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the measurement cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the cache location and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.cfg.Cache.Enabled = true
			store, err := root.openCache()
			if err != nil {
				return err
			}
			n, err := store.Load()
			if err != nil {
				store.Close()
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			path, _ := config.ExpandUser(root.cfg.Cache.Path)
			size := "0 B"
			if info, err := os.Stat(path); err == nil {
				size = humanize.Bytes(uint64(info.Size()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s entries, %s\n", path, humanize.Comma(int64(n)), size)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached measurement",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.cfg.Cache.Enabled = true
			store, err := root.openCache()
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				store.Close()
				return err
			}
			root.log.Info("Cache cleared")
			return store.Close()
		},
	})
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or save the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "save <path>",
		Short: "Write the effective configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cfg.Save(args[0])
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("subframeselector v%s (%s)\n", Version, subframe.Backend)
		},
	}
}
