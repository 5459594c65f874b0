// Package config loads the user settings of the subframe selector.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"subframeselector/pkg/subframe"
)

const (
	defaultConfigPath = "~/.config/subframeselector/config.yaml"
	// EnvConfig overrides the config file location.
	EnvConfig = "SUBFRAMESELECTOR_CONFIG"
)

// Config holds user-editable settings.
type Config struct {
	Logging     Logging     `json:"logging" yaml:"logging"`
	Cache       Cache       `json:"cache" yaml:"cache"`
	Processing  Processing  `json:"processing" yaml:"processing"`
	Detection   Detection   `json:"detection" yaml:"detection"`
	PSF         PSF         `json:"psf" yaml:"psf"`
	Camera      Camera      `json:"camera" yaml:"camera"`
	ROI         ROI         `json:"roi" yaml:"roi"`
	InputHints  string      `json:"input_hints" yaml:"input_hints"`
	Output      Output      `json:"output" yaml:"output"`
	Expressions Expressions `json:"expressions" yaml:"expressions"`
}

// Logging controls verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `json:"format" yaml:"format"` // traditional, text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"`
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Cache configures the measurement cache.
type Cache struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// MaxAge returns the retention as a duration; zero keeps rows forever.
func (c Cache) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// Processing caps parallelism.
type Processing struct {
	MaxWorkers        int `json:"max_workers" yaml:"max_workers"` // 0 means one per CPU
	MemoryPerWorkerMB int `json:"memory_per_worker_mb" yaml:"memory_per_worker_mb"`
	PollIntervalMS    int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// Detection mirrors subframe.DetectorParams.
type Detection struct {
	StructureLayers            int     `json:"structure_layers" yaml:"structure_layers"`
	NoiseLayers                int     `json:"noise_layers" yaml:"noise_layers"`
	HotPixelFilterRadius       int     `json:"hot_pixel_filter_radius" yaml:"hot_pixel_filter_radius"`
	ApplyHotPixelFilter        bool    `json:"apply_hot_pixel_filter" yaml:"apply_hot_pixel_filter"`
	NoiseReductionFilterRadius int     `json:"noise_reduction_filter_radius" yaml:"noise_reduction_filter_radius"`
	Sensitivity                float64 `json:"sensitivity" yaml:"sensitivity"`
	PeakResponse               float64 `json:"peak_response" yaml:"peak_response"`
	MaxDistortion              float64 `json:"max_distortion" yaml:"max_distortion"`
	UpperLimit                 float64 `json:"upper_limit" yaml:"upper_limit"`
	BackgroundExpansion        int     `json:"background_expansion" yaml:"background_expansion"`
	XYStretch                  float64 `json:"xy_stretch" yaml:"xy_stretch"`
}

// Params converts d to detector parameters.
func (d Detection) Params() subframe.DetectorParams {
	return subframe.DetectorParams{
		StructureLayers:            d.StructureLayers,
		NoiseLayers:                d.NoiseLayers,
		HotPixelFilterRadius:       d.HotPixelFilterRadius,
		ApplyHotPixelFilter:        d.ApplyHotPixelFilter,
		NoiseReductionFilterRadius: d.NoiseReductionFilterRadius,
		Sensitivity:                d.Sensitivity,
		PeakResponse:               d.PeakResponse,
		MaxDistortion:              d.MaxDistortion,
		UpperLimit:                 d.UpperLimit,
		BackgroundExpansion:        d.BackgroundExpansion,
		XYStretch:                  d.XYStretch,
	}
}

func detectionFrom(p subframe.DetectorParams) Detection {
	return Detection{
		StructureLayers:            p.StructureLayers,
		NoiseLayers:                p.NoiseLayers,
		HotPixelFilterRadius:       p.HotPixelFilterRadius,
		ApplyHotPixelFilter:        p.ApplyHotPixelFilter,
		NoiseReductionFilterRadius: p.NoiseReductionFilterRadius,
		Sensitivity:                p.Sensitivity,
		PeakResponse:               p.PeakResponse,
		MaxDistortion:              p.MaxDistortion,
		UpperLimit:                 p.UpperLimit,
		BackgroundExpansion:        p.BackgroundExpansion,
		XYStretch:                  p.XYStretch,
	}
}

// PSF selects the fitted model.
type PSF struct {
	Function string `json:"function" yaml:"function"`
	Circular bool   `json:"circular" yaml:"circular"`
}

// Camera describes the sensor and the presentation units.
type Camera struct {
	Pedestal       int     `json:"pedestal" yaml:"pedestal"`
	ResolutionBits int     `json:"resolution_bits" yaml:"resolution_bits"`
	Gain           float64 `json:"gain" yaml:"gain"`
	SubframeScale  float64 `json:"subframe_scale" yaml:"subframe_scale"`
	ScaleUnit      string  `json:"scale_unit" yaml:"scale_unit"`
	DataUnit       string  `json:"data_unit" yaml:"data_unit"`
}

// ROI restricts detection; a zero width or height disables it.
type ROI struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Rect returns the region as a rectangle.
func (r ROI) Rect() image.Rectangle {
	if r.Width <= 0 || r.Height <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Output configures the output stage.
type Output struct {
	Directory string `json:"directory" yaml:"directory"`
	Extension string `json:"extension" yaml:"extension"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Postfix   string `json:"postfix" yaml:"postfix"`
	Keyword   string `json:"keyword" yaml:"keyword"`
	Overwrite bool   `json:"overwrite" yaml:"overwrite"`
	OnError   string `json:"on_error" yaml:"on_error"` // continue, abort, ask
	Hints     string `json:"hints" yaml:"hints"`
}

// Expressions hold the approval and weighting rules.
type Expressions struct {
	Approval  string `json:"approval" yaml:"approval"`
	Weighting string `json:"weighting" yaml:"weighting"`
	SortBy    string `json:"sort_by" yaml:"sort_by"`
	Ascending bool   `json:"ascending" yaml:"ascending"`
}

// Load reads the configuration, falling back to defaults when no file exists.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. Files ending in .json are JSON,
// everything else YAML.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()
	expanded, err := ExpandUser(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(expanded), ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	expanded, err := ExpandUser(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

// Default returns the built-in settings.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Logging: Logging{
			Level:  "info",
			Format: "traditional",
			LogDir: "~/.local/state/subframeselector/logs",
		},
		Cache: Cache{
			Enabled:    true,
			Path:       "~/.cache/subframeselector/cache.db",
			MaxAgeDays: 30,
		},
		Processing: Processing{
			MemoryPerWorkerMB: 512,
			PollIntervalMS:    150,
		},
		Detection: detectionFrom(subframe.NewDetectorParams()),
		PSF:       PSF{Function: subframe.PSFMoffat4.String()},
		Camera: Camera{
			ResolutionBits: 16,
			Gain:           1,
			SubframeScale:  1,
			ScaleUnit:      "arcsec",
			DataUnit:       "normalized",
		},
		Output: Output{
			Postfix: "_a",
			Keyword: "SSWEIGHT",
			OnError: "continue",
		},
		Expressions: Expressions{SortBy: "Index", Ascending: true},
	}
}

// ExpandUser replaces a leading ~ with the home directory.
func ExpandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
