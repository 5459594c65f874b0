// Package output writes approved subframes with their weight keyword.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"subframeselector/pkg/scheduler"
	"subframeselector/pkg/subframe"
)

var (
	ErrNoMeasurements = errors.New("No measurements have been made.")
	ErrBlankKeyword   = errors.New("The specified output keyword is blank.")
	ErrNoOutputDir    = errors.New("The specified output directory does not exist.")
)

const (
	DefaultPostfix = "_a"
	DefaultKeyword = "SSWEIGHT"
)

// Writer copies src to dst, storing weight under keyword.
type Writer interface {
	WriteWeighted(src, dst, keyword string, weight float64) error
}

// ErrorPolicy decides what happens when one subframe cannot be written.
type ErrorPolicy int

const (
	OnErrorContinue ErrorPolicy = iota
	OnErrorAbort
	OnErrorAskUser
)

// ParseErrorPolicy accepts "continue", "abort" or "ask".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continue", "":
		return OnErrorContinue, nil
	case "abort":
		return OnErrorAbort, nil
	case "ask", "askuser":
		return OnErrorAskUser, nil
	}
	return 0, fmt.Errorf("unknown error policy %q", s)
}

func (p ErrorPolicy) String() string {
	switch p {
	case OnErrorAbort:
		return "Abort on error."
	case OnErrorAskUser:
		return "Ask on error..."
	}
	return "Continue on error."
}

// Options controls where output files go.
type Options struct {
	// Directory defaults to the directory of each input file.
	Directory string
	// Extension defaults to the input extension.
	Extension string
	Prefix    string
	Postfix   string
	Keyword   string
	Overwrite bool
	OnError   ErrorPolicy
	// Ask is consulted under OnErrorAskUser. Returning true aborts the run.
	// A nil Ask continues.
	Ask func(path string, err error) bool
}

// DefaultOptions returns the usual postfix and keyword.
func DefaultOptions() Options {
	return Options{Postfix: DefaultPostfix, Keyword: DefaultKeyword}
}

// Summary counts the outcome of a run.
type Summary struct {
	Output   int
	Rejected int
	Failed   int
	Total    int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d Output subframes, %d Rejected subframes, %d total", s.Output, s.Rejected, s.Total)
}

// Outputter writes the enabled items of a measurement run.
type Outputter struct {
	Writer  Writer
	Options Options
	Logger  *slog.Logger
}

// New returns an Outputter for w.
func New(w Writer, opts Options, logger *slog.Logger) *Outputter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outputter{Writer: w, Options: opts, Logger: logger}
}

func (o *Outputter) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// CanOutput checks the parameters of a run before any file is touched.
func CanOutput(items []scheduler.MeasureItem, opts Options) error {
	if len(items) == 0 {
		return ErrNoMeasurements
	}
	if strings.TrimSpace(opts.Keyword) == "" {
		return ErrBlankKeyword
	}
	if dir := strings.TrimSpace(opts.Directory); dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return ErrNoOutputDir
		}
	}
	return nil
}

// OutputPath derives the output file path of src.
func (o *Outputter) OutputPath(src string) (string, error) {
	dir := strings.TrimSpace(o.Options.Directory)
	if dir == "" {
		dir = filepath.Dir(src)
	}
	inExt := strings.TrimSpace(filepath.Ext(src))
	if inExt == "" {
		return "", fmt.Errorf("%s: Unable to determine an input file extension.", src)
	}
	ext := strings.TrimSpace(o.Options.Extension)
	if ext == "" {
		ext = inExt
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := strings.TrimSpace(strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)))
	name = o.Options.Prefix + name + o.Options.Postfix
	if name == "" {
		return "", fmt.Errorf("%s: Unable to determine an output file name.", src)
	}
	return filepath.Join(dir, name+ext), nil
}

// UniqueFilePath returns path, or the first of name_1, name_2, ... that
// does not exist.
func UniqueFilePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i) + ext
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// Run writes every enabled item and counts the disabled ones as rejected.
// Enabled inputs must exist before anything is written.
func (o *Outputter) Run(ctx context.Context, items []scheduler.MeasureItem) (Summary, error) {
	log := o.logger()
	sum := Summary{Total: len(items)}
	if err := CanOutput(items, o.Options); err != nil {
		return sum, err
	}
	for _, it := range items {
		if !it.Enabled {
			continue
		}
		if _, err := os.Stat(it.Path); err != nil {
			return sum, fmt.Errorf("No such file exists on the local filesystem: %s", it.Path)
		}
	}

	for i := range items {
		if ctx.Err() != nil {
			return sum, subframe.ErrAborted
		}
		it := &items[i]
		if !it.Enabled {
			log.Info(fmt.Sprintf("Skipping subframe %d of %d", i+1, len(items)))
			sum.Rejected++
			continue
		}
		log.Info(fmt.Sprintf("Outputting subframe %d of %d", i+1, len(items)))
		if err := o.writeItem(it); err != nil {
			sum.Failed++
			log.Error(fmt.Sprintf("*** Error: %v", err))
			log.Info("* Applying error policy: " + o.Options.OnError.String())
			switch o.Options.OnError {
			case OnErrorAbort:
				return sum, err
			case OnErrorAskUser:
				if o.Options.Ask != nil && o.Options.Ask(it.Path, err) {
					log.Info("* Aborting as per user request.")
					return sum, subframe.ErrAborted
				}
				log.Info("* Ignoring error as per user request.")
			}
			continue
		}
		sum.Output++
	}
	log.Info(sum.String())
	return sum, nil
}

func (o *Outputter) writeItem(it *scheduler.MeasureItem) error {
	log := o.logger()
	dst, err := o.OutputPath(it.Path)
	if err != nil {
		return err
	}
	log.Info("Writing output file: " + dst)
	if _, err := os.Stat(dst); err == nil {
		if o.Options.Overwrite {
			log.Warn("** Warning: Overwriting already existing file.")
		} else {
			dst = UniqueFilePath(dst)
			log.Info("* File already exists, writing to: " + dst)
		}
	}
	if err := o.Writer.WriteWeighted(it.Path, dst, strings.TrimSpace(o.Options.Keyword), it.Weight); err != nil {
		return fmt.Errorf("%s: %w", it.Path, err)
	}
	return nil
}
