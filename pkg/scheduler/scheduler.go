// Package scheduler measures a list of subframes on a bounded set of
// workers, substituting cached measurements where available.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/pbnjay/memory"

	"subframeselector/pkg/cache"
	"subframeselector/pkg/subframe"
)

var (
	ErrNoSubframes = errors.New("No images were measured: Empty subframes list? No enabled subframes?")
	ErrAllFailed   = errors.New("No image could be measured.")
)

const (
	DefaultPollInterval    = 150 * time.Millisecond
	DefaultMemoryPerWorker = 512 << 20
)

// Subframe is one input file.
type Subframe struct {
	Path    string
	Enabled bool
}

// MeasureItem is a measured subframe with its selection state.
type MeasureItem struct {
	// Index is the 1-based position of the subframe in the input list.
	Index   int
	Enabled bool
	Locked  bool
	Path    string
	Weight  float64
	subframe.QualityMetrics
}

// Result is the outcome of a measurement run.
type Result struct {
	Items     []MeasureItem
	Succeeded int
	Failed    int
	Skipped   int
}

// Measurer measures one subframe.
type Measurer interface {
	Measure(ctx context.Context, path string, mon *subframe.Monitor) (subframe.QualityMetrics, error)
}

// Cache is the measurement store consulted before measuring.
type Cache interface {
	IsEnabled() bool
	Get(path string) (cache.Record, bool)
	Put(path string, rec cache.Record) error
}

// Scheduler runs Measurer over subframe lists.
type Scheduler struct {
	Measurer Measurer
	Cache    Cache
	UseCache bool
	// MaxWorkers caps the worker count; zero means runtime.NumCPU.
	MaxWorkers int
	// MemoryPerWorker in bytes caps the worker count against total memory.
	MemoryPerWorker uint64
	PollInterval    time.Duration
	Logger          *slog.Logger

	totalMemory func() uint64
}

// New returns a scheduler with default limits.
func New(m Measurer, c Cache, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		Measurer:        m,
		Cache:           c,
		UseCache:        true,
		MemoryPerWorker: DefaultMemoryPerWorker,
		PollInterval:    DefaultPollInterval,
		Logger:          logger,
	}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Workers returns the worker count used for pending subframes.
func (s *Scheduler) Workers(pending int) int {
	n := s.MaxWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if s.MemoryPerWorker > 0 {
		total := memory.TotalMemory
		if s.totalMemory != nil {
			total = s.totalMemory
		}
		if t := total(); t > 0 {
			n = min(n, max(1, int(t/s.MemoryPerWorker)))
		}
	}
	return max(1, min(n, pending))
}

type pendingItem struct {
	index int
	path  string
}

type outcome struct {
	metrics subframe.QualityMetrics
	err     error
}

type slot struct {
	busy bool
	item pendingItem
	done chan outcome
}

// Measure measures every enabled subframe. Items come back ordered by
// index. Cancelling ctx stops dispatching, waits for running tasks and
// returns subframe.ErrAborted without a result.
func (s *Scheduler) Measure(ctx context.Context, subframes []Subframe) (*Result, error) {
	log := s.logger()
	res := &Result{}

	var pending []pendingItem
	for i, sf := range subframes {
		if !sf.Enabled {
			res.Skipped++
			log.Info("* Skipping disabled target: " + sf.Path)
			continue
		}
		pending = append(pending, pendingItem{index: i + 1, path: sf.Path})
	}

	if len(pending) > 0 {
		log.Info(fmt.Sprintf("Measuring of %d subframes:", len(pending)))
		workers := s.Workers(len(pending))
		log.Info(fmt.Sprintf("* Using %d worker threads", workers))
		if err := s.run(ctx, pending, workers, res); err != nil {
			return nil, err
		}
	}

	slices.SortFunc(res.Items, func(a, b MeasureItem) int { return a.Index - b.Index })
	log.Info(fmt.Sprintf("%d succeeded, %d failed, %d skipped", res.Succeeded, res.Failed, res.Skipped))

	if res.Succeeded == 0 {
		if res.Failed == 0 {
			return res, ErrNoSubframes
		}
		return res, ErrAllFailed
	}
	return res, nil
}

func (s *Scheduler) run(ctx context.Context, pending []pendingItem, workers int, res *Result) error {
	log := s.logger()
	mon, stop := subframe.NewMonitor(ctx)
	defer stop()

	poll := s.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	useCache := s.UseCache && s.Cache != nil && s.Cache.IsEnabled()
	slots := make([]slot, workers)

	for {
		if ctx.Err() != nil || mon.Aborted() {
			mon.Abort()
			s.drain(slots)
			return subframe.ErrAborted
		}

		running := false
		for i := range slots {
			sl := &slots[i]
			if sl.busy {
				timer := time.NewTimer(poll)
				select {
				case out := <-sl.done:
					sl.busy = false
					if errors.Is(out.err, subframe.ErrAborted) && mon.Aborted() {
						timer.Stop()
						mon.Abort()
						s.drain(slots)
						return subframe.ErrAborted
					}
					s.harvest(sl.item, out, useCache, res)
				case <-timer.C:
				case <-ctx.Done():
				}
				timer.Stop()
			}

			for !sl.busy && len(pending) > 0 && ctx.Err() == nil {
				next := pending[0]
				pending = pending[1:]
				if useCache {
					if rec, ok := s.Cache.Get(next.path); ok {
						log.Info("* Retrieved data from file cache: " + next.path)
						res.Items = append(res.Items, newItem(next, rec.Metrics))
						res.Succeeded++
						continue
					}
				}
				sl.busy = true
				sl.item = next
				sl.done = make(chan outcome, 1)
				go s.task(ctx, next.path, mon, sl.done)
			}
			running = running || sl.busy
		}

		if !running && len(pending) == 0 {
			return nil
		}
		log.Debug("measurement progress", "pixels", mon.Pixels(), "pending", len(pending))
	}
}

// task measures one subframe; panics are reported as failures.
func (s *Scheduler) task(ctx context.Context, path string, mon *subframe.Monitor, done chan<- outcome) {
	var out outcome
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("panic: %v", r)}
		}
		done <- out
	}()
	out.metrics, out.err = s.Measurer.Measure(ctx, path, mon)
}

func (s *Scheduler) harvest(item pendingItem, out outcome, useCache bool, res *Result) {
	log := s.logger()
	if out.err != nil {
		res.Failed++
		log.Error(fmt.Sprintf("*** Error: %s: %v", item.path, out.err), "index", item.index)
		return
	}
	if useCache {
		if err := s.Cache.Put(item.path, cache.NewRecord(out.metrics)); err != nil {
			log.Warn("cache write failed", "path", item.path, "error", err)
		}
	}
	res.Items = append(res.Items, newItem(item, out.metrics))
	res.Succeeded++
}

// drain waits for every running task to return.
func (s *Scheduler) drain(slots []slot) {
	for i := range slots {
		if slots[i].busy {
			<-slots[i].done
			slots[i].busy = false
		}
	}
}

func newItem(p pendingItem, q subframe.QualityMetrics) MeasureItem {
	return MeasureItem{Index: p.index, Enabled: true, Path: p.path, QualityMetrics: q}
}
