// Package watch reports subframes as they land in a directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"subframeselector/pkg/imageio"
)

// DefaultSettle is how long a file must stay unchanged before it is reported.
const DefaultSettle = 2 * time.Second

// Watcher monitors one directory for new subframe files.
type Watcher struct {
	Dir string
	// Settle delays reporting until writes to a file have stopped.
	Settle time.Duration
	// Existing reports the files already present when Run starts.
	Existing bool
	Logger   *slog.Logger
}

func (w *Watcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run calls handle once for every subframe created or rewritten in Dir
// until ctx is done. handle runs on the Run goroutine.
func (w *Watcher) Run(ctx context.Context, handle func(ctx context.Context, path string)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	log := w.logger()
	log.Info("Watching directory: " + w.Dir)

	if w.Existing {
		existing, err := listSubframes(w.Dir)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if ctx.Err() != nil {
				return nil
			}
			handle(ctx, p)
		}
	}

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(max(settle/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if imageio.DetectFormat(ev.Name) == imageio.FormatUnknown {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("Filesystem watcher error", "error", err)
		case now := <-ticker.C:
			var ready []string
			for p, last := range pending {
				if now.Sub(last) >= settle {
					ready = append(ready, p)
				}
			}
			sort.Strings(ready)
			for _, p := range ready {
				delete(pending, p)
				if info, err := os.Stat(p); err != nil || info.IsDir() {
					continue
				}
				handle(ctx, p)
			}
		}
	}
}

func listSubframes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if imageio.DetectFormat(p) != imageio.FormatUnknown {
			out = append(out, p)
		}
	}
	return out, nil
}
