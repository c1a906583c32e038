package upscale

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a new file must stay unchanged before the
// watcher picks it up.
const DefaultSettle = time.Second

// minPoll bounds how often pending files are checked.
const minPoll = 10 * time.Millisecond

// inputExts are the extensions the watcher treats as images.
var inputExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
	".tif": true, ".tiff": true, ".gif": true, ".webp": true,
}

// WatchConfig configures a hot folder.
type WatchConfig struct {
	// Dir is the folder to watch.
	Dir string

	// OutputDir receives results. Empty means the upscaler's output dir.
	OutputDir string

	// Model is the model id; empty means the default model.
	Model string

	// Settle is the quiet period after the last write to a file.
	Settle time.Duration

	// OnResult, if set, is called after each file is processed.
	OnResult func(input string, res *Result, err error)
}

// Watcher upscales images as they appear in a folder. Files are processed
// one at a time on the goroutine that calls Run.
type Watcher struct {
	up      *Upscaler
	cfg     WatchConfig
	outDir  string
	logger  Logger
	watcher *fsnotify.Watcher

	// pending maps a path to the time of its last event.
	pending map[string]time.Time
}

// NewWatcher creates a hot folder watcher for up.
func NewWatcher(up *Upscaler, cfg WatchConfig, logger Logger) (*Watcher, error) {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir
	outDir := cfg.OutputDir
	if outDir == "" {
		outDir = up.Config().OutputDir
	}
	if outDir, err = filepath.Abs(outDir); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &Watcher{
		up:      up,
		cfg:     cfg,
		outDir:  outDir,
		logger:  logger,
		watcher: fw,
		pending: make(map[string]time.Time),
	}, nil
}

// Run processes files until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watching folder", "dir", w.cfg.Dir, "output", w.outDir, "settle", w.cfg.Settle)

	ticker := time.NewTicker(max(w.cfg.Settle/2, minPoll))
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("folder watcher error", "error", err)

		case now := <-ticker.C:
			w.flush(ctx, now)

		case <-ctx.Done():
			w.logger.Debug("folder watcher stopping")
			return nil
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.pending, event.Name)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if w.eligible(event.Name) {
			w.pending[event.Name] = time.Now()
		}
	}
}

// flush processes every pending file that has settled, oldest first.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.cfg.Settle {
			ready = append(ready, path)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return w.pending[ready[i]].Before(w.pending[ready[j]]) })

	for _, path := range ready {
		delete(w.pending, path)
		res, err := w.up.UpscaleFile(ctx, path, w.up.OutputPath(path, w.outDir), w.cfg.Model, nil)
		if err != nil {
			w.logger.Error("hot folder upscale failed", "input", path, "error", err)
		} else {
			w.logger.Info("hot folder upscale done", "input", path, "output", res.Output)
		}
		if w.cfg.OnResult != nil {
			w.cfg.OnResult(path, res, err)
		}
	}
}

// eligible reports whether path is an input image the watcher should
// process. Results, including ones written back into the watched folder,
// are skipped.
func (w *Watcher) eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	if !inputExts[strings.ToLower(ext)] {
		return false
	}
	if strings.HasSuffix(strings.TrimSuffix(base, ext), OutputSuffix) {
		return false
	}
	return filepath.Dir(path) != w.outDir
}

// Close stops watching. Run returns once the event channels drain.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
