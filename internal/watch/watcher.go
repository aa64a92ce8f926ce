package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"astrostack/internal/frameio"
	"astrostack/internal/fsutil"
	"astrostack/internal/pipeline"
)

// Submitter queues jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Config controls a live-stacking watch.
type Config struct {
	Dir       string
	Recursive bool
	// Debounce is the quiet period after the last frame event before a
	// stack is submitted.
	Debounce  time.Duration
	MinFrames int
	// Output is resolved with frameio.ResolveOutput, so a bare name gets
	// the extension of Format (or Options["format"]) before any stack runs.
	Output string
	Format string
	// Options are copied into every submitted stack job.
	Options map[string]any
	NewID   func() string
}

// Watcher restacks a capture directory whenever new frames settle.
type Watcher struct {
	cfg       Config
	jobs      Submitter
	log       *slog.Logger
	watcher *fsnotify.Watcher
	// own holds the absolute paths this watcher's jobs write
	own  map[string]struct{}
	last []string
	seq  int
}

func New(cfg Config, jobs Submitter, log *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch directory is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.MinFrames < 1 {
		cfg.MinFrames = 1
	}
	if log == nil {
		log = slog.Default()
	}
	own := make(map[string]struct{})
	if cfg.Output != "" {
		format := cfg.Format
		if f, ok := cfg.Options["format"].(string); ok && f != "" {
			format = f
		}
		_, out, err := frameio.ResolveOutput(cfg.Output, format)
		if err != nil {
			return nil, err
		}
		cfg.Output = out
		for _, p := range []string{out, frameio.HistogramPath(out)} {
			if abs, err := filepath.Abs(p); err == nil {
				own[abs] = struct{}{}
			}
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{cfg: cfg, jobs: jobs, log: log, watcher: fw, own: own}, nil
}

// Run watches until ctx is cancelled. Frames already present are stacked
// once they reach MinFrames.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addDirs(w.cfg.Dir); err != nil {
		return err
	}
	w.log.Info("Watching for frames", "dir", w.cfg.Dir, "recursive", w.cfg.Recursive, "debounce", w.cfg.Debounce)

	timer := time.NewTimer(w.cfg.Debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.cfg.Recursive && event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addDirs(event.Name); err != nil {
						w.log.Warn("Failed to watch new directory", "dir", event.Name, "error", err)
					}
					continue
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !fsutil.IsFrameFile(event.Name) || strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			w.log.Debug("Frame event", "path", event.Name, "op", event.Op.String())
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.cfg.Debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Filesystem watcher error", "error", err)

		case <-timer.C:
			w.settle()
		}
	}
}

// settle submits a stack job when at least MinFrames frames exist and the
// frame list differs from the last submitted one.
func (w *Watcher) settle() {
	frames, err := w.frames()
	if err != nil {
		w.log.Warn("Failed to list frames", "dir", w.cfg.Dir, "error", err)
		return
	}
	if len(frames) < w.cfg.MinFrames || slices.Equal(frames, w.last) {
		return
	}

	w.seq++
	job := pipeline.Job{
		ID:        w.jobID(),
		Type:      pipeline.JobStack,
		InputPath: w.cfg.Dir,
		Output:    w.cfg.Output,
		Options:   make(map[string]any, len(w.cfg.Options)+1),
	}
	for k, v := range w.cfg.Options {
		job.Options[k] = v
	}
	job.Options["frames"] = frames

	if err := w.jobs.Submit(job); err != nil {
		w.log.Warn("Failed to submit live stack", "frames", len(frames), "error", err)
		return
	}
	w.last = frames
	w.log.Info("Live stack submitted", "job", job.ID, "frames", len(frames))
}

// frames lists the sorted frame paths, leaving out files this watcher's
// own stack jobs produce.
func (w *Watcher) frames() ([]string, error) {
	frames, err := fsutil.ListFrames(w.cfg.Dir, w.cfg.Recursive)
	if err != nil {
		return nil, err
	}
	kept := frames[:0]
	for _, f := range frames {
		if abs, err := filepath.Abs(f); err == nil {
			if _, ok := w.own[abs]; ok {
				continue
			}
		}
		kept = append(kept, f)
	}
	return kept, nil
}

func (w *Watcher) jobID() string {
	if w.cfg.NewID != nil {
		return w.cfg.NewID()
	}
	return fmt.Sprintf("watch-%d-%d", time.Now().Unix(), w.seq)
}

func (w *Watcher) addDirs(root string) error {
	if !w.cfg.Recursive {
		return w.watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}
