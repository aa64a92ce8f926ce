package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"astrostack/internal/pipeline"
)

type chanSubmitter chan pipeline.Job

func (c chanSubmitter) Submit(job pipeline.Job) error {
	c <- job
	return nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func nextJob(t *testing.T, jobs chanSubmitter) pipeline.Job {
	t.Helper()
	select {
	case job := <-jobs:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no job submitted")
	}
	return pipeline.Job{}
}

func TestWatcherSubmitsSettledFrames(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "live.tif")
	jobs := make(chanSubmitter, 4)

	n := 0
	w, err := New(Config{
		Dir:       dir,
		Debounce:  50 * time.Millisecond,
		MinFrames: 2,
		Output:    out,
		Options:   map[string]any{"debayer": true},
		NewID:     func() string { n++; return fmt.Sprintf("live-%d", n) },
	}, jobs, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)
	touch(t, filepath.Join(dir, "light_001.fits"))
	touch(t, filepath.Join(dir, "light_002.fits"))
	touch(t, filepath.Join(dir, "notes.txt"))

	job := nextJob(t, jobs)
	frames, _ := job.Options["frames"].([]string)
	if job.ID != "live-1" || job.Type != pipeline.JobStack || len(frames) != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options["debayer"] != true || job.Output != out {
		t.Fatalf("options not carried: %+v", job)
	}

	// the stack output itself must not trigger a restack
	touch(t, out)
	touch(t, filepath.Join(dir, "light_003.fits"))
	job = nextJob(t, jobs)
	frames, _ = job.Options["frames"].([]string)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %v", frames)
	}
}

func TestWatcherWaitsForMinFrames(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "light_001.tif"))
	jobs := make(chanSubmitter, 1)

	w, err := New(Config{Dir: dir, Debounce: 20 * time.Millisecond, MinFrames: 3}, jobs, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case job := <-jobs:
		t.Fatalf("unexpected job %+v", job)
	default:
	}
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New(Config{}, make(chanSubmitter), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSettleSkipsResolvedOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		format  string
		options map[string]any
		written string
	}{
		{"bare name gets tif", "live", "", nil, "live.tif"},
		{"config format fits", "live", "fits", nil, "live.fits"},
		{"job option wins", "live", "tiff", map[string]any{"format": "fits"}, "live.fits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			jobs := make(chanSubmitter, 1)
			w, err := New(Config{
				Dir:     dir,
				Output:  filepath.Join(dir, tt.output),
				Format:  tt.format,
				Options: tt.options,
			}, jobs, nil)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			t.Cleanup(func() { w.watcher.Close() })
			touch(t, filepath.Join(dir, "light_001.fits"))
			touch(t, filepath.Join(dir, "light_002.fits"))
			touch(t, filepath.Join(dir, tt.written))

			w.settle()
			job := nextJob(t, jobs)
			frames, _ := job.Options["frames"].([]string)
			if len(frames) != 2 {
				t.Fatalf("stack output fed back as a frame: %v", frames)
			}
			if job.Output != filepath.Join(dir, tt.written) {
				t.Fatalf("job output = %s, want %s", job.Output, tt.written)
			}
		})
	}
}

func TestNewRejectsUnknownOutputFormat(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(Config{Dir: dir, Output: filepath.Join(dir, "live"), Format: "jpeg"}, make(chanSubmitter), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestSettleRestacksWhenFramesChangeAtSameCount(t *testing.T) {
	dir := t.TempDir()
	jobs := make(chanSubmitter, 2)
	w, err := New(Config{Dir: dir, MinFrames: 2}, jobs, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.watcher.Close()
	touch(t, filepath.Join(dir, "light_001.tif"))
	touch(t, filepath.Join(dir, "light_002.tif"))
	w.settle()
	nextJob(t, jobs)

	// nothing changed, nothing submitted
	w.settle()
	select {
	case job := <-jobs:
		t.Fatalf("unexpected job %+v", job)
	default:
	}

	if err := os.Remove(filepath.Join(dir, "light_001.tif")); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(dir, "light_003.tif"))
	w.settle()
	job := nextJob(t, jobs)
	frames, _ := job.Options["frames"].([]string)
	if len(frames) != 2 || filepath.Base(frames[0]) != "light_002.tif" || filepath.Base(frames[1]) != "light_003.tif" {
		t.Fatalf("frames = %v", frames)
	}
}
