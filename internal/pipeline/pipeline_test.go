package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astrostack/internal/config"
	"astrostack/internal/stacking"
)

type stubProcessor struct {
	block chan struct{}
}

func (s *stubProcessor) Process(ctx context.Context, job Job) Result {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Result{Job: job, Error: ctx.Err()}
		}
	}
	if job.Type == "fail" {
		return Result{Job: job, Error: errors.New("boom")}
	}
	return Result{Job: job, Meta: map[string]any{"ok": true}}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return Result{}
}

func TestPipelineRecordsJobs(t *testing.T) {
	store := newTestStore(t)
	p := newPipeline(context.Background(), 1, 0, slog.Default(), store, &stubProcessor{})
	p.start(context.Background(), 1)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "ok-1", Type: JobStack, InputPath: "/lights"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := waitResult(t, results)
	if res.Error != nil || res.Job.ID != "ok-1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if err := p.Submit(Job{ID: "bad-1", Type: "fail"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res = waitResult(t, results)
	if res.Error == nil {
		t.Fatal("expected failure")
	}

	rec, err := store.Job("ok-1")
	if err != nil || rec.Status != "completed" {
		t.Fatalf("ok-1 = %+v, %v", rec, err)
	}
	rec, err = store.Job("bad-1")
	if err != nil || rec.Status != "failed" || rec.Error != "boom" {
		t.Fatalf("bad-1 = %+v, %v", rec, err)
	}
}

func TestPipelineQueueFull(t *testing.T) {
	stub := &stubProcessor{block: make(chan struct{})}
	p := newPipeline(context.Background(), 1, 1, slog.Default(), nil, stub)
	p.start(context.Background(), 1)
	defer p.Stop()
	defer close(stub.block)

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = p.Submit(Job{ID: "j", Type: JobStack})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPipelineSubmitAfterStop(t *testing.T) {
	p := newPipeline(context.Background(), 1, 0, slog.Default(), nil, &stubProcessor{})
	p.start(context.Background(), 1)
	p.Stop()
	if err := p.Submit(Job{ID: "late"}); err == nil {
		t.Fatal("expected error after stop")
	}
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(Result{Job: Job{ID: "x", Type: JobStack}, Error: errors.New("nope")})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"error":"nope"`) {
		t.Fatalf("error not rendered: %s", data)
	}
}

func TestPipelineStreamsProgress(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DefaultOutput = t.TempDir()
	cfg.Processing.ParallelJobs = 1

	p := newPipeline(context.Background(), 1, 0, slog.Default(), nil, nil)
	r := newRouter(cfg, slog.Default(), nil, p.broadcastProgress)
	r.estimator = zeroEstimator()
	p.processor = r
	p.start(context.Background(), 1)
	defer p.Stop()

	progress, unsubProgress := p.SubscribeProgress()
	defer unsubProgress()
	results, unsub := p.Subscribe()
	defer unsub()

	in := t.TempDir()
	writeFrames(t, in, 1, 2, 3)
	if err := p.Submit(Job{ID: "live", Type: JobStack, InputPath: in, Output: filepath.Join(t.TempDir(), "s.tif")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res := waitResult(t, results); res.Error != nil {
		t.Fatalf("stack failed: %v", res.Error)
	}

	var last Progress
	for {
		select {
		case pr := <-progress:
			last = pr
			continue
		default:
		}
		break
	}
	if last.JobID != "live" || last.Event.Kind != stacking.StackComplete {
		t.Fatalf("last progress = %+v", last)
	}
}
