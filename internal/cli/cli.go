package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/google/uuid"

	"astrostack/internal/config"
	"astrostack/internal/grpcserver"
	"astrostack/internal/pipeline"
	"astrostack/internal/server"
	"astrostack/internal/storage"
	"astrostack/internal/watch"
)

// Version is overridden at build time with -ldflags "-X astrostack/internal/cli.Version=..."
var Version = "v0.1.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

type serverFunc func(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, cfg watch.Config, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP API and, when configured, the gRPC health
// endpoint until ctx is cancelled or either listener fails.
func defaultServe(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	running := 1
	go func() { errs <- server.Serve(ctx, cfg.Addr, store, pipe, log) }()
	if cfg.GRPCAddr != "" {
		running++
		go func() { errs <- grpcserver.New(log).Start(ctx, cfg.GRPCAddr) }()
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

func defaultWatch(ctx context.Context, cfg watch.Config, pipe pipelineClient, log *slog.Logger) error {
	w, err := watch.New(cfg, pipe, log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  watchFunc
	// progress bars are drawn here; nil disables them
	progressOut io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline:    pl,
		cfg:         cfg,
		log:         logger,
		store:       store,
		serveFn:     defaultServe,
		watchFn:     defaultWatch,
		progressOut: os.Stderr,
	}
}

// enqueueAndWait submits job and blocks until its result arrives,
// drawing a progress bar from the job's stacking events.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	progCh, unsubProgress := r.pipeline.SubscribeProgress()
	defer unsubProgress()

	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}

	bar := newProgressTracker(r.progressOut, job)
	defer bar.finish()
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case pr, ok := <-progCh:
			if !ok {
				progCh = nil
				continue
			}
			if pr.JobID == job.ID {
				bar.observe(pr.Event)
			}
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				drainProgress(progCh, job.ID, bar)
				return res, res.Error
			}
		}
	}
}

// drainProgress applies events already buffered when the result arrived.
func drainProgress(ch <-chan pipeline.Progress, jobID string, bar *progressTracker) {
	for {
		select {
		case pr, ok := <-ch:
			if !ok {
				return
			}
			if pr.JobID == jobID {
				bar.observe(pr.Event)
			}
		default:
			return
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// printMeta writes result meta as sorted key: value lines.
func printMeta(w io.Writer, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-10s %v\n", k+":", meta[k])
	}
}
