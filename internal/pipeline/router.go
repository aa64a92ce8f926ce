package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"astrostack/internal/config"
	"astrostack/internal/frameio"
	"astrostack/internal/fsutil"
	"astrostack/internal/imaging"
	"astrostack/internal/logging"
	"astrostack/internal/registration"
	"astrostack/internal/stacking"
	"astrostack/internal/storage"
)

// frameSource loads frames and reads their shapes; frameio.Loader satisfies it.
type frameSource interface {
	stacking.FrameLoader
	stacking.ShapeReader
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	cfg       *config.Config
	loader    frameSource
	estimator func(registration.StarConfig) registration.Estimator
	memory    func() (int64, error)
	progress  func(jobID string, e stacking.Event)
}

func newRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store, progress func(string, stacking.Event)) *router {
	return &router{
		log:    logger,
		store:  store,
		cfg:    cfg,
		loader: frameio.NewLoader(),
		estimator: func(sc registration.StarConfig) registration.Estimator {
			return registration.NewStarEstimator(sc)
		},
		memory:   fsutil.GetSystemMemory,
		progress: progress,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStack:
		return r.handleStack(ctx, job)
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobPreview:
		return r.handlePreview(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStack(ctx context.Context, job Job) Result {
	set, err := r.frameSet(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := r.stackOptions(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts.Workers = r.workerBudget(ctx, set, opts.Workers)
	r.recordFrames(ctx, set)

	format, output, err := r.outputFor(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	stacker := stacking.NewStacker(r.loader, r.registrar(job.Options), r.sink(job.ID))
	res, err := stacker.Stack(ctx, set, opts)
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"frames": len(set.Paths)}}
	}
	r.recordReport(job.ID, res.Report)

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return Result{Job: job, Error: fmt.Errorf("create output directory: %w", err)}
	}
	if err := frameio.Save(output, res.Image, format); err != nil {
		logging.LogProcessingStep(r.log, job.ID, "save", "failed", map[string]any{"output": output, "error": err.Error()})
		return Result{Job: job, Error: fmt.Errorf("save stack: %w", err)}
	}
	logging.LogProcessingStep(r.log, job.ID, "save", "completed", map[string]any{"output": output, "format": string(format)})

	meta := map[string]any{
		"output":    output,
		"format":    string(format),
		"frames":    len(set.Paths),
		"stacked":   res.Stacked,
		"skipped":   len(res.Skipped),
		"reference": res.Reference,
		"width":     res.Image.Width,
		"height":    res.Image.Height,
		"channels":  res.Image.Channels,
		"workers":   opts.Workers,
	}
	if getBoolOption(job.Options, "histogram") {
		hist := frameio.HistogramPath(output)
		if err := frameio.WriteHistogram(hist, res.Image, 0); err != nil {
			r.log.Warn("histogram failed", "job", job.ID, "error", err)
		} else {
			meta["histogram"] = hist
		}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	set, err := r.frameSet(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := r.stackOptions(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts.Workers = r.workerBudget(ctx, set, opts.Workers)

	stacker := stacking.NewStacker(r.loader, r.registrar(job.Options), r.sink(job.ID))
	report, err := stacker.Register(ctx, set, opts)
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{"frames": len(set.Paths)}}
	}
	r.recordReport(job.ID, *report)

	meta := map[string]any{
		"frames":     len(set.Paths),
		"reference":  report.Reference,
		"registered": len(report.Alignments),
		"skipped":    len(report.Skipped),
	}
	if job.Output != "" {
		if err := frameio.WriteJSON(job.Output, report); err != nil {
			return Result{Job: job, Error: fmt.Errorf("write report: %w", err)}
		}
		meta["output"] = job.Output
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handlePreview(ctx context.Context, job Job) Result {
	img, err := r.loader.Load(ctx, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts := frameio.PreviewOptions{Demosaic: r.cfg.Stacking.Debayer}
	if _, ok := job.Options["debayer"]; ok {
		opts.Demosaic = getBoolOption(job.Options, "debayer")
	}
	if opts.Demosaic {
		pattern, err := imaging.ParseBayerPattern(getStringOption(job.Options, "pattern", r.cfg.Stacking.Pattern))
		if err != nil {
			return Result{Job: job, Error: err}
		}
		opts.Pattern = pattern
	}

	output := job.Output
	if output == "" {
		output = strings.TrimSuffix(job.InputPath, filepath.Ext(job.InputPath)) + ".png"
	}
	output = fsutil.EnsureExt(output, ".png")
	if err := frameio.WritePNG(output, img, opts); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write preview: %w", err)}
	}
	meta := map[string]any{"output": output, "width": img.Width, "height": img.Height}
	if getBoolOption(job.Options, "histogram") {
		hist := frameio.HistogramPath(output)
		if err := frameio.WriteHistogram(hist, img, getIntOption(job.Options, "bins", 0)); err != nil {
			return Result{Job: job, Error: fmt.Errorf("write histogram: %w", err)}
		}
		meta["histogram"] = hist
	}
	return Result{Job: job, Meta: meta}
}

// frameSet uses the "frames" option when present, otherwise every frame
// file under InputPath in name order.
func (r *router) frameSet(job Job) (stacking.FrameSet, error) {
	set := stacking.FrameSet{
		Paths:     getStringsOption(job.Options, "frames"),
		Reference: getIntOption(job.Options, "reference", r.cfg.Stacking.Reference),
	}
	if len(set.Paths) == 0 && job.InputPath != "" {
		paths, err := fsutil.ListFrames(job.InputPath, getBoolOption(job.Options, "recursive"))
		if err != nil {
			return set, fmt.Errorf("list frames: %w", err)
		}
		set.Paths = paths
	}
	if len(set.Paths) == 0 {
		return set, stacking.ErrNoFrames
	}
	return set, nil
}

func (r *router) stackOptions(opts map[string]any) (stacking.Options, error) {
	sc := r.cfg.Stacking
	out := stacking.Options{
		Demosaic: sc.Debayer,
		Workers:  getIntOption(opts, "workers", sc.Workers),
		Depth:    imaging.BitDepth(getIntOption(opts, "depth", sc.Depth)),
	}
	if _, ok := opts["debayer"]; ok {
		out.Demosaic = getBoolOption(opts, "debayer")
	}
	if out.Demosaic {
		pattern, err := imaging.ParseBayerPattern(getStringOption(opts, "pattern", sc.Pattern))
		if err != nil {
			return out, err
		}
		out.Pattern = pattern
	}
	policy, err := stacking.ParseFailurePolicy(getStringOption(opts, "onFailure", sc.OnFailure))
	if err != nil {
		return out, err
	}
	out.OnRegistrationFailure = policy
	return out, nil
}

func (r *router) registrar(opts map[string]any) stacking.Registrar {
	rc := r.cfg.Registration
	policy := registration.Policy{
		MinShift:      getIntOption(opts, "minShift", rc.MinShift),
		ApplyRotation: rc.ApplyRotation,
	}
	if _, ok := opts["applyRotation"]; ok {
		policy.ApplyRotation = getBoolOption(opts, "applyRotation")
	}
	stars := registration.StarConfig{
		Sigma:      rc.Sigma,
		MaxStars:   rc.MaxStars,
		MinMatches: rc.MinMatches,
		Tolerance:  rc.Tolerance,
		MinArea:    rc.MinArea,
		MaxArea:    rc.MaxArea,
	}
	return registration.NewAdapter(r.estimator(stars), policy)
}

func (r *router) sink(jobID string) stacking.EventSink {
	sinks := stacking.MultiSink{stacking.LogSink(r.log.With("job", jobID))}
	if r.progress != nil {
		sinks = append(sinks, stacking.SinkFunc(func(e stacking.Event) { r.progress(jobID, e) }))
	}
	return sinks
}

// workerBudget sizes concurrency from the reference frame shape.
func (r *router) workerBudget(ctx context.Context, set stacking.FrameSet, requested int) int {
	if requested <= 1 {
		return requested
	}
	shape, err := r.loader.Shape(ctx, set.Paths[set.ReferenceIndex()])
	if err != nil {
		return requested
	}
	frameBytes := int64(shape.Width) * int64(shape.Height) * int64(shape.Channels) * 8
	return fsutil.WorkerBudget(requested, frameBytes, r.memory, r.log)
}

// outputFor resolves the output path and format. An explicit extension
// wins over the configured format.
func (r *router) outputFor(job Job) (frameio.Format, string, error) {
	output := job.Output
	if output == "" {
		output = filepath.Join(r.cfg.Paths.DefaultOutput, "stack-"+job.ID)
	}
	return frameio.ResolveOutput(output, getStringOption(job.Options, "format", r.cfg.Stacking.Format))
}

func (r *router) recordFrames(ctx context.Context, set stacking.FrameSet) {
	if r.store == nil {
		return
	}
	for _, path := range set.Paths {
		shape, err := r.loader.Shape(ctx, path)
		if err != nil {
			continue
		}
		meta := storage.FrameMetadata{FilePath: path, Width: shape.Width, Height: shape.Height, Channels: shape.Channels}
		if format, err := frameio.FormatOf(path); err == nil {
			meta.Format = string(format)
		}
		if info, err := os.Stat(path); err == nil {
			meta.SizeBytes = info.Size()
			meta.ModTime = info.ModTime()
		}
		if err := r.store.RecordFrame(meta); err != nil {
			r.log.Debug("failed to record frame metadata", "path", path, "error", err)
		}
	}
}

func (r *router) recordReport(jobID string, report stacking.Report) {
	if r.store == nil {
		return
	}
	for _, fa := range report.Alignments {
		a := fa.Alignment
		_ = r.store.RecordRegistration(storage.RegistrationRecord{
			JobID:        jobID,
			Index:        fa.Index,
			Path:         fa.Path,
			Rotation:     a.Transform.Rotation,
			TranslationX: a.Transform.TranslationX,
			TranslationY: a.Transform.TranslationY,
			DX:           a.DX,
			DY:           a.DY,
			Shifted:      a.Shifted,
			Rotated:      a.Rotated,
		})
	}
	for _, f := range report.Skipped {
		_ = r.store.RecordRegistration(storage.RegistrationRecord{
			JobID:   jobID,
			Index:   f.Index,
			Path:    f.Path,
			Skipped: true,
			Error:   f.Error,
		})
	}
}

func getBoolOption(options map[string]any, key string) bool {
	switch v := options[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	}
	return false
}

// getIntOption accepts native ints and the float64 values produced by
// decoding JSON request bodies.
func getIntOption(options map[string]any, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func getStringOption(options map[string]any, key, def string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return def
}

func getStringsOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
