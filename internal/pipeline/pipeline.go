package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"astrostack/internal/config"
	"astrostack/internal/logging"
	"astrostack/internal/stacking"
	"astrostack/internal/storage"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported processing categories.
type JobType string

const (
	JobStack    JobType = "stack"
	JobRegister JobType = "register"
	JobPreview  JobType = "preview"
)

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job            `json:"job"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// MarshalJSON renders Error as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(r), errString(r.Error)})
}

// Progress is a stacking event tagged with the job that produced it.
type Progress struct {
	JobID string         `json:"job_id"`
	Event stacking.Event `json:"event"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	closed    bool
	subs      map[int]chan Result
	progress  map[int]chan Progress
	nextSubID int
}

// New creates a Pipeline running cfg.Processing.ParallelJobs workers.
// Stacking and registration defaults come from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Pipeline {
	p := newPipeline(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, logger, store, nil)
	p.processor = newRouter(cfg, logger, store, p.broadcastProgress)
	p.start(ctx, cfg.Processing.ParallelJobs)
	return p
}

func newPipeline(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		store:     store,
		subs:      make(map[int]chan Result),
		progress:  make(map[int]chan Progress),
	}
}

func (p *Pipeline) start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pipeline stopped")
	}

	select {
	case p.jobs <- job:
	default:
		return ErrQueueFull
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}
	return nil
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.progress {
			close(ch)
			delete(p.progress, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job", job.ID, "error", err)
		}
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeProgress returns a channel of per-frame progress for all jobs.
// Events are dropped for subscribers that fall behind.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Progress, 64)
	p.progress[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.progress[id]; ok {
			close(c)
			delete(p.progress, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (p *Pipeline) broadcastProgress(jobID string, e stacking.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.progress {
		select {
		case ch <- Progress{JobID: jobID, Event: e}:
		default:
		}
	}
}
