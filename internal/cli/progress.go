package cli

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"astrostack/internal/pipeline"
	"astrostack/internal/stacking"
)

// progressTracker turns stacking events for one job into a terminal bar.
// Stack jobs advance on stacked or skipped frames, register jobs on
// registered or skipped frames.
type progressTracker struct {
	out  io.Writer
	job  pipeline.Job
	bar  *progressbar.ProgressBar
	done int
}

func newProgressTracker(out io.Writer, job pipeline.Job) *progressTracker {
	return &progressTracker{out: out, job: job}
}

func (p *progressTracker) observe(e stacking.Event) {
	if p.out == nil {
		return
	}
	switch e.Kind {
	case stacking.StackStarted:
		p.bar = progressbar.NewOptions(e.Total,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %d frames", p.job.Type, e.Total)),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
		if p.job.Type == pipeline.JobRegister {
			// the reference is aligned by definition
			p.advance()
		}
	case stacking.FrameStacked:
		if p.job.Type == pipeline.JobStack {
			p.advance()
		}
	case stacking.FrameRegistered:
		if p.job.Type == pipeline.JobRegister {
			p.advance()
		}
	case stacking.FrameSkipped:
		p.advance()
	}
}

func (p *progressTracker) advance() {
	if p.bar == nil {
		return
	}
	p.done++
	_ = p.bar.Set(p.done)
}

func (p *progressTracker) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
