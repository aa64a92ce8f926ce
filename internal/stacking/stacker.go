package stacking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"astrostack/internal/imaging"
	"astrostack/internal/registration"
)

// FrameAlignment is the registration outcome for one frame
type FrameAlignment struct {
	Index     int                    `json:"index"`
	Path      string                 `json:"path"`
	Alignment registration.Alignment `json:"alignment"`
}

// FrameFailure is a frame dropped under the Skip policy
type FrameFailure struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// Report lists per-frame registration outcomes, ordered by frame index
type Report struct {
	Reference  int              `json:"reference"`
	Alignments []FrameAlignment `json:"alignments"`
	Skipped    []FrameFailure   `json:"skipped,omitempty"`
}

// Result is a completed stack
type Result struct {
	Image   *imaging.Image `json:"-"`
	Stacked int            `json:"stacked"`
	Report
}

// Stacker aligns frames to a reference and averages them
type Stacker struct {
	loader    FrameLoader
	registrar Registrar
	sink      EventSink
}

func NewStacker(loader FrameLoader, registrar Registrar, sink EventSink) *Stacker {
	if sink == nil {
		sink = Discard
	}
	return &Stacker{loader: loader, registrar: registrar, sink: sink}
}

// Stack registers every non-reference frame against the reference, shifts
// it per the registrar's policy and averages all stacked frames. The
// reference contributes its raw samples. On error the returned Result is nil.
func (s *Stacker) Stack(ctx context.Context, set FrameSet, opts Options) (*Result, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	ref, refImg, err := s.begin(ctx, set, opts)
	if err != nil {
		return nil, err
	}
	total := len(set.Paths)

	acc := NewAccumulator(refImg.Shape())
	if err := acc.Add(refImg); err != nil {
		return nil, err
	}
	s.sink.Emit(Event{Kind: FrameStacked, Index: ref, Path: set.Paths[ref], Total: total, Stacked: acc.Count()})

	res := &Result{Report: Report{Reference: ref}}
	err = s.each(ctx, set, ref, refImg, opts, true, &res.Report, func(fr frameResult) error {
		if err := acc.Add(fr.img); err != nil {
			return &ShapeMismatchError{Index: fr.index, Path: fr.path, Want: refImg.Shape(), Got: fr.img.Shape()}
		}
		s.sink.Emit(Event{Kind: FrameStacked, Index: fr.index, Path: fr.path, Total: total, Stacked: acc.Count()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	avg, err := acc.Average()
	if err != nil {
		return nil, err
	}
	out := avg.Narrow(opts.Depth)
	if opts.Demosaic {
		color, err := imaging.Demosaic(out, opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("demosaic stacked frame: %w", err)
		}
		out = color.Narrow(opts.Depth)
	}

	res.Image = out
	res.Stacked = acc.Count()
	s.sink.Emit(Event{Kind: StackComplete, Index: ref, Total: total, Stacked: res.Stacked})
	return res, nil
}

// Register aligns every non-reference frame to the reference without
// stacking. Options other than the failure policy and worker count are
// ignored.
func (s *Stacker) Register(ctx context.Context, set FrameSet, opts Options) (*Report, error) {
	opts.Demosaic = false
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	ref, refImg, err := s.begin(ctx, set, opts)
	if err != nil {
		return nil, err
	}
	report := &Report{Reference: ref}
	if err := s.each(ctx, set, ref, refImg, opts, false, report, nil); err != nil {
		return nil, err
	}
	s.sink.Emit(Event{Kind: StackComplete, Index: ref, Total: len(set.Paths), Stacked: len(report.Alignments) + 1})
	return report, nil
}

// begin validates the set, checks frame shapes when the loader can read
// them and loads the reference frame.
func (s *Stacker) begin(ctx context.Context, set FrameSet, opts Options) (int, *imaging.Image, error) {
	if len(set.Paths) == 0 {
		return 0, nil, ErrNoFrames
	}
	ref := set.ReferenceIndex()
	refPath := set.Paths[ref]

	if shapes, ok := s.loader.(ShapeReader); ok {
		if err := s.preflight(ctx, shapes, set, ref, opts); err != nil {
			return 0, nil, err
		}
	}

	s.sink.Emit(Event{Kind: StackStarted, Index: ref, Path: refPath, Total: len(set.Paths)})

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	refImg, err := s.loader.Load(ctx, refPath)
	if err != nil {
		return 0, nil, &FrameLoadError{Index: ref, Path: refPath, Err: err}
	}
	if opts.Demosaic && refImg.Channels != 1 {
		return 0, nil, fmt.Errorf("%w: demosaic needs single-channel frames, reference has %d channels", imaging.ErrShapeMismatch, refImg.Channels)
	}
	s.sink.Emit(Event{Kind: FrameLoaded, Index: ref, Path: refPath, Total: len(set.Paths)})
	return ref, refImg, nil
}

func (s *Stacker) preflight(ctx context.Context, shapes ShapeReader, set FrameSet, ref int, opts Options) error {
	want, err := shapes.Shape(ctx, set.Paths[ref])
	if err != nil {
		return &FrameLoadError{Index: ref, Path: set.Paths[ref], Err: err}
	}
	if opts.Demosaic && want.Channels != 1 {
		return fmt.Errorf("%w: demosaic needs single-channel frames, reference has %d channels", imaging.ErrShapeMismatch, want.Channels)
	}
	for i, path := range set.Paths {
		if i == ref {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := shapes.Shape(ctx, path)
		if err != nil {
			return &FrameLoadError{Index: i, Path: path, Err: err}
		}
		if got != want {
			return &ShapeMismatchError{Index: i, Path: path, Want: want, Got: got}
		}
	}
	return nil
}

type frameResult struct {
	index     int
	path      string
	img       *imaging.Image
	alignment registration.Alignment
	loadErr   error
	shapeErr  error
	regErr    error
}

// process loads, registers and optionally aligns one frame. It owns the
// frame buffer until the result is handed back.
func (s *Stacker) process(ctx context.Context, index int, path string, refImg *imaging.Image, apply bool) frameResult {
	fr := frameResult{index: index, path: path}
	img, err := s.loader.Load(ctx, path)
	if err != nil {
		fr.loadErr = err
		return fr
	}
	if !img.SameShape(refImg) {
		fr.img = img
		fr.shapeErr = &ShapeMismatchError{Index: index, Path: path, Want: refImg.Shape(), Got: img.Shape()}
		return fr
	}
	al, err := s.registrar.Register(ctx, img, refImg)
	if err != nil {
		fr.regErr = err
		return fr
	}
	fr.alignment = al
	if apply {
		img = s.registrar.Apply(img, al)
	}
	fr.img = img
	return fr
}

// each runs process for every non-reference frame and feeds the results,
// one at a time, through the failure policy and then to stacked.
func (s *Stacker) each(ctx context.Context, set FrameSet, ref int, refImg *imaging.Image, opts Options, apply bool, report *Report, stacked func(frameResult) error) error {
	total := len(set.Paths)
	indices := make([]int, 0, total-1)
	for i := range set.Paths {
		if i != ref {
			indices = append(indices, i)
		}
	}

	handle := func(fr frameResult) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fr.loadErr != nil {
			return &FrameLoadError{Index: fr.index, Path: fr.path, Err: fr.loadErr}
		}
		if fr.shapeErr != nil {
			return fr.shapeErr
		}
		s.sink.Emit(Event{Kind: FrameLoaded, Index: fr.index, Path: fr.path, Total: total})

		if fr.regErr != nil {
			if opts.OnRegistrationFailure != Skip {
				return &RegistrationError{Index: fr.index, Path: fr.path, Err: fr.regErr}
			}
			report.Skipped = append(report.Skipped, FrameFailure{Index: fr.index, Path: fr.path, Error: fr.regErr.Error(), Err: fr.regErr})
			s.sink.Emit(Event{Kind: FrameSkipped, Index: fr.index, Path: fr.path, Total: total, Error: fr.regErr.Error()})
			return nil
		}

		al := fr.alignment
		report.Alignments = append(report.Alignments, FrameAlignment{Index: fr.index, Path: fr.path, Alignment: al})
		s.sink.Emit(Event{Kind: FrameRegistered, Index: fr.index, Path: fr.path, Total: total, Alignment: &al})
		if stacked != nil {
			return stacked(fr)
		}
		return nil
	}

	var err error
	if opts.Workers > 1 && len(indices) > 1 {
		err = s.parallel(ctx, set, indices, refImg, opts.Workers, apply, handle)
	} else {
		for _, i := range indices {
			if err = ctx.Err(); err != nil {
				break
			}
			if err = handle(s.process(ctx, i, set.Paths[i], refImg, apply)); err != nil {
				break
			}
		}
	}
	if err != nil {
		return err
	}

	sort.Slice(report.Alignments, func(i, j int) bool { return report.Alignments[i].Index < report.Alignments[j].Index })
	sort.Slice(report.Skipped, func(i, j int) bool { return report.Skipped[i].Index < report.Skipped[j].Index })
	return nil
}

// parallel fans frames out to a worker pool. Results are handled on the
// calling goroutine so the accumulator is never shared.
func (s *Stacker) parallel(parent context.Context, set FrameSet, indices []int, refImg *imaging.Image, workers int, apply bool, handle func(frameResult) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	jobs := make(chan int)
	results := make(chan frameResult, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				results <- s.process(ctx, i, set.Paths[i], refImg, apply)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, i := range indices {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for fr := range results {
		if firstErr != nil {
			continue
		}
		if err := handle(fr); err != nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return parent.Err()
}
