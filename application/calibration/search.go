package calibration

import (
	"fmt"
	"time"

	"github.com/Skryldev/evenodd-lab/domain/model"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"go.uber.org/zap"
)

// Share of the progress bar owned by each phase.
const (
	quickScanShare = 0.8
	descentShare   = 1 - quickScanShare
)

// interval is one pending bisection step. weight is the share of progress
// still owed for it.
type interval struct {
	start, end int64
	weight     float64
}

// search holds the working state of one session. Only the session goroutine touches it;
// worst and highest are mirrored into the engine's atomics for display.
type search struct {
	e      *Engine
	id     string
	period int64
	log    *logger.Logger

	initialOffset int64

	worst      int64
	highest    int64
	candidates []int64
	samples    int

	lastPercent int
}

func newSearch(e *Engine, id string, period int64, log *logger.Logger) *search {
	return &search{
		e:             e,
		id:            id,
		period:        period,
		log:           log,
		initialOffset: e.telemetry.TimingOffset(),
		highest:       model.NoSamples,
		lastPercent:   -1,
	}
}

// run executes both phases. It returns false if the session was cancelled.
func (s *search) run() bool {
	if s.period <= 0 {
		s.log.Warn("frame period is not positive, nothing to search", zap.Int64("frame_period_ns", s.period))
		return !s.cancelled()
	}
	if !s.quickScan() {
		return false
	}
	return s.descend()
}

func (s *search) cancelled() bool {
	return s.e.cancelRequested.Load() || s.e.ctx.Err() != nil
}

// quickStep is the spacing of quick scan samples and the half-width of a descent region.
func (s *search) quickStep() int64 {
	step := s.period / int64(s.e.opts.QuickScanSteps)
	if step < 1 {
		step = 1
	}
	return step
}

func (s *search) minStep() int64 {
	step := s.period / int64(s.e.opts.DescentMinSteps)
	if step < 1 {
		step = 1
	}
	return step
}

// quickScan samples the whole period at a coarse step and collects offsets that dropped anything.
func (s *search) quickScan() bool {
	step := s.quickStep()
	s.log.Debug("quick scan", zap.Int64("step_ns", step), zap.Duration("dwell", s.e.opts.QuickScanDwell))

	for offset := int64(0); offset < s.period; offset += step {
		n, ok := s.sample(offset, s.e.opts.QuickScanDwell, false)
		if !ok {
			return false
		}
		if n > 0 {
			s.candidates = append(s.candidates, offset)
		}
		s.advance(float64(offset)/float64(s.period)*quickScanShare, progress.StageQuickScan)
	}
	s.advance(quickScanShare, progress.StageQuickScan)

	s.log.Info("quick scan finished",
		zap.Int("candidates", len(s.candidates)),
		zap.Int64s("candidate_offsets_ns", s.candidates),
	)
	return true
}

// descend refines every candidate region. With no candidates there is nothing to refine
// and the worst offset stays at 0.
func (s *search) descend() bool {
	if len(s.candidates) == 0 {
		s.log.Info("no dropped frames during quick scan, skipping descent")
		return true
	}

	step := s.quickStep()
	perRegion := descentShare / float64(len(s.candidates))
	for _, center := range s.candidates {
		if s.cancelled() {
			return false
		}
		region := interval{
			start:  max(0, center-step),
			end:    min(s.period, center+step),
			weight: perRegion,
		}
		if !s.bisect(region) {
			return false
		}
	}
	return true
}

// bisect narrows one region. Both halves are explored whenever either edge
// dropped more than the middle; otherwise the region is considered resolved.
// Pending halves live on an explicit stack, left half on top, so the visiting
// order is depth-first left to right.
func (s *search) bisect(region interval) bool {
	minStep := s.minStep()
	stack := []interval{region}

	for len(stack) > 0 {
		iv := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if s.cancelled() {
			return false
		}
		if iv.end-iv.start <= minStep {
			s.advance(s.e.Progress()+iv.weight, progress.StageDescent)
			continue
		}

		mid := iv.start + (iv.end-iv.start)/2
		dwell := s.e.opts.DescentDwell

		left, ok := s.sample(iv.start, dwell, true)
		if !ok {
			return false
		}
		center, ok := s.sample(mid, dwell, true)
		if !ok {
			return false
		}
		right, ok := s.sample(iv.end, dwell, true)
		if !ok {
			return false
		}

		s.advance(s.e.Progress()+iv.weight/3, progress.StageDescent)

		if left > center || right > center {
			stack = append(stack,
				interval{start: mid, end: iv.end, weight: iv.weight / 3},
				interval{start: iv.start, end: mid, weight: iv.weight / 3},
			)
			continue
		}
		s.advance(s.e.Progress()+iv.weight*2/3, progress.StageDescent)
	}
	return true
}

// sample measures dropped frames at offset. Offsets are taken modulo the period,
// so the end of the period is the same point as 0. When record is set the sample
// competes for the worst offset; ties keep the earlier one.
func (s *search) sample(offset int64, dwell time.Duration, record bool) (int64, bool) {
	if s.cancelled() {
		return 0, false
	}
	offset = model.Wrap(offset, s.period)
	n := s.measure(offset, dwell)

	if record && n > s.highest {
		s.highest = n
		s.worst = offset
		s.e.highestDropped.Store(n)
		s.e.worstOffset.Store(offset)
		s.log.Debug("new worst offset", zap.Int64("offset_ns", offset), zap.Int64("dropped", n))
	}
	return n, true
}

// measure applies offset, dwells, and returns how many frames dropped meanwhile.
func (s *search) measure(offset int64, dwell time.Duration) int64 {
	tel := s.e.telemetry
	tel.SetTimingOffset(offset)
	before := tel.DroppedFrames()
	tel.Sleep(s.e.ctx, dwell)
	after := tel.DroppedFrames()
	s.samples++
	if after < before {
		return 0
	}
	return int64(after - before)
}

// advance moves progress forward and reports when the whole percent changes.
func (s *search) advance(p float64, stage progress.Stage) {
	s.e.setProgress(p)
	percent := int(s.e.Progress() * 100)
	if percent == s.lastPercent {
		return
	}
	s.lastPercent = percent
	s.e.report(s.id, stage, fmt.Sprintf("%d samples", s.samples))
}
