// Package calibration finds the software-sync timing offset that keeps the
// even/odd color slots aligned with the projector scan-out.
//
// The engine searches one frame period for the offset that drops the most
// frames and applies the offset half a period away from it. A session runs on
// one background goroutine which is the only writer of the session fields;
// readers use Snapshot, which loads each field atomically and independently.
package calibration

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/evenodd-lab/domain/model"
	"github.com/Skryldev/evenodd-lab/domain/ports"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine implements ports.Calibrator
type Engine struct {
	telemetry ports.TelemetrySource
	reporter  progress.Reporter
	log       *logger.Logger
	opts      model.CalibrationOptions
	onResult  func(model.Result)

	// written by the session goroutine, read by anyone
	state          atomic.Int32
	progressBits   atomic.Uint64
	worstOffset    atomic.Int64
	highestDropped atomic.Int64
	sessionID      atomic.Pointer[string]

	// published once per completed session
	optimalOffset atomic.Int64
	resultHighest atomic.Int64
	lastResult    atomic.Pointer[model.Result]

	// written by the UI
	cancelRequested atomic.Bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex // serializes Start and Close
	done   chan struct{}
	closed bool
}

// Config holds Engine configuration
type Config struct {
	Telemetry ports.TelemetrySource
	Reporter  progress.Reporter
	Logger    *logger.Logger
	Options   []ports.Option

	// OnResult is called from the session goroutine after a session completes
	OnResult func(model.Result)
}

// NewEngine creates an idle engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Telemetry == nil {
		return nil, pkgerrors.NewValidationError("telemetry", nil, "TelemetrySource is required")
	}

	opts := model.DefaultCalibrationOptions()
	for _, o := range cfg.Options {
		o(opts)
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = progress.NoopReporter{}
	}

	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		telemetry: cfg.Telemetry,
		reporter:  reporter,
		log:       logger.OrDefault(cfg.Logger).Named("calibration"),
		opts:      *opts,
		onResult:  cfg.OnResult,
		ctx:       ctx,
		stop:      stop,
	}
	e.highestDropped.Store(model.NoSamples)
	e.resultHighest.Store(model.NoSamples)

	// no session yet: Done must not block forever
	e.done = make(chan struct{})
	close(e.done)
	return e, nil
}

// Options returns the search parameters in effect
func (e *Engine) Options() model.CalibrationOptions {
	return e.opts
}

// Start begins a calibration session on a background goroutine.
// It is a no-op returning started=false while a session is running or after Close.
func (e *Engine) Start() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || model.State(e.state.Load()) == model.StateRunning {
		return "", false
	}

	id := uuid.New().String()
	e.sessionID.Store(&id)
	e.progressBits.Store(math.Float64bits(0))
	e.worstOffset.Store(0)
	e.highestDropped.Store(model.NoSamples)
	e.cancelRequested.Store(false)
	e.state.Store(int32(model.StateRunning))

	done := make(chan struct{})
	e.done = done

	e.wg.Add(1)
	go e.run(id, done)
	return id, true
}

// Cancel asks the running session to stop at its next sample boundary.
// An in-flight dwell finishes first.
func (e *Engine) Cancel() {
	if model.State(e.state.Load()) == model.StateRunning {
		e.cancelRequested.Store(true)
	}
}

// Done returns a channel closed when the most recent session terminates
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the most recent session terminates or ctx is done
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any running session, interrupts its dwell and joins the goroutine.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.Cancel()
	e.stop()
	e.wg.Wait()
}

// State returns the current session state
func (e *Engine) State() model.State {
	return model.State(e.state.Load())
}

// Progress returns the session progress in [0, 1]
func (e *Engine) Progress() float64 {
	return math.Float64frombits(e.progressBits.Load())
}

// LastResult returns the most recent completed result, if any
func (e *Engine) LastResult() (model.Result, bool) {
	r := e.lastResult.Load()
	if r == nil {
		return model.Result{}, false
	}
	return *r, true
}

// Restore publishes a result from an earlier run and applies its optimal offset.
// It is only accepted before the first session; a session's own result is never replaced.
// The state stays idle, so Complete only reports sessions run by this engine.
func (e *Engine) Restore(r model.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return pkgerrors.NewValidationError("state", "closed", "engine is closed")
	}
	if state := e.State(); state != model.StateIdle {
		return pkgerrors.NewValidationError("state", state.String(), "a calibration session already ran")
	}
	if period := e.telemetry.FramePeriod(); r.FramePeriodNs != period {
		return pkgerrors.NewValidationError("frame_period_ns", r.FramePeriodNs,
			fmt.Sprintf("saved for a different display, current period is %d", period))
	}
	optimal := model.Wrap(r.OptimalOffsetNs, r.FramePeriodNs)
	r.OptimalOffsetNs = optimal

	e.telemetry.SetTimingOffset(optimal)
	e.optimalOffset.Store(optimal)
	e.resultHighest.Store(r.HighestDropped)
	e.lastResult.Store(&r)

	e.log.Info("calibration result restored",
		zap.String("session_id", r.SessionID),
		zap.Int64("optimal_offset_ns", optimal),
		zap.Time("completed_at", r.CompletedAt),
	)
	return nil
}

// ApplyOffset writes a manual timing offset unless a session owns the register.
// Start takes the same lock, so a session never begins between the check and the write.
func (e *Engine) ApplyOffset(ns int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == model.StateRunning {
		return pkgerrors.NewValidationError("timing_offset_ns", ns, "calibration in progress")
	}
	e.telemetry.SetTimingOffset(ns)
	return nil
}

// Snapshot returns the calibration part of the UI status.
// Presentation fields are left for the caller to fill in.
func (e *Engine) Snapshot() model.Snapshot {
	state := e.State()
	snap := model.Snapshot{
		InProgress:           state == model.StateRunning,
		Progress:             e.Progress(),
		Complete:             state == model.StateCompleted,
		OptimalOffset:        e.optimalOffset.Load(),
		HighestDroppedFrames: e.resultHighest.Load(),
		State:                state,
		WorstOffset:          e.worstOffset.Load(),
		FramePeriod:          e.telemetry.FramePeriod(),
	}
	if id := e.sessionID.Load(); id != nil {
		snap.SessionID = *id
	}
	return snap
}

func (e *Engine) run(id string, done chan struct{}) {
	defer e.wg.Done()
	defer close(done)

	started := time.Now()
	log := e.log.With(zap.String("session_id", id))
	period := e.telemetry.FramePeriod()

	log.Info("calibration started",
		zap.Int64("frame_period_ns", period),
		zap.Int("quick_scan_steps", e.opts.QuickScanSteps),
		zap.Int("descent_min_steps", e.opts.DescentMinSteps),
	)

	s := newSearch(e, id, period, log)
	if !s.run() {
		e.finishCancelled(id, log, s)
		return
	}

	confirmed := int64(-1)
	if e.opts.Confirm && s.highest != model.NoSamples {
		e.report(id, progress.StageConfirm, "confirming worst offset")
		n, ok := s.sample(s.worst, e.opts.ConfirmDwell, false)
		if !ok {
			e.finishCancelled(id, log, s)
			return
		}
		confirmed = n
		log.Info("worst offset re-measured",
			zap.Int64("worst_offset_ns", s.worst),
			zap.Int64("search_dropped", s.highest),
			zap.Int64("confirmed_dropped", confirmed),
		)
	}
	if e.cancelRequested.Load() || e.ctx.Err() != nil {
		e.finishCancelled(id, log, s)
		return
	}

	optimal := model.AntiPhase(s.worst, period)
	e.telemetry.SetTimingOffset(optimal)

	result := model.Result{
		SessionID:        id,
		FramePeriodNs:    period,
		WorstOffsetNs:    s.worst,
		OptimalOffsetNs:  optimal,
		HighestDropped:   s.highest,
		Candidates:       len(s.candidates),
		Samples:          s.samples,
		ConfirmedDropped: confirmed,
		Duration:         time.Since(started),
		CompletedAt:      time.Now(),
	}
	e.optimalOffset.Store(optimal)
	e.resultHighest.Store(s.highest)
	e.lastResult.Store(&result)
	e.progressBits.Store(math.Float64bits(1))
	e.state.Store(int32(model.StateCompleted))

	log.Info("calibration complete",
		zap.Int64("worst_offset_ns", s.worst),
		zap.Int64("optimal_offset_ns", optimal),
		zap.Int64("highest_dropped", s.highest),
		zap.Int("candidates", len(s.candidates)),
		zap.Int("samples", s.samples),
		zap.Duration("duration", result.Duration),
	)
	e.report(id, progress.StageDone, fmt.Sprintf("optimal offset %d ns", optimal))

	if e.onResult != nil {
		e.onResult(result)
	}
}

// finishCancelled puts back the offset that was in effect before the session.
func (e *Engine) finishCancelled(id string, log *logger.Logger, s *search) {
	e.telemetry.SetTimingOffset(s.initialOffset)
	e.state.Store(int32(model.StateCancelled))
	log.Info("calibration cancelled",
		zap.Int("samples", s.samples),
		zap.Float64("progress", e.Progress()),
		zap.Int64("restored_offset_ns", s.initialOffset),
	)
	e.report(id, progress.StageCancelled, "cancelled")
}

// setProgress stores p if it moves progress forward; the session goroutine is the only caller.
func (e *Engine) setProgress(p float64) {
	if p > 1 {
		p = 1
	}
	if p > e.Progress() {
		e.progressBits.Store(math.Float64bits(p))
	}
}

func (e *Engine) report(id string, stage progress.Stage, msg string) {
	e.reporter.Report(progress.Update{
		SessionID: id,
		Stage:     stage,
		Percent:   e.Progress() * 100,
		Message:   msg,
		Timestamp: time.Now(),
	})
}
