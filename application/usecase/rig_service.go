package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Skryldev/evenodd-lab/application/calibration"
	"github.com/Skryldev/evenodd-lab/application/stress"
	"github.com/Skryldev/evenodd-lab/domain/model"
	"github.com/Skryldev/evenodd-lab/domain/ports"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const resultSinkTimeout = 5 * time.Second

// Presenter is the software-sync presentation context the rig drives
type Presenter interface {
	ports.TelemetrySource
	ports.SyncControls
}

// ResultSink receives every completed calibration result
type ResultSink interface {
	PublishResult(ctx context.Context, r model.Result) error
}

// RigService is the application service behind the control panel
type RigService struct {
	engine    *calibration.Engine
	presenter Presenter
	store     ports.ResultStore
	sinks     []ResultSink
	stress    *stress.Pool
	log       *logger.Logger

	view           atomic.Value // model.ColorSpace
	stressWorkers  atomic.Int32
	defaultWorkers int
}

// Config holds RigService configuration
type Config struct {
	Presenter Presenter
	Reporter  progress.Reporter
	Logger    *logger.Logger
	Options   []ports.Option

	// Store is optional; without it results are not persisted
	Store ports.ResultStore
	Sinks []ResultSink

	Stress        stress.Config
	StressWorkers int // used when StartStress is called with 0
}

// NewRigService creates a RigService
func NewRigService(cfg Config) (*RigService, error) {
	if cfg.Presenter == nil {
		return nil, pkgerrors.NewValidationError("presenter", nil, "Presenter is required")
	}

	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.New(false)
		if err != nil {
			return nil, pkgerrors.ConfigError("failed to create logger", err)
		}
	}

	s := &RigService{
		presenter: cfg.Presenter,
		store:     cfg.Store,
		sinks:     cfg.Sinks,
		stress:    stress.NewPool(cfg.Stress, log),
		log:       log.Named("rig"),

		defaultWorkers: cfg.StressWorkers,
	}
	s.view.Store(model.ColorSpaceRGB)

	engine, err := calibration.NewEngine(calibration.Config{
		Telemetry: cfg.Presenter,
		Reporter:  cfg.Reporter,
		Logger:    log,
		Options:   cfg.Options,
		OnResult:  s.handleResult,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Engine exposes the calibration engine for callers that wait on sessions
func (s *RigService) Engine() *calibration.Engine { return s.engine }

// StartAutoCalibration starts a session. Requests are ignored unless the RGB view is shown.
func (s *RigService) StartAutoCalibration() (string, bool) {
	if view := s.View(); view != model.ColorSpaceRGB {
		s.log.Info("calibration request ignored", zap.String("view", string(view)))
		return "", false
	}
	id, ok := s.engine.Start()
	if !ok {
		s.log.Info("calibration request ignored, session already running")
	}
	return id, ok
}

// CancelCalibration requests cancellation of the running session
func (s *RigService) CancelCalibration() {
	s.engine.Cancel()
}

// Status merges the calibration snapshot with the presenter state
func (s *RigService) Status() model.Snapshot {
	snap := s.engine.Snapshot()
	snap.TimingOffset = s.presenter.TimingOffset()
	snap.DroppedFrames = s.presenter.DroppedFrames()
	snap.TotalFrames = s.presenter.TotalFrames()
	snap.FlipEvenOdd = s.presenter.FlipEvenOdd()
	snap.VSyncFrameOffset = s.presenter.VSyncFrameOffset()
	snap.View = s.View()
	snap.StressWorkers = int(s.stressWorkers.Load())
	return snap
}

// SetTimingOffset sets the offset by hand. It is refused while a session owns the register.
func (s *RigService) SetTimingOffset(ns int64) error {
	if period := s.presenter.FramePeriod(); ns < 0 || ns >= period {
		return pkgerrors.NewValidationError("timing_offset_ns", ns, "must be within [0, frame period)")
	}
	if err := s.engine.ApplyOffset(ns); err != nil {
		return err
	}
	s.log.Info("timing offset set", zap.Int64("timing_offset_ns", ns))
	return nil
}

// SetFlipEvenOdd swaps the even/odd color spaces
func (s *RigService) SetFlipEvenOdd(flip bool) {
	s.presenter.SetFlipEvenOdd(flip)
	s.log.Info("even/odd flip set", zap.Bool("flip", flip))
}

// SetVSyncFrameOffset shifts slot parity by whole frames
func (s *RigService) SetVSyncFrameOffset(frames int) error {
	if err := s.presenter.SetVSyncFrameOffset(frames); err != nil {
		return err
	}
	s.log.Info("vsync frame offset set", zap.Int("frames", frames))
	return nil
}

// SetView selects which color space the operator is looking at
func (s *RigService) SetView(view model.ColorSpace) error {
	if view != model.ColorSpaceRGB && view != model.ColorSpaceOCV {
		return pkgerrors.NewValidationError("view", view, "must be rgb or ocv")
	}
	s.view.Store(view)
	return nil
}

// View returns the selected color space
func (s *RigService) View() model.ColorSpace {
	return s.view.Load().(model.ColorSpace)
}

// StartStress starts (or resizes) the CPU stress test
func (s *RigService) StartStress(workers int) error {
	if workers == 0 {
		workers = s.defaultWorkers
	}
	if err := s.stress.Start(workers); err != nil {
		return err
	}
	s.stressWorkers.Store(int32(workers))
	return nil
}

// StopStress stops the stress test
func (s *RigService) StopStress() {
	s.stress.Stop()
	s.stressWorkers.Store(0)
}

// RestoreLastResult applies the stored result if it was taken on a display with the same
// frame period and no session has run yet. ok is false when nothing was applied.
func (s *RigService) RestoreLastResult(ctx context.Context) (model.Result, bool, error) {
	if s.store == nil {
		return model.Result{}, false, nil
	}
	r, ok, err := s.store.Load(ctx)
	if err != nil || !ok {
		return r, false, err
	}
	if err := s.engine.Restore(r); err != nil {
		s.log.Warn("stored calibration result not applied", zap.Error(err))
		return r, false, nil
	}
	return r, true, nil
}

// Close cancels any running session and stops the stress test
func (s *RigService) Close() error {
	s.engine.Close()
	s.StopStress()
	return nil
}

// handleResult runs on the session goroutine after each completed session
func (s *RigService) handleResult(r model.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), resultSinkTimeout)
	defer cancel()

	var errs error
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Save(ctx, r))
	}
	for _, sink := range s.sinks {
		errs = multierr.Append(errs, sink.PublishResult(ctx, r))
	}
	if errs != nil {
		s.log.Error("calibration result not fully delivered",
			zap.String("session_id", r.SessionID),
			zap.Error(errs),
		)
	}
}
