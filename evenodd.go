package evenodd

import (
	"context"

	"github.com/Skryldev/evenodd-lab/application/stress"
	"github.com/Skryldev/evenodd-lab/application/usecase"
	"github.com/Skryldev/evenodd-lab/domain/model"
	"github.com/Skryldev/evenodd-lab/domain/ports"
	"github.com/Skryldev/evenodd-lab/infrastructure/presenter"
	"github.com/Skryldev/evenodd-lab/infrastructure/storage"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"go.uber.org/zap"
)

// Re-export types for convenient use by callers
type (
	Result         = model.Result
	Snapshot       = model.Snapshot
	State          = model.State
	ColorSpace     = model.ColorSpace
	Option         = ports.Option
	Presenter      = usecase.Presenter
	ResultSink     = usecase.ResultSink
	SimConfig      = presenter.SimConfig
	Simulator      = presenter.Simulator
	ProgressUpdate = progress.Update
	ProgressStage  = progress.Stage
)

// Re-export constants
const (
	StateIdle      = model.StateIdle
	StateRunning   = model.StateRunning
	StateCompleted = model.StateCompleted
	StateCancelled = model.StateCancelled

	ColorSpaceRGB = model.ColorSpaceRGB
	ColorSpaceOCV = model.ColorSpaceOCV

	StageQuickScan = progress.StageQuickScan
	StageDescent   = progress.StageDescent
	StageConfirm   = progress.StageConfirm
	StageDone      = progress.StageDone
	StageCancelled = progress.StageCancelled
)

// Re-export option and constructor functions
var (
	WithQuickScanSteps  = ports.WithQuickScanSteps
	WithQuickScanDwell  = ports.WithQuickScanDwell
	WithDescentMinSteps = ports.WithDescentMinSteps
	WithDescentDwell    = ports.WithDescentDwell
	WithConfirmation    = ports.WithConfirmation

	NewSimulator      = presenter.NewSimulator
	PeriodFromRefresh = presenter.PeriodFromRefresh
)

// Config holds top-level configuration for the rig
type Config struct {
	// Presenter is the software-sync presentation context (required)
	Presenter Presenter

	// Logger is an optional custom logger. Uses production zap if nil.
	Logger *logger.Logger

	// ZapLogger allows passing a *zap.Logger directly
	ZapLogger *zap.Logger

	// ProgressCh is an optional channel for receiving progress updates
	ProgressCh chan<- ProgressUpdate

	// Reporters receive progress alongside ProgressCh, e.g. a websocket hub
	Reporters []progress.Reporter

	// Options tune the offset search
	Options []Option

	// ResultsFile enables persistence of the last completed result as YAML
	ResultsFile string

	// ResultSinks receive every completed result, e.g. an MQTT publisher
	ResultSinks []ResultSink

	// Stress tunes the CPU stress test
	Stress *stress.Config

	// StressWorkers is used when a stress start does not name a worker count
	StressWorkers int
}

// Rig is the main entry point
type Rig struct {
	service *usecase.RigService
	log     *logger.Logger
}

// New creates a Rig with the given configuration
func New(cfg Config) (*Rig, error) {
	log := cfg.Logger
	if log == nil && cfg.ZapLogger != nil {
		log = logger.FromZap(cfg.ZapLogger)
	}
	if log == nil {
		var err error
		log, err = logger.New(false)
		if err != nil {
			return nil, err
		}
	}

	reporters := progress.NewMultiReporter(cfg.Reporters...)
	if cfg.ProgressCh != nil {
		reporters.Add(progress.NewChannelReporter(cfg.ProgressCh))
	}

	var store ports.ResultStore
	if cfg.ResultsFile != "" {
		store = storage.NewFileStore(cfg.ResultsFile)
	}

	stressCfg := stress.DefaultConfig()
	if cfg.Stress != nil {
		stressCfg = *cfg.Stress
	}

	svc, err := usecase.NewRigService(usecase.Config{
		Presenter: cfg.Presenter,
		Reporter:  reporters,
		Logger:    log,
		Options:   cfg.Options,
		Store:     store,
		Sinks:     cfg.ResultSinks,
		Stress:    stressCfg,

		StressWorkers: cfg.StressWorkers,
	})
	if err != nil {
		return nil, err
	}

	return &Rig{
		service: svc,
		log:     log,
	}, nil
}

// StartAutoCalibration starts a calibration session from the RGB view
func (r *Rig) StartAutoCalibration() (string, bool) { return r.service.StartAutoCalibration() }

// CancelCalibration cancels the running session
func (r *Rig) CancelCalibration() { r.service.CancelCalibration() }

// Status returns the current calibration and presentation state
func (r *Rig) Status() Snapshot { return r.service.Status() }

// Wait blocks until the most recent session ends or ctx is done
func (r *Rig) Wait(ctx context.Context) error { return r.service.Engine().Wait(ctx) }

// LastResult returns the most recent completed or restored result
func (r *Rig) LastResult() (Result, bool) { return r.service.Engine().LastResult() }

func (r *Rig) SetTimingOffset(ns int64) error { return r.service.SetTimingOffset(ns) }

func (r *Rig) SetFlipEvenOdd(flip bool) { r.service.SetFlipEvenOdd(flip) }

func (r *Rig) SetVSyncFrameOffset(frames int) error { return r.service.SetVSyncFrameOffset(frames) }

func (r *Rig) SetView(view ColorSpace) error { return r.service.SetView(view) }

func (r *Rig) StartStress(workers int) error { return r.service.StartStress(workers) }

func (r *Rig) StopStress() { r.service.StopStress() }

// RestoreLastResult applies the persisted result when it matches the current display.
// It has no effect once a calibration session has run.
func (r *Rig) RestoreLastResult(ctx context.Context) (Result, bool, error) {
	return r.service.RestoreLastResult(ctx)
}

// Close stops any session and the stress test, then flushes the logger
func (r *Rig) Close() error {
	err := r.service.Close()
	_ = r.log.Sync()
	return err
}
