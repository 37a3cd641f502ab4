package ports

import (
	"context"
	"time"

	"github.com/Skryldev/evenodd-lab/domain/model"
)

// DropCounter exposes the monotonic dropped-frame counter
type DropCounter interface {
	// DroppedFrames returns frames dropped since telemetry start.
	// Only differences between two reads are meaningful.
	DroppedFrames() uint64
}

// OffsetRegister is the software-sync timing offset consumed by the presenter
type OffsetRegister interface {
	// SetTimingOffset publishes a new offset in ns; it applies within one frame.
	SetTimingOffset(ns int64)

	// TimingOffset returns the currently published offset in ns
	TimingOffset() int64

	// FramePeriod returns the refresh period in ns, constant for a session
	FramePeriod() int64
}

// TelemetrySource is everything the calibration engine talks to
type TelemetrySource interface {
	DropCounter
	OffsetRegister

	// Sleep blocks the calling goroutine for d, or until ctx is done.
	// It must never block the presentation loop.
	Sleep(ctx context.Context, d time.Duration)
}

// SyncControls are the manual even/odd knobs of the software-sync presenter
type SyncControls interface {
	// SetFlipEvenOdd swaps which color space even frames present
	SetFlipEvenOdd(flip bool)
	FlipEvenOdd() bool

	// SetVSyncFrameOffset shifts slot parity by whole frames
	SetVSyncFrameOffset(frames int) error
	VSyncFrameOffset() int

	// TotalFrames counts presented frames since start
	TotalFrames() uint64
}

// Calibrator is the control surface exposed to the UI
type Calibrator interface {
	// Start begins a session. It returns false when one is already running.
	Start() (sessionID string, started bool)

	// Cancel requests cooperative cancellation of the running session
	Cancel()

	// Snapshot returns the current status without blocking
	Snapshot() model.Snapshot
}

// ResultStore persists the last completed calibration result
type ResultStore interface {
	// Save stores r, replacing any previous result
	Save(ctx context.Context, r model.Result) error

	// Load returns the stored result, or ok=false when none exists
	Load(ctx context.Context) (r model.Result, ok bool, err error)
}

// Option is the functional option type
type Option func(*model.CalibrationOptions)

// WithQuickScanSteps sets how many samples the quick scan takes across one period
func WithQuickScanSteps(n int) Option {
	return func(o *model.CalibrationOptions) {
		if n > 0 {
			o.QuickScanSteps = n
		}
	}
}

// WithQuickScanDwell sets the per-sample dwell of the quick scan
func WithQuickScanDwell(d time.Duration) Option {
	return func(o *model.CalibrationOptions) {
		o.QuickScanDwell = d
	}
}

// WithDescentMinSteps sets the finest descent resolution as a fraction of the period
func WithDescentMinSteps(n int) Option {
	return func(o *model.CalibrationOptions) {
		if n > 0 {
			o.DescentMinSteps = n
		}
	}
}

// WithDescentDwell sets the per-sample dwell of the descent phase
func WithDescentDwell(d time.Duration) Option {
	return func(o *model.CalibrationOptions) {
		o.DescentDwell = d
	}
}

// WithConfirmation enables a single re-measurement of the worst offset
func WithConfirmation(dwell time.Duration) Option {
	return func(o *model.CalibrationOptions) {
		o.Confirm = true
		if dwell > 0 {
			o.ConfirmDwell = dwell
		}
	}
}
