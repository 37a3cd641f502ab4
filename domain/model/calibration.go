package model

import (
	"fmt"
	"math"
	"time"
)

// State is the lifecycle state of a calibration session
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear as a word in JSON and YAML
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "running":
		*s = StateRunning
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	default:
		return fmt.Errorf("unknown calibration state %q", text)
	}
	return nil
}

// NoSamples is the highest-dropped sentinel before any descent sample is taken.
const NoSamples int64 = math.MinInt64

// ColorSpace identifies which framebuffer a frame slot presents
type ColorSpace string

const (
	ColorSpaceRGB ColorSpace = "rgb"
	ColorSpaceOCV ColorSpace = "ocv"
)

// CalibrationOptions tunes the two-phase offset search
type CalibrationOptions struct {
	// Phase 1: the frame period is divided into QuickScanSteps samples
	QuickScanSteps int
	QuickScanDwell time.Duration

	// Phase 2: intervals narrower than FramePeriod/DescentMinSteps are not split
	DescentMinSteps int
	DescentDwell    time.Duration

	// Confirm re-measures the worst offset once after the search.
	// The result is reported but never changes the optimal offset.
	Confirm      bool
	ConfirmDwell time.Duration
}

// DefaultCalibrationOptions returns the standard search parameters
func DefaultCalibrationOptions() *CalibrationOptions {
	return &CalibrationOptions{
		QuickScanSteps:  300,
		QuickScanDwell:  30 * time.Millisecond,
		DescentMinSteps: 1000,
		DescentDwell:    150 * time.Millisecond,
		Confirm:         false,
		ConfirmDwell:    500 * time.Millisecond,
	}
}

// Result is the outcome of a completed calibration session
type Result struct {
	SessionID       string `json:"session_id" yaml:"session_id"`
	FramePeriodNs   int64  `json:"frame_period_ns" yaml:"frame_period_ns"`
	WorstOffsetNs   int64  `json:"worst_offset_ns" yaml:"worst_offset_ns"`
	OptimalOffsetNs int64  `json:"optimal_offset_ns" yaml:"optimal_offset_ns"`
	HighestDropped  int64  `json:"highest_dropped" yaml:"highest_dropped"`
	Candidates      int    `json:"candidates" yaml:"candidates"`
	Samples         int    `json:"samples" yaml:"samples"`

	// ConfirmedDropped is set only when the confirmation pass ran, -1 otherwise
	ConfirmedDropped int64         `json:"confirmed_dropped" yaml:"confirmed_dropped"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
	CompletedAt      time.Time     `json:"completed_at" yaml:"completed_at"`
}

// Snapshot is the UI-visible view of calibration and presentation state.
// Fields are read independently and may be mutually stale by one sample.
type Snapshot struct {
	InProgress           bool    `json:"in_progress"`
	Progress             float64 `json:"progress"`
	Complete             bool    `json:"complete"`
	OptimalOffset        int64   `json:"optimal_offset_ns"`
	HighestDroppedFrames int64   `json:"highest_dropped_frames"`

	State         State  `json:"state"`
	SessionID     string `json:"session_id,omitempty"`
	WorstOffset   int64  `json:"worst_offset_ns"`
	FramePeriod   int64  `json:"frame_period_ns"`
	TimingOffset  int64  `json:"timing_offset_ns"`
	DroppedFrames uint64 `json:"dropped_frames"`
	TotalFrames   uint64 `json:"total_frames"`

	FlipEvenOdd      bool       `json:"flip_even_odd"`
	VSyncFrameOffset int        `json:"vsync_frame_offset"`
	View             ColorSpace `json:"view"`
	StressWorkers    int        `json:"stress_workers"`
}

// AntiPhase returns the offset half a period away from worst, wrapped into [0, period).
func AntiPhase(worst, period int64) int64 {
	if period <= 0 {
		return 0
	}
	return Wrap(period/2+worst, period)
}

// Wrap maps an offset onto [0, period).
func Wrap(offset, period int64) int64 {
	if period <= 0 {
		return 0
	}
	offset %= period
	if offset < 0 {
		offset += period
	}
	return offset
}
