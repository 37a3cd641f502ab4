// Package presenter holds the presentation-side state of software even/odd sync:
// the timing offset register, slot parity controls and frame counters.
package presenter

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/Skryldev/evenodd-lab/domain/model"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
)

// MaxVSyncFrameOffset bounds the vsync frame offset in both directions
const MaxVSyncFrameOffset = 10

// SoftwareSync implements ports.TelemetrySource and ports.SyncControls.
// Every field is a single atomic so the present loop can read it between any two frames.
type SoftwareSync struct {
	period int64
	epoch  time.Time

	timeOffset       atomic.Int64
	vsyncFrameOffset atomic.Int32
	flip             atomic.Bool

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewSoftwareSync creates a presenter context for the given frame period in ns
func NewSoftwareSync(periodNs int64) (*SoftwareSync, error) {
	if periodNs <= 0 {
		return nil, pkgerrors.NewValidationError("frame_period_ns", periodNs, "frame period must be positive")
	}
	return &SoftwareSync{period: periodNs, epoch: time.Now()}, nil
}

// PeriodFromRefresh converts a refresh rate in Hz to a frame period in ns
func PeriodFromRefresh(hz float64) int64 {
	if hz <= 0 {
		return 0
	}
	return int64(math.Round(1e9 / hz))
}

func (s *SoftwareSync) FramePeriod() int64 { return s.period }

// SetTimingOffset publishes ns wrapped into [0, period)
func (s *SoftwareSync) SetTimingOffset(ns int64) {
	s.timeOffset.Store(model.Wrap(ns, s.period))
}

func (s *SoftwareSync) TimingOffset() int64 { return s.timeOffset.Load() }

func (s *SoftwareSync) DroppedFrames() uint64 { return s.dropped.Load() }

func (s *SoftwareSync) TotalFrames() uint64 { return s.frames.Load() }

func (s *SoftwareSync) SetFlipEvenOdd(flip bool) { s.flip.Store(flip) }

func (s *SoftwareSync) FlipEvenOdd() bool { return s.flip.Load() }

// SetVSyncFrameOffset shifts parity by frames, limited to ±MaxVSyncFrameOffset
func (s *SoftwareSync) SetVSyncFrameOffset(frames int) error {
	if frames < -MaxVSyncFrameOffset || frames > MaxVSyncFrameOffset {
		return pkgerrors.NewValidationError("vsync_frame_offset", frames, "out of range [-10, 10]")
	}
	s.vsyncFrameOffset.Store(int32(frames))
	return nil
}

func (s *SoftwareSync) VSyncFrameOffset() int { return int(s.vsyncFrameOffset.Load()) }

// FrameIndex returns the index of the refresh interval containing t, shifted by
// the timing offset and the vsync frame offset.
func (s *SoftwareSync) FrameIndex(t time.Time) int64 {
	elapsed := t.Sub(s.epoch).Nanoseconds() - s.timeOffset.Load()
	idx := elapsed / s.period
	if elapsed < 0 && elapsed%s.period != 0 {
		idx--
	}
	return idx + int64(s.vsyncFrameOffset.Load())
}

// SlotAt returns the color space the presenter should assert at t
func (s *SoftwareSync) SlotAt(t time.Time) model.ColorSpace {
	even := s.FrameIndex(t)%2 == 0
	if s.flip.Load() {
		even = !even
	}
	if even {
		return model.ColorSpaceRGB
	}
	return model.ColorSpaceOCV
}

// RecordFrame counts one presented frame and a drop when the shown slot was not the expected one
func (s *SoftwareSync) RecordFrame(expected, shown model.ColorSpace) {
	s.frames.Add(1)
	if expected != shown {
		s.dropped.Add(1)
	}
}

// RecordDrop counts a frame that was not presented at all
func (s *SoftwareSync) RecordDrop() {
	s.frames.Add(1)
	s.dropped.Add(1)
}

// Sleep waits on the caller's goroutine; the present loop never calls it.
func (s *SoftwareSync) Sleep(ctx context.Context, d time.Duration) {
	sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
