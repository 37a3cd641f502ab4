package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FakeTelemetry is a test double for ports.TelemetrySource.
// Each Sleep adds DropsFunc(current offset, dwell) to the drop counter, so a run
// is fully deterministic. With RealSleep set, Sleep also waits for real time.
type FakeTelemetry struct {
	Period    int64
	DropsFunc func(offset int64, dwell time.Duration) uint64
	SleepFunc func(ctx context.Context, d time.Duration)
	RealSleep bool

	offset  atomic.Int64
	dropped atomic.Uint64
	sleeps  atomic.Int64

	mu      sync.Mutex
	offsets []int64
}

// NewFakeTelemetry creates a fake with the given frame period and drop model
func NewFakeTelemetry(period int64, drops func(offset int64, dwell time.Duration) uint64) *FakeTelemetry {
	return &FakeTelemetry{Period: period, DropsFunc: drops}
}

func (f *FakeTelemetry) DroppedFrames() uint64 { return f.dropped.Load() }

func (f *FakeTelemetry) SetTimingOffset(ns int64) {
	f.offset.Store(ns)
	f.mu.Lock()
	f.offsets = append(f.offsets, ns)
	f.mu.Unlock()
}

func (f *FakeTelemetry) TimingOffset() int64 { return f.offset.Load() }

func (f *FakeTelemetry) FramePeriod() int64 { return f.Period }

func (f *FakeTelemetry) Sleep(ctx context.Context, d time.Duration) {
	f.sleeps.Add(1)
	if f.SleepFunc != nil {
		f.SleepFunc(ctx, d)
	} else if f.RealSleep {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	if f.DropsFunc != nil {
		f.dropped.Add(f.DropsFunc(f.offset.Load(), d))
	}
}

// Offsets returns every offset written so far, in order
func (f *FakeTelemetry) Offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.offsets))
	copy(out, f.offsets)
	return out
}

// Sleeps returns how many samples were taken
func (f *FakeTelemetry) Sleeps() int64 { return f.sleeps.Load() }

// NoDrops never drops a frame
func NoDrops(int64, time.Duration) uint64 { return 0 }

// BandDrops drops perSample frames for offsets in [lo, hi) and nothing elsewhere
func BandDrops(lo, hi int64, perSample uint64) func(int64, time.Duration) uint64 {
	return func(offset int64, _ time.Duration) uint64 {
		if offset >= lo && offset < hi {
			return perSample
		}
		return 0
	}
}

// PeakDrops drops more frames the closer the offset is to peak, out to width on either side
func PeakDrops(peak, width int64, max uint64) func(int64, time.Duration) uint64 {
	return func(offset int64, _ time.Duration) uint64 {
		d := offset - peak
		if d < 0 {
			d = -d
		}
		if d >= width {
			return 0
		}
		return uint64(float64(max) * float64(width-d) / float64(width))
	}
}
