package mocks

import (
	"errors"
	"sync/atomic"
)

// FakePresenter adds the manual sync controls to FakeTelemetry
type FakePresenter struct {
	*FakeTelemetry

	flip   atomic.Bool
	vsync  atomic.Int32
	Frames atomic.Uint64
}

// NewFakePresenter wraps tel
func NewFakePresenter(tel *FakeTelemetry) *FakePresenter {
	return &FakePresenter{FakeTelemetry: tel}
}

func (p *FakePresenter) SetFlipEvenOdd(flip bool) { p.flip.Store(flip) }

func (p *FakePresenter) FlipEvenOdd() bool { return p.flip.Load() }

func (p *FakePresenter) SetVSyncFrameOffset(frames int) error {
	if frames < -10 || frames > 10 {
		return errors.New("vsync frame offset out of range")
	}
	p.vsync.Store(int32(frames))
	return nil
}

func (p *FakePresenter) VSyncFrameOffset() int { return int(p.vsync.Load()) }

func (p *FakePresenter) TotalFrames() uint64 { return p.Frames.Load() }
