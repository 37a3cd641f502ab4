package presenter

import (
	"context"
	"math/rand"
	"time"

	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"go.uber.org/zap"
)

// SimConfig describes a simulated projector. Frames drop when the timing offset
// lands within BandNs/2 of the scan-out boundary. A zero DropProbability never
// drops in the band, leaving only noise.
type SimConfig struct {
	FramePeriodNs    int64
	BoundaryNs       int64
	BandNs           int64
	DropProbability  float64 // per frame, inside the band
	NoiseProbability float64 // per frame, anywhere
	Seed             int64
}

// Simulator drives a SoftwareSync with a synthetic present loop.
// It stands in for the real presenter when no projector is attached.
type Simulator struct {
	*SoftwareSync

	cfg SimConfig
	rng *rand.Rand
	log *logger.Logger
}

// NewSimulator creates a simulator; call Run to start presenting frames
func NewSimulator(cfg SimConfig, log *logger.Logger) (*Simulator, error) {
	ss, err := NewSoftwareSync(cfg.FramePeriodNs)
	if err != nil {
		return nil, err
	}
	return &Simulator{
		SoftwareSync: ss,
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		log:          logger.OrDefault(log).Named("simulator"),
	}, nil
}

// Run presents one frame per period until ctx is done
func (s *Simulator) Run(ctx context.Context) error {
	s.log.Info("simulated projector running",
		zap.Int64("frame_period_ns", s.cfg.FramePeriodNs),
		zap.Int64("boundary_ns", s.cfg.BoundaryNs),
		zap.Int64("band_ns", s.cfg.BandNs),
	)

	ticker := time.NewTicker(time.Duration(s.cfg.FramePeriodNs))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("simulated projector stopped",
				zap.Uint64("frames", s.TotalFrames()),
				zap.Uint64("dropped", s.DroppedFrames()),
			)
			return ctx.Err()
		case now := <-ticker.C:
			s.Present(now)
		}
	}
}

// Present simulates a single frame at now. Only the Run goroutine, or a test, may call it.
func (s *Simulator) Present(now time.Time) {
	expected := s.SlotAt(now)
	if s.Drops(s.TimingOffset()) {
		s.RecordDrop()
		return
	}
	s.RecordFrame(expected, expected)
}

// Drops decides whether a frame at offset is lost
func (s *Simulator) Drops(offset int64) bool {
	if s.InBand(offset) && s.rng.Float64() < s.cfg.DropProbability {
		return true
	}
	return s.cfg.NoiseProbability > 0 && s.rng.Float64() < s.cfg.NoiseProbability
}

// InBand reports whether offset is within half a band of the boundary, measured around the period circle
func (s *Simulator) InBand(offset int64) bool {
	p := s.cfg.FramePeriodNs
	d := (offset - s.cfg.BoundaryNs) % p
	if d < 0 {
		d += p
	}
	if d > p-d {
		d = p - d
	}
	return d < s.cfg.BandNs/2
}
