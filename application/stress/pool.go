// Package stress generates CPU and scheduler load so calibration can be
// checked under the timing pressure of a busy host.
package stress

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"go.uber.org/zap"
)

// MaxWorkers bounds Start
const MaxWorkers = 256

// Config tunes the load pattern
type Config struct {
	// Each worker spins for Busy, then sleeps for Idle
	Busy time.Duration
	Idle time.Duration
}

// DefaultConfig loads the host close to fully
func DefaultConfig() Config {
	return Config{Busy: 10 * time.Millisecond, Idle: time.Millisecond}
}

// Pool manages stress workers
type Pool struct {
	cfg Config
	log *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Int32
	cycles  atomic.Uint64
}

// NewPool creates an idle pool
func NewPool(cfg Config, log *logger.Logger) *Pool {
	if cfg.Busy <= 0 {
		cfg.Busy = DefaultConfig().Busy
	}
	return &Pool{cfg: cfg, log: logger.OrDefault(log).Named("stress")}
}

// Start launches workers goroutines, replacing any running set
func (p *Pool) Start(workers int) error {
	if workers <= 0 || workers > MaxWorkers {
		return pkgerrors.NewValidationError("workers", workers, "out of range [1, 256]")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	// every worker must be running before Start returns
	var ready sync.WaitGroup
	ready.Add(workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.running.Add(1)
			defer p.running.Add(-1)
			ready.Done()
			p.work(ctx)
		}()
	}
	ready.Wait()

	p.log.Info("stress test started",
		zap.Int("workers", workers),
		zap.Duration("busy", p.cfg.Busy),
		zap.Duration("idle", p.cfg.Idle),
	)
	return nil
}

// Stop cancels all workers and waits for them to exit
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopLocked() {
		p.log.Info("stress test stopped", zap.Uint64("cycles", p.cycles.Load()))
	}
}

func (p *Pool) stopLocked() bool {
	if p.cancel == nil {
		return false
	}
	p.cancel()
	p.cancel = nil
	p.wg.Wait()
	return true
}

// Running returns the number of live workers
func (p *Pool) Running() int { return int(p.running.Load()) }

// Cycles returns completed busy/idle cycles across all workers
func (p *Pool) Cycles() uint64 { return p.cycles.Load() }

func (p *Pool) work(ctx context.Context) {
	x := 1.0
	for {
		deadline := time.Now().Add(p.cfg.Busy)
		for time.Now().Before(deadline) {
			for i := 0; i < 1000; i++ {
				x = math.Sqrt(x*x + 1)
			}
			if ctx.Err() != nil {
				return
			}
			runtime.Gosched()
		}
		p.cycles.Add(1)

		if p.cfg.Idle > 0 {
			t := time.NewTimer(p.cfg.Idle)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}
