package progress

import (
	"sync"
	"time"
)

// Stage represents a calibration phase
type Stage string

const (
	StageQuickScan Stage = "quick_scan"
	StageDescent   Stage = "descent"
	StageConfirm   Stage = "confirm"
	StageDone      Stage = "done"
	StageCancelled Stage = "cancelled"
)

// Update holds a progress update
type Update struct {
	SessionID string    `json:"session_id"`
	Stage     Stage     `json:"stage"`
	Percent   float64   `json:"percent"` // 0..100
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Reporter is the interface for progress reporting.
// Report is called from the calibration goroutine and must not block.
type Reporter interface {
	Report(update Update)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(Update)

func (f ReporterFunc) Report(update Update) { f(update) }

// ChannelReporter sends updates to a channel
type ChannelReporter struct {
	ch chan<- Update
}

// NewChannelReporter creates a reporter that sends updates to ch
func NewChannelReporter(ch chan<- Update) *ChannelReporter {
	return &ChannelReporter{ch: ch}
}

func (r *ChannelReporter) Report(update Update) {
	select {
	case r.ch <- update:
	default: // non-blocking: drop if channel is full
	}
}

// MultiReporter fans out to multiple reporters
type MultiReporter struct {
	mu        sync.RWMutex
	reporters []Reporter
}

func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{reporters: reporters}
}

func (m *MultiReporter) Add(r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters = append(m.reporters, r)
}

func (m *MultiReporter) Report(update Update) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reporters {
		r.Report(update)
	}
}

// NoopReporter discards all updates
type NoopReporter struct{}

func (n NoopReporter) Report(_ Update) {}
