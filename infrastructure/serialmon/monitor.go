// Package serialmon reads dropped-frame counts from an external frame monitor
// (a photodiode on the projected image) over a serial line.
//
// The monitor prints one line per report:
//
//	D <total dropped since power-on>
//	F <total frames seen since power-on>
//
// Other lines are ignored. A total smaller than the previous one means the
// device was reset; counting continues from the previous total.
package serialmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/retry"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const maxLineLen = 128

// Config holds serial port settings
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Retry       retry.Config
}

// Monitor implements ports.DropCounter
type Monitor struct {
	r   io.ReadCloser
	log *logger.Logger

	dropped counter
	frames  counter

	line    []byte
	discard bool
}

// counter turns a device total that may restart at 0 into a monotonic count
type counter struct {
	value    atomic.Uint64
	base     uint64
	lastSeen uint64
}

func (c *counter) observe(total uint64) {
	if total < c.lastSeen {
		c.base += c.lastSeen
	}
	c.lastSeen = total
	c.value.Store(c.base + total)
}

// Open opens the serial port, retrying while the device enumerates
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Monitor, error) {
	if cfg.Port == "" {
		return nil, pkgerrors.NewValidationError("port", cfg.Port, "serial port must be set")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	log = logger.OrDefault(log).Named("serialmon").With(zap.String("port", cfg.Port))

	var port serial.Port
	err := retry.Do(ctx, cfg.Retry, func() error {
		p, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
		if err != nil {
			log.Warn("open frame monitor failed", zap.Error(err))
			return err
		}
		port = p
		return nil
	})
	if err != nil {
		return nil, pkgerrors.TelemetryError("open frame monitor "+cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, pkgerrors.TelemetryError("set read timeout", err)
	}

	log.Info("frame monitor opened", zap.Int("baud", cfg.Baud))
	return newMonitor(port, log), nil
}

func newMonitor(r io.ReadCloser, log *logger.Logger) *Monitor {
	return &Monitor{r: r, log: logger.OrDefault(log)}
}

// DroppedFrames returns the monotonic dropped-frame count
func (m *Monitor) DroppedFrames() uint64 { return m.dropped.value.Load() }

// Frames returns the monotonic count of frames the monitor saw
func (m *Monitor) Frames() uint64 { return m.frames.value.Load() }

// Run reads reports until ctx is done or the port fails
func (m *Monitor) Run(ctx context.Context) error {
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := m.r.Read(buf)
		if n > 0 {
			m.feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return pkgerrors.TelemetryError("frame monitor closed", err)
			}
			return pkgerrors.TelemetryError("read frame monitor", err)
		}
	}
}

// Close closes the port
func (m *Monitor) Close() error {
	return m.r.Close()
}

// feed appends data to the pending line and handles every completed line.
// Only the Run goroutine calls it.
func (m *Monitor) feed(data []byte) {
	for _, b := range data {
		if b == '\n' || b == '\r' {
			if len(m.line) > 0 && !m.discard {
				m.handle(string(m.line))
			}
			m.line = m.line[:0]
			m.discard = false
			continue
		}
		if m.discard {
			continue
		}
		if len(m.line) >= maxLineLen {
			// garbage on the line, resync at the next newline
			m.line = m.line[:0]
			m.discard = true
			continue
		}
		m.line = append(m.line, b)
	}
}

func (m *Monitor) handle(line string) {
	kind, total, err := parseLine(line)
	if err != nil {
		m.log.Debug("ignoring frame monitor line", zap.String("line", line), zap.Error(err))
		return
	}
	switch kind {
	case 'D':
		m.dropped.observe(total)
	case 'F':
		m.frames.observe(total)
	}
}

func parseLine(line string) (byte, uint64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || len(fields[0]) != 1 {
		return 0, 0, fmt.Errorf("malformed report")
	}
	kind := fields[0][0]
	if kind != 'D' && kind != 'F' {
		return 0, 0, fmt.Errorf("unknown report %q", fields[0])
	}
	total, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return kind, total, nil
}
