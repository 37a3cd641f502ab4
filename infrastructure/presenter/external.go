package presenter

import (
	"github.com/Skryldev/evenodd-lab/domain/ports"
)

// ExternalCounter is a SoftwareSync whose drops are counted by an outside
// device, e.g. a photodiode frame monitor, instead of by the present loop.
type ExternalCounter struct {
	*SoftwareSync
	counter ports.DropCounter
}

// WithCounter combines the offset register of ss with an external drop counter
func WithCounter(ss *SoftwareSync, counter ports.DropCounter) *ExternalCounter {
	return &ExternalCounter{SoftwareSync: ss, counter: counter}
}

func (e *ExternalCounter) DroppedFrames() uint64 { return e.counter.DroppedFrames() }
