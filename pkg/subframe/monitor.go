package subframe

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrAborted is returned when a measurement is cancelled.
var ErrAborted = errors.New("process aborted")

// pollInterval is the number of pixels between abort checks in pixel loops.
const pollInterval = 1 << 16

// Monitor carries the abort flag and pixel progress counter shared by all
// tasks of a run. A nil *Monitor never aborts.
type Monitor struct {
	aborted atomic.Bool
	pixels  atomic.Int64
}

// NewMonitor returns a monitor that aborts when ctx is done. The returned
// stop function detaches it from ctx.
func NewMonitor(ctx context.Context) (*Monitor, func() bool) {
	m := &Monitor{}
	stop := context.AfterFunc(ctx, m.Abort)
	return m, stop
}

// Abort raises the abort flag.
func (m *Monitor) Abort() {
	if m != nil {
		m.aborted.Store(true)
	}
}

// Aborted reports whether abort has been requested.
func (m *Monitor) Aborted() bool {
	return m != nil && m.aborted.Load()
}

// Check returns ErrAborted once abort has been requested.
func (m *Monitor) Check() error {
	if m.Aborted() {
		return ErrAborted
	}
	return nil
}

// Pixels is the number of pixels processed so far, in poll-sized steps.
func (m *Monitor) Pixels() int64 {
	if m == nil {
		return 0
	}
	return m.pixels.Load()
}

// pixelPoller counts pixels locally and touches the shared state once per
// pollInterval pixels.
type pixelPoller struct {
	m *Monitor
	n int
}

func (m *Monitor) poller() *pixelPoller {
	return &pixelPoller{m: m}
}

func (p *pixelPoller) tick() error {
	p.n++
	if p.n&(pollInterval-1) != 0 {
		return nil
	}
	if p.m == nil {
		return nil
	}
	p.m.pixels.Add(pollInterval)
	return p.m.Check()
}
