package turn

import (
	"time"

	"github.com/benbjohnson/clock"
)

// LoopConfig tunes the frame loop driving a Manager.
type LoopConfig struct {
	FrameRate       int
	CatchupMaxTurns int
}

// DefaultLoopConfig mirrors a typical client frame budget.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{FrameRate: 60, CatchupMaxTurns: 2}
}

// FrameResult summarises one frame of the loop.
type FrameResult struct {
	Frame      uint64
	Now        time.Time
	Delta      time.Duration
	Progressed bool
	Turn       uint32
	Duration   time.Duration
}

// Loop feeds frame lengths into a Manager. The owner calls Frame from the
// goroutine that also handles network input, since the Manager is not safe
// for concurrent use.
type Loop struct {
	manager *Manager
	clock   clock.Clock
	config  LoopConfig
	frame   uint64
}

// NewLoop wraps manager. A nil clk uses the wall clock.
func NewLoop(manager *Manager, clk clock.Clock, cfg LoopConfig) *Loop {
	if manager == nil {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultLoopConfig().FrameRate
	}
	if cfg.CatchupMaxTurns <= 0 {
		cfg.CatchupMaxTurns = 1
	}
	return &Loop{manager: manager, clock: clk, config: cfg}
}

// Frame runs a single frame with an explicit delta.
func (l *Loop) Frame(now time.Time, delta time.Duration) FrameResult {
	if l == nil {
		return FrameResult{}
	}
	start := l.clock.Now()
	l.frame++
	progressed := l.manager.Update(delta, l.config.CatchupMaxTurns)
	return FrameResult{
		Frame:      l.frame,
		Now:        now,
		Delta:      delta,
		Progressed: progressed,
		Turn:       l.manager.CurrentTurn(),
		Duration:   l.clock.Now().Sub(start),
	}
}
