package animate

import (
	"math"
	"sync"
	"time"
)

// Config shapes the breathing pulse.
type Config struct {
	// Period is the length of one cycle; the width peaks twice per period.
	Period    time.Duration
	BaseWidth float64
	Amplitude float64
	// Interval is the step rate for schedulers that need one.
	Interval time.Duration
}

// DefaultConfig pulses between 6 and 12 px over two seconds.
func DefaultConfig() Config {
	return Config{
		Period:    2 * time.Second,
		BaseWidth: 6,
		Amplitude: 6,
		Interval:  16 * time.Millisecond,
	}
}

// Width returns the highlight width at elapsed time since the animation
// started. The result always lies in [BaseWidth, BaseWidth+|Amplitude|].
func (c Config) Width(elapsed time.Duration) float64 {
	period := c.Period.Seconds()
	if period <= 0 {
		return c.BaseWidth
	}
	t := math.Mod(elapsed.Seconds(), period)
	if t < 0 {
		t += period
	}
	return c.BaseWidth + math.Abs(c.Amplitude)*math.Abs(math.Sin(math.Pi*t/(period/2)))
}

// Sink receives each computed width.
type Sink func(width float64)

// Animator runs one breathing animation at a time on a Scheduler.
type Animator struct {
	cfg   Config
	sched Scheduler
	sink  Sink

	mu        sync.Mutex
	animating bool
	start     time.Time
	task      Task
	gen       uint64
}

// New creates an idle animator.
func New(cfg Config, sched Scheduler, sink Sink) *Animator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Animator{cfg: cfg, sched: sched, sink: sink}
}

// Start begins animating from start, pushing the first width immediately.
// Starting a running animator only moves its start time.
func (a *Animator) Start(start time.Time) {
	a.mu.Lock()
	a.start = start
	if a.animating {
		a.mu.Unlock()
		return
	}
	a.animating = true
	a.gen++
	gen := a.gen
	a.sink(a.cfg.Width(0))
	a.mu.Unlock()

	task := a.sched.Every(a.cfg.Interval, func(now time.Time) { a.step(gen, now) })

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		// Stopped while scheduling.
		task.Cancel()
		return
	}
	a.task = task
}

// Stop cancels the outstanding step. No width is written after Stop returns.
func (a *Animator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.animating = false
	a.gen++
	if a.task != nil {
		a.task.Cancel()
		a.task = nil
	}
}

// Running reports whether an animation is active.
func (a *Animator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.animating
}

func (a *Animator) step(gen uint64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.animating || gen != a.gen {
		return
	}
	a.sink(a.cfg.Width(now.Sub(a.start)))
}
