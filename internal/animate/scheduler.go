package animate

import (
	"context"
	"sync"
	"time"
)

// Task is a cancellable repeating step.
type Task interface {
	Cancel()
}

// Scheduler runs a step repeatedly until its task is cancelled.
type Scheduler interface {
	Every(interval time.Duration, step func(now time.Time)) Task
}

// TickerScheduler runs each task on its own ticker goroutine. All tasks stop
// when the context is done.
type TickerScheduler struct {
	ctx context.Context
}

// NewTickerScheduler creates a scheduler bound to ctx.
func NewTickerScheduler(ctx context.Context) *TickerScheduler {
	return &TickerScheduler{ctx: ctx}
}

type tickerTask struct {
	stop chan struct{}
	once sync.Once
}

func (t *tickerTask) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Every implements Scheduler.
func (s *TickerScheduler) Every(interval time.Duration, step func(now time.Time)) Task {
	task := &tickerTask{stop: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				select {
				case <-task.stop:
					return
				default:
				}
				step(now)
			case <-task.stop:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return task
}

// Frames is a scheduler driven by an external per-frame callback: every
// active task runs once per Tick regardless of its interval.
type Frames struct {
	mu    sync.Mutex
	tasks []*frameTask
}

type frameTask struct {
	frames   *Frames
	step     func(now time.Time)
	canceled bool
}

func (t *frameTask) Cancel() {
	t.frames.mu.Lock()
	defer t.frames.mu.Unlock()

	t.canceled = true
	for i, other := range t.frames.tasks {
		if other == t {
			t.frames.tasks = append(t.frames.tasks[:i], t.frames.tasks[i+1:]...)
			break
		}
	}
}

// Every implements Scheduler.
func (f *Frames) Every(_ time.Duration, step func(now time.Time)) Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &frameTask{frames: f, step: step}
	f.tasks = append(f.tasks, t)
	return t
}

// Tick runs one frame at now.
func (f *Frames) Tick(now time.Time) {
	f.mu.Lock()
	tasks := make([]*frameTask, len(f.tasks))
	copy(tasks, f.tasks)
	f.mu.Unlock()

	for _, t := range tasks {
		f.mu.Lock()
		canceled := t.canceled
		f.mu.Unlock()
		if !canceled {
			t.step(now)
		}
	}
}

// Pending returns the number of active tasks.
func (f *Frames) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}
