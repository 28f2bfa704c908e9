// Package timer implements a 1ms worker driving named countdown timers
// (tested by other components) and scheduled, optionally repeating tasks
// (invoked by this package).
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tick is the resolution at which the stack timer advances. Every named
// timer and task delay is expressed in multiples of this duration.
const Tick = time.Millisecond

// Task is a unit of repeatable, optionally-exponential-backoff work
// scheduled on the stack timer. The zero value is not usable; construct one
// with [NewTask].
type Task struct {
	fn           func()
	baseDelay    int64
	remaining    int64
	exponential  bool
	expShift     uint32
	repeat       int32 // -1 means unbounded
	stop         func() bool
}

// NewTask builds a [Task] that fires fn after baseDelayMs milliseconds have
// elapsed, repeating repeat times (repeat == -1 for unbounded). If
// exponential is true, each delay after a fire is base<<expShift, with
// expShift starting at 0 and incrementing on every fire, so the first repeat
// waits base and later ones double. stop, if non-nil, is consulted on
// every tick before the countdown check; once it returns true the task
// fires no more and is reaped in that same sweep.
func NewTask(fn func(), baseDelayMs int64, exponential bool, repeat int32, stop func() bool) *Task {
	return &Task{
		fn:          fn,
		baseDelay:   baseDelayMs,
		remaining:   baseDelayMs,
		exponential: exponential,
		repeat:      repeat,
		stop:        stop,
	}
}

// tick decrements the task's countdown by one Tick and fires it when it
// reaches zero, rescheduling per the task's repeat/backoff configuration.
// Returns true if the task is still live after this tick.
func (t *Task) tick() (alive bool) {
	t.remaining--
	if t.stop != nil && t.stop() {
		t.remaining = 0
		return false
	}
	if t.remaining > 0 {
		return true
	}
	t.fn()
	if t.repeat == 0 {
		return false
	}
	if t.exponential {
		t.remaining = t.baseDelay << t.expShift
	} else {
		t.remaining = t.baseDelay
	}
	t.expShift++
	if t.repeat > 0 {
		t.repeat--
	}
	return true
}

// Stack is the tick source for named timers and tasks: a worker goroutine
// sleeping [Tick] per iteration, decrementing named timers and ticking
// registered tasks. The zero value is not usable; construct one with [New].
type Stack struct {
	log *slog.Logger

	mu     sync.Mutex
	timers map[string]int64
	tasks  []*Task

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Stack at construction time.
type Option func(*Stack)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Stack) { s.log = l }
}

// New creates a Stack and starts its tick goroutine. Call Close to stop it.
func New(opts ...Option) *Stack {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		log:    slog.Default(),
		timers: make(map[string]int64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run(ctx)
	return s
}

func (s *Stack) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()
	s.log.Debug("stack timer started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Stack) sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stack timer tick panic recovered", slog.Any("panic", r))
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, remaining := range s.timers {
		remaining--
		if remaining <= 0 {
			delete(s.timers, name)
		} else {
			s.timers[name] = remaining
		}
	}

	live := s.tasks[:0]
	for _, t := range s.tasks {
		if t.tick() {
			live = append(live, t)
		}
	}
	s.tasks = live
}

// RegisterTask adds t to the set of tasks ticked on every timer iteration.
func (s *Stack) RegisterTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// RegisterTimer (re)arms a named countdown timer at timeoutMs, overwriting
// any prior timer registered under the same name.
func (s *Stack) RegisterTimer(name string, timeoutMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[name] = timeoutMs
}

// TimerExpired reports true iff no timer with name exists, or it has
// already counted down to zero. A name that was never registered reads as
// expired — callers treat "missing" and "expired" identically.
func (s *Stack) TimerExpired(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining, ok := s.timers[name]
	return !ok || remaining <= 0
}

// Close stops the tick goroutine and waits for it to exit.
func (s *Stack) Close() error {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
