// ABOUTME: Dedicated-goroutine command loop with repeating timers
// ABOUTME: Provides non-blocking Post, timer scheduling and suspend support
package eventloop

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

// Loop runs posted commands and timer callbacks on a single goroutine.
// Everything posted executes in FIFO order per producer; loop-owned state
// therefore needs no locking. Timers must only be created and mutated from
// the loop goroutine itself.
type Loop struct {
	name string
	cmds chan func()
	quit chan struct{}
	done chan struct{}

	stopOnce sync.Once
	stopped  atomic.Bool
	susp     atomic.Bool

	// loop-goroutine state
	suspActive bool
	timers     []*Timer
}

// Timer fires a callback on the loop goroutine at a repeating interval.
type Timer struct {
	fn       func()
	interval time.Duration
	next     time.Time
	repeat   bool
	paused   bool
	stopped  bool
}

// New creates a loop. Call Start to begin processing.
func New(name string) *Loop {
	return &Loop{
		name: name,
		cmds: make(chan func(), defaultQueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Name returns the loop's name, used in logs.
func (l *Loop) Name() string { return l.name }

// Start launches the loop goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Post enqueues a command for asynchronous execution. It never blocks: a full
// queue or a stopped loop drops the command and returns false.
func (l *Loop) Post(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	select {
	case l.cmds <- fn:
		return true
	default:
		log.Printf("%s loop: command queue full, dropping command", l.name)
		return false
	}
}

// Suspend pauses timer processing. Commands keep executing while suspended.
// Suspended() reports true only once the loop has processed the request.
func (l *Loop) Suspend() {
	l.Post(func() {
		l.suspActive = true
		l.susp.Store(true)
	})
}

// Resume restarts timer processing. Timer deadlines are pushed forward so the
// suspended span does not produce a burst of catch-up firings.
func (l *Loop) Resume() {
	l.Post(func() {
		if !l.suspActive {
			return
		}
		l.suspActive = false
		now := time.Now()
		for _, t := range l.timers {
			if !t.stopped {
				t.next = now.Add(t.interval)
			}
		}
		l.susp.Store(false)
	})
}

// Suspended reports whether the loop has acknowledged a suspend request.
func (l *Loop) Suspended() bool { return l.susp.Load() }

// Stop shuts the loop down. Commands already accepted still run; new posts
// are rejected. Safe to call from any goroutine, including the loop itself.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.quit)
	})
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// NewTimer registers a timer. Must be called on the loop goroutine.
func (l *Loop) NewTimer(interval time.Duration, repeat bool, fn func()) *Timer {
	t := &Timer{
		fn:       fn,
		interval: interval,
		next:     time.Now().Add(interval),
		repeat:   repeat,
	}
	l.timers = append(l.timers, t)
	return t
}

// Interval returns the current firing interval.
func (t *Timer) Interval() time.Duration { return t.interval }

// SetInterval changes the firing interval and re-arms from now.
func (t *Timer) SetInterval(d time.Duration) {
	t.interval = d
	t.next = time.Now().Add(d)
}

// Pause stops firing until Resume.
func (t *Timer) Pause() { t.paused = true }

// Resume re-arms a paused timer from now.
func (t *Timer) Resume() {
	t.paused = false
	t.next = time.Now().Add(t.interval)
}

// Stop permanently removes the timer.
func (t *Timer) Stop() { t.stopped = true }

func (l *Loop) run() {
	defer close(l.done)

	for {
		var timerC <-chan time.Time
		var tm *time.Timer
		if next, ok := l.nextDeadline(); ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			tm = time.NewTimer(d)
			timerC = tm.C
		}

		select {
		case cmd := <-l.cmds:
			cmd()
		case <-timerC:
			l.fireDue()
		case <-l.quit:
			if tm != nil {
				tm.Stop()
			}
			l.drain()
			return
		}

		if tm != nil {
			tm.Stop()
		}
	}
}

// nextDeadline returns the earliest active timer deadline, pruning stopped
// timers along the way.
func (l *Loop) nextDeadline() (time.Time, bool) {
	if l.suspActive {
		return time.Time{}, false
	}

	live := l.timers[:0]
	var next time.Time
	found := false
	for _, t := range l.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if t.paused {
			continue
		}
		if !found || t.next.Before(next) {
			next = t.next
			found = true
		}
	}
	l.timers = live
	return next, found
}

func (l *Loop) fireDue() {
	now := time.Now()
	for _, t := range l.timers {
		if t.stopped || t.paused || t.next.After(now) {
			continue
		}
		if t.repeat {
			t.next = now.Add(t.interval)
		} else {
			t.stopped = true
		}
		t.fn()
	}
}

func (l *Loop) drain() {
	for {
		select {
		case cmd := <-l.cmds:
			cmd()
		default:
			return
		}
	}
}
