// Package evloop runs the timer events of a machine's devices on a single
// goroutine.
//
// Timer handles are owned by the loop goroutine. Any other goroutine, such as
// the one servicing a vCPU exit, changes a timer by sending a typed request
// over a one-slot channel and waiting for the loop to acknowledge it. Timer
// callbacks run on the loop goroutine.
//
// Before Run is called, requests run on the caller's goroutine instead, one
// at a time, and timers armed by them start firing once the loop runs.
package evloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DrainTimeout is how long Close waits for the loop goroutine to exit.
const DrainTimeout = 3 * time.Second

var (
	// ErrClosed is returned by requests made after the loop stopped.
	ErrClosed = errors.New("event loop closed")

	// ErrDrainTimeout is returned by Close when the loop did not exit in time.
	ErrDrainTimeout = errors.New("event loop did not drain")
)

type request struct {
	fn  func(s *Scheduler)
	ack chan struct{}
}

type fire struct {
	t   *Timer
	gen uint64
}

// Loop is an event loop. The zero value is not usable; use New.
type Loop struct {
	reqs  chan request
	fires chan fire
	quit  chan struct{}
	done  chan struct{}

	// mu serializes requests run before the loop starts with the start
	// itself.
	mu        sync.Mutex
	started   atomic.Bool
	closeOnce sync.Once

	sched Scheduler
}

// Scheduler mutates timers. It is only handed out on the loop goroutine, so
// holding one means it is safe to touch timer handles.
type Scheduler struct {
	loop   *Loop
	timers map[*Timer]struct{}
}

// Timer is a one-shot or periodic timer event whose callback runs on the
// loop goroutine. The callback gets the Scheduler so it can re-arm or cancel
// timers itself.
type Timer struct {
	loop *Loop
	fn   func(s *Scheduler)

	// Owned by the loop goroutine.
	t        *time.Timer
	gen      uint64
	period   time.Duration
	periodic bool
	armed    bool

	pending atomic.Bool
}

// New returns a Loop. It does nothing until Run is called.
func New() *Loop {
	l := &Loop{
		reqs:  make(chan request, 1),
		fires: make(chan fire),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	l.sched = Scheduler{loop: l, timers: map[*Timer]struct{}{}}

	return l
}

// NewTimer returns an unarmed timer that calls fn when it fires.
func (l *Loop) NewTimer(fn func(s *Scheduler)) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Run runs the loop until ctx is done or Close is called. All armed timers
// are stopped when it returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	ok := l.started.CompareAndSwap(false, true)
	l.mu.Unlock()

	if !ok {
		return ErrClosed
	}

	defer close(l.done)
	defer l.sched.stopAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.quit:
			return nil
		case r := <-l.reqs:
			r.fn(&l.sched)
			close(r.ack)
		case f := <-l.fires:
			l.sched.fired(f)
		}
	}
}

// Do runs fn on the loop goroutine and waits until it has returned.
func (l *Loop) Do(fn func(s *Scheduler)) error {
	if done, err := l.doInline(fn); done {
		return err
	}

	r := request{fn: fn, ack: make(chan struct{})}

	select {
	case l.reqs <- r:
	case <-l.quit:
		return ErrClosed
	case <-l.done:
		return ErrClosed
	}

	select {
	case <-r.ack:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// doInline runs fn on the calling goroutine when the loop has not started.
// It reports false when the loop has started and fn must be sent to it.
func (l *Loop) doInline(fn func(s *Scheduler)) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started.Load() {
		return false, nil
	}

	fn(&l.sched)

	return true, nil
}

// Close stops the loop and waits up to DrainTimeout for it to exit.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() { close(l.quit) })

	// Never ran: stop what was armed before Run, nothing to drain.
	l.mu.Lock()
	neverRan := l.started.CompareAndSwap(false, true)

	if neverRan {
		l.sched.stopAll()
		close(l.done)
	}
	l.mu.Unlock()

	if neverRan {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-time.After(DrainTimeout):
		return ErrDrainTimeout
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) post(f fire) {
	select {
	case l.fires <- f:
	case <-l.done:
	}
}

// Arm (re)starts t so that it fires after d, and every d after that when
// periodic is set. A pending event is cancelled first.
func (s *Scheduler) Arm(t *Timer, d time.Duration, periodic bool) {
	s.Cancel(t)

	t.period = d
	t.periodic = periodic
	t.armed = true
	t.pending.Store(true)
	s.timers[t] = struct{}{}
	s.start(t)
}

// Cancel stops t. Fires already queued for it are dropped.
func (s *Scheduler) Cancel(t *Timer) {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}

	t.gen++
	t.armed = false
	t.pending.Store(false)
	delete(s.timers, t)
}

func (s *Scheduler) start(t *Timer) {
	gen := t.gen
	t.t = time.AfterFunc(t.period, func() {
		s.loop.post(fire{t: t, gen: gen})
	})
}

func (s *Scheduler) fired(f fire) {
	t := f.t
	if !t.armed || t.gen != f.gen {
		return
	}

	if t.periodic {
		s.start(t)
	} else {
		t.t = nil
		t.armed = false
		t.pending.Store(false)
		delete(s.timers, t)
	}

	if t.fn != nil {
		t.fn(s)
	}
}

func (s *Scheduler) stopAll() {
	for t := range s.timers {
		s.Cancel(t)
	}
}

// Arm arms t from any goroutine other than the loop's. Timer callbacks and
// functions passed to Do must use the Scheduler instead.
func (t *Timer) Arm(d time.Duration, periodic bool) error {
	return t.loop.Do(func(s *Scheduler) {
		s.Arm(t, d, periodic)
	})
}

// Cancel cancels t from any goroutine other than the loop's.
func (t *Timer) Cancel() error {
	return t.loop.Do(func(s *Scheduler) {
		s.Cancel(t)
	})
}

// Pending reports whether t is armed.
func (t *Timer) Pending() bool {
	return t.pending.Load()
}
