package host

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Loop is a single-goroutine cooperative scheduler. Every JS callback runs on the
// goroutine calling RunOnce, Drain or Run; other goroutines hand work back with Post
// or the release func returned by Hold.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	timers  timerHeap
	byID    map[int]*timer
	nextID  int
	holds   int
	wake    chan struct{}
	virtual bool
	skew    time.Duration
}

type timer struct {
	id    int
	owner string
	at    time.Time
	every time.Duration
	fn    func()
	index int
}

// NewLoop creates a loop. With virtual set, Drain jumps the clock to the next due
// timer instead of sleeping.
func NewLoop(virtual bool) *Loop {
	return &Loop{
		byID:    make(map[int]*timer),
		wake:    make(chan struct{}, 1),
		virtual: virtual,
	}
}

// Now returns the loop clock.
func (l *Loop) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nowLocked()
}

func (l *Loop) nowLocked() time.Time {
	return time.Now().Add(l.skew)
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Hold marks in-flight async work so Drain keeps waiting. The returned func must be
// called exactly once; it posts fn (which may be nil) and drops the hold atomically.
func (l *Loop) Hold() func(fn func()) {
	l.mu.Lock()
	l.holds++
	l.mu.Unlock()

	var once sync.Once
	return func(fn func()) {
		once.Do(func() {
			l.mu.Lock()
			if fn != nil {
				l.tasks = append(l.tasks, fn)
			}
			l.holds--
			l.mu.Unlock()
			l.signal()
		})
	}
}

// SetTimeout schedules fn once after d and returns the timer id.
func (l *Loop) SetTimeout(owner string, d time.Duration, fn func()) int {
	return l.schedule(owner, d, 0, fn)
}

// SetInterval schedules fn every d and returns the timer id.
func (l *Loop) SetInterval(owner string, d time.Duration, fn func()) int {
	if d <= 0 {
		d = time.Millisecond
	}
	return l.schedule(owner, d, d, fn)
}

func (l *Loop) schedule(owner string, d, every time.Duration, fn func()) int {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.nextID++
	t := &timer{
		id:    l.nextID,
		owner: owner,
		at:    l.nowLocked().Add(d),
		every: every,
		fn:    fn,
	}
	heap.Push(&l.timers, t)
	l.byID[t.id] = t
	l.mu.Unlock()
	l.signal()
	return t.id
}

// Clear cancels a timer. Unknown ids are ignored.
func (l *Loop) Clear(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
}

func (l *Loop) removeLocked(id int) bool {
	t, ok := l.byID[id]
	if !ok {
		return false
	}
	delete(l.byID, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return true
}

// Owner reports the owner of a live timer.
func (l *Loop) Owner(id int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byID[id]
	if !ok {
		return "", false
	}
	return t.owner, true
}

// CancelOwner cancels every timer tagged with owner and returns how many were live.
func (l *Loop) CancelOwner(owner string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, t := range l.byID {
		if t.owner == owner && l.removeLocked(id) {
			n++
		}
	}
	return n
}

// Pending returns the number of live timers for owner, or all timers when owner is empty.
func (l *Loop) Pending(owner string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner == "" {
		return len(l.byID)
	}
	n := 0
	for _, t := range l.byID {
		if t.owner == owner {
			n++
		}
	}
	return n
}

// Busy reports whether any task, timer or hold remains.
func (l *Loop) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) > 0 || len(l.byID) > 0 || l.holds > 0
}

// RunOnce runs the queued tasks and every timer that is due, and reports whether
// anything ran.
func (l *Loop) RunOnce() bool {
	ran := false

	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, fn := range tasks {
		fn()
		ran = true
	}

	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].at.After(l.nowLocked()) {
			l.mu.Unlock()
			break
		}
		t := l.timers[0]
		if t.every > 0 {
			t.at = t.at.Add(t.every)
			heap.Fix(&l.timers, 0)
		} else {
			heap.Pop(&l.timers)
			delete(l.byID, t.id)
		}
		fn := t.fn
		l.mu.Unlock()

		fn()
		ran = true
	}
	return ran
}

// Drain runs until nothing is pending or ctx is done.
func (l *Loop) Drain(ctx context.Context) error {
	return l.run(ctx, true)
}

// Run runs until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, false)
}

func (l *Loop) run(ctx context.Context, stopWhenIdle bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.RunOnce() {
			continue
		}

		l.mu.Lock()
		idle := len(l.tasks) == 0 && len(l.byID) == 0 && l.holds == 0
		var wait time.Duration = -1
		if len(l.timers) > 0 {
			wait = l.timers[0].at.Sub(l.nowLocked())
			if wait <= 0 {
				wait = 0
			} else if l.virtual && l.holds == 0 && len(l.tasks) == 0 {
				l.skew += wait
				wait = 0
			}
		}
		pendingTasks := len(l.tasks) > 0
		l.mu.Unlock()

		if idle && stopWhenIdle {
			return nil
		}
		if wait == 0 || pendingTasks {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Loop) sleep(ctx context.Context, wait time.Duration) error {
	if wait < 0 {
		select {
		case <-l.wake:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.wake:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
