package clock

import (
	"sort"
	"sync"
	"time"
)

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTimer(d time.Duration) Timer
}

// Real is backed by the time package.
type Real struct{}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

// Mock is a manually advanced clock. AfterFunc callbacks run synchronously
// inside Add, in deadline order.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*mockTimer
	wait   []chan struct{}
}

type mockTimer struct {
	m     *Mock
	at    time.Time
	seq   uint64
	f     func()
	c     chan time.Time
	fired bool
}

func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	return m.add(d, f)
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	return m.add(d, nil)
}

func (m *Mock) add(d time.Duration, f func()) *mockTimer {
	m.mu.Lock()
	m.seq++
	t := &mockTimer{m: m, at: m.now.Add(d), seq: m.seq, f: f, c: make(chan time.Time, 1)}
	m.timers = append(m.timers, t)
	waiters := m.wait
	m.wait = nil
	m.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return t
}

// Add moves the clock forward by d, firing every timer that comes due.
func (m *Mock) Add(d time.Duration) {
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at.Equal(m.timers[j].at) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at.Before(m.timers[j].at)
		})
		if len(m.timers) == 0 || m.timers[0].at.After(end) {
			m.now = end
			m.mu.Unlock()
			return
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		t.fired = true
		m.now = t.at
		m.mu.Unlock()
		if t.f != nil {
			t.f()
		} else {
			select {
			case t.c <- t.at:
			default:
			}
		}
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// WaitPending blocks until at least n timers are pending or the timeout
// elapses, and reports whether the count was reached.
func (m *Mock) WaitPending(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.timers) >= n {
			m.mu.Unlock()
			return true
		}
		w := make(chan struct{})
		m.wait = append(m.wait, w)
		m.mu.Unlock()
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		select {
		case <-w:
		case <-time.After(left):
			return false
		}
	}
}

func (t *mockTimer) C() <-chan time.Time { return t.c }

func (t *mockTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.fired {
		return false
	}
	for i, o := range t.m.timers {
		if o == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			t.fired = true
			return true
		}
	}
	return false
}
