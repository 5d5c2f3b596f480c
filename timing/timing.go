// Package timing provides a mockable substitute for the time package's
// Timer, After and AfterFunc, so that transaction and dialog timers can be
// driven deterministically in tests without sleeping in real time.
package timing

import (
	"sync"
	"time"
)

// MockMode controls whether timers are mocked or backed by the standard
// time package. In mock mode, time only advances when Elapse is called.
// False by default.
var MockMode = false

var (
	currentTimeMock = time.Unix(0, 0)
	mockTimers      = make([]*mockTimer, 0)
	mockTimerMu     sync.Mutex
)

// Timer mirrors time.Timer, letting real and mocked timers be used
// interchangeably.
type Timer interface {
	// C returns the channel on which the current time is sent when the
	// timer fires.
	C() <-chan time.Time

	// Reset changes the timer to fire after duration d, relative to now.
	// It reports whether the timer was active before being reset.
	Reset(d time.Duration) bool

	// Stop prevents the timer from firing. It reports whether the timer
	// was active before being stopped.
	Stop() bool
}

type realTimer struct {
	*time.Timer
}

func (t *realTimer) C() <-chan time.Time { return t.Timer.C }

func (t *realTimer) Reset(d time.Duration) bool {
	t.Stop()
	return t.Timer.Reset(d)
}

func (t *realTimer) Stop() bool {
	if !t.Timer.Stop() {
		select {
		case <-t.Timer.C:
			return true
		default:
			return false
		}
	}
	return true
}

type mockTimer struct {
	endTime time.Time
	ch      chan time.Time
	fired   bool
	toRun   func()
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Reset(d time.Duration) bool {
	wasActive := removeMockTimer(t)

	mockTimerMu.Lock()
	t.endTime = currentTimeMock.Add(d)
	mockTimerMu.Unlock()

	if d > 0 {
		mockTimerMu.Lock()
		mockTimers = append(mockTimers, t)
		mockTimerMu.Unlock()
	} else {
		t.ch <- currentTimeMock
	}

	return wasActive
}

func (t *mockTimer) Stop() bool {
	if !removeMockTimer(t) {
		select {
		case <-t.ch:
			return true
		default:
			return false
		}
	}
	return true
}

// NewTimer creates a Timer that fires after duration d: a real time.Timer,
// or a mocked one when MockMode is set.
func NewTimer(d time.Duration) Timer {
	if !MockMode {
		return &realTimer{time.NewTimer(d)}
	}

	t := &mockTimer{endTime: currentTimeMock.Add(d), ch: make(chan time.Time, 1)}
	if d == 0 {
		t.ch <- currentTimeMock
	} else {
		mockTimerMu.Lock()
		mockTimers = append(mockTimers, t)
		mockTimerMu.Unlock()
	}
	return t
}

// After mirrors time.After.
func After(d time.Duration) <-chan time.Time {
	return NewTimer(d).C()
}

// AfterFunc mirrors time.AfterFunc.
func AfterFunc(d time.Duration, f func()) Timer {
	if !MockMode {
		return &realTimer{time.AfterFunc(d, f)}
	}

	t := &mockTimer{endTime: currentTimeMock.Add(d), ch: make(chan time.Time, 1), toRun: f}
	if d == 0 {
		go f()
		t.ch <- currentTimeMock
	} else {
		mockTimerMu.Lock()
		mockTimers = append(mockTimers, t)
		mockTimerMu.Unlock()
	}
	return t
}

// Sleep mirrors time.Sleep.
func Sleep(d time.Duration) {
	<-After(d)
}

// Elapse advances the mocked current time by d and fires any timer whose
// end time has been reached. It panics outside MockMode.
func Elapse(d time.Duration) {
	requireMockMode()

	mockTimerMu.Lock()
	currentTimeMock = currentTimeMock.Add(d)
	now := currentTimeMock

	var remaining []*mockTimer
	for _, t := range mockTimers {
		if !t.endTime.After(now) {
			if t.toRun != nil {
				go t.toRun()
			}
			select {
			case <-t.ch:
			default:
			}
			t.ch <- now
			t.fired = true
		} else {
			remaining = append(remaining, t)
		}
	}
	mockTimers = remaining
	mockTimerMu.Unlock()
}

// Now returns the current mocked time in MockMode, otherwise time.Now.
func Now() time.Time {
	if MockMode {
		mockTimerMu.Lock()
		defer mockTimerMu.Unlock()
		return currentTimeMock
	}
	return time.Now()
}

func requireMockMode() {
	if !MockMode {
		panic("timing: this function requires MockMode to be enabled")
	}
}

func removeMockTimer(t *mockTimer) bool {
	mockTimerMu.Lock()
	defer mockTimerMu.Unlock()

	for i, elt := range mockTimers {
		if elt == t {
			mockTimers = append(mockTimers[:i], mockTimers[i+1:]...)
			return true
		}
	}
	return false
}
