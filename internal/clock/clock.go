// Package clock abstracts timers so debounce, retry, and timeout scheduling
// can be driven deterministically in tests.
//
// Production code receives Real(); tests receive Fake and move time with
// Advance. AfterFunc callbacks on the fake clock run synchronously inside
// Advance, so assertions can follow immediately.
package clock

import "time"

// Clock is the subset of the time package the gateway schedules against.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f once d has elapsed. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports false when the timer already
// fired or was stopped, so stopping twice is harmless.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}
