package session

import "time"

// fakeClock lets tests advance steady time deterministically.
type fakeClock struct {
	now time.Duration
}

func (f *fakeClock) Now() time.Duration { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now += d }
