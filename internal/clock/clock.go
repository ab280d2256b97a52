// Package clock provides an injectable time source so that lease expiry
// and reaper behavior can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock yields the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock. Times are normalized to UTC to match what
// the store persists.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
