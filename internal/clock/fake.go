package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests. Sleep is a
// no-op; tests call Advance to move time forward instead of waiting in real
// time, matching how hdc302x_test.go and sht4x_test.go avoid real sleeps in
// compensation-math tests.
type Fake struct {
	mu     sync.Mutex
	nowUs  int64
	epoch  int64
	synced bool
}

// NewFake returns a Fake clock starting at t=0us, unsynced.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) NowUs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nowUs
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowUs += d.Microseconds()
}

func (f *Fake) WallEpoch() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.synced {
		return 0, false
	}
	return f.epoch + f.nowUs/1e6, true
}

func (f *Fake) SetWallEpoch(epoch int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch = epoch
	f.synced = true
}

func (f *Fake) Sleep(d time.Duration) { f.Advance(d) }

var _ Clock = (*Fake)(nil)
