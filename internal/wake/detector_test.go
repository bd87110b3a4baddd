package wake

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFiresOnClockJump(t *testing.T) {
	var fired atomic.Int32

	d := New(5*time.Millisecond, func() {
		fired.Add(1)
	})

	// After the first tick, the fake clock jumps an hour forward.
	base := time.Now()
	var calls atomic.Int32
	d.now = func() time.Time {
		if calls.Add(1) == 1 {
			return base
		}
		return base.Add(time.Hour)
	}

	d.Start()
	defer d.Stop()

	assert.Eventually(t, func() bool {
		return fired.Load() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestDoesNotFireOnSteadyClock(t *testing.T) {
	var fired atomic.Int32

	d := New(25*time.Millisecond, func() {
		fired.Add(1)
	})

	d.Start()
	time.Sleep(100 * time.Millisecond)
	d.Stop()

	assert.Zero(t, fired.Load())
}

func TestStartStopAreIdempotent(t *testing.T) {
	d := New(time.Millisecond, func() {})

	d.Start()
	d.Start()
	d.Stop()
	d.Stop()
}
