// Package wake detects machine sleep by watching for jumps in wall
// clock time.
package wake

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultInterval is the tick period of the watchdog.
const DefaultInterval = 5 * time.Second

// Detector fires a callback when the observed elapsed time between
// two ticks exceeds twice the tick interval, which on a laptop means
// the process was suspended and TCP connections are likely stale.
type Detector struct {
	interval time.Duration
	now      func() time.Time
	cb       func()

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// New creates a detector firing cb on detected wake-ups.
func New(interval time.Duration, cb func()) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Detector{
		interval: interval,
		now:      time.Now,
		cb:       cb,
	}
}

// Start launches the watchdog goroutine.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})

	go d.run(d.stopCh)
}

// Stop halts the watchdog.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	close(d.stopCh)
	d.running = false
}

func (d *Detector) run(stopCh chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	lastTick := d.now()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			now := d.now()
			if now.Sub(lastTick) > 2*d.interval {
				log.Infof("wall clock jumped %v, signaling wake-up",
					now.Sub(lastTick))
				d.cb()
			}
			lastTick = now
		}
	}
}
