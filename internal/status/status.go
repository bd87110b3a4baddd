// Package status aggregates engine state into a thread-safe bitflag
// set with per-flag progress.
package status

import "sync"

// Flag is one engine state bit.
type Flag uint32

const (
	FlagConnecting Flag = 1 << iota
	FlagConnected
	FlagDisconnecting
	FlagIdle
	FlagFetching
	FlagSending
	FlagPrefetching
	FlagSearching
	FlagIndexing
	FlagExiting
)

// Update is one diff-encoded status change. A negative Progress means
// no progress change.
type Update struct {
	Set      Flag
	Clear    Flag
	Progress float64
}

// Status is the aggregator. Observer callbacks run synchronously
// under the update and must only enqueue redraw signals.
type Status struct {
	mu        sync.Mutex
	flags     Flag
	progress  map[Flag]float64
	observers []func(Update)
}

// New creates an empty Status.
func New() *Status {
	return &Status{progress: make(map[Flag]float64)}
}

// Observe registers a callback invoked after every applied update.
func (s *Status) Observe(cb func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, cb)
}

// Apply applies a diff update and notifies observers.
func (s *Status) Apply(u Update) {
	s.mu.Lock()
	s.flags |= u.Set
	s.flags &^= u.Clear

	if u.Progress >= 0 {
		for f := Flag(1); f <= FlagExiting; f <<= 1 {
			if u.Set&f != 0 {
				s.progress[f] = u.Progress
			}
		}
	}
	for f := Flag(1); f <= FlagExiting; f <<= 1 {
		if u.Clear&f != 0 {
			delete(s.progress, f)
		}
	}

	observers := make([]func(Update), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, cb := range observers {
		cb(u)
	}
}

// Set sets flags with an optional progress value.
func (s *Status) Set(f Flag, progress float64) {
	s.Apply(Update{Set: f, Progress: progress})
}

// Clear clears flags.
func (s *Status) Clear(f Flag) {
	s.Apply(Update{Clear: f, Progress: -1})
}

// IsSet reports whether all bits of f are set.
func (s *Status) IsSet(f Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags&f == f
}

// Flags returns the current flag set.
func (s *Status) Flags() Flag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// Progress returns the progress recorded for one flag.
func (s *Status) Progress(f Flag) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[f]
	return p, ok
}
