// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package autosync runs a periodic background task that flushes a
// handle's lingering transactions once a time interval elapses or the
// lingering byte total crosses a threshold, whichever comes first. It
// takes a clock.Clock rather than calling time.Now/time.After directly so
// tests can drive it deterministically with clock.NewSimulatedClock.
package autosync

import (
	"errors"
	"sync"
	"time"

	"github.com/jio-project/jio/clock"
)

// ErrAlreadyRunning is returned by Start on a task that is already
// running; only one autosync task per handle is allowed.
var ErrAlreadyRunning = errors.New("autosync: already running on this handle")

// BytePollInterval is how often the task wakes to re-check the byte
// threshold between full max_seconds timeouts. It is a package variable,
// not a Start parameter, because the public autosync_start contract only
// takes (max_seconds, max_bytes); tests lower it to drive the byte-
// threshold path deterministically without waiting on a real timer.
var BytePollInterval = 250 * time.Millisecond

// Syncer is the handle operation autosync drains on each wake, and the
// byte total it watches for the threshold trigger.
type Syncer interface {
	Sync() error
	LingeringBytes() int64
}

// Task is one handle's background flusher.
type Task struct {
	clk    clock.Clock
	syncer Syncer

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Task bound to clk and syncer; it does not start running
// until Start is called.
func New(clk clock.Clock, syncer Syncer) *Task {
	return &Task{clk: clk, syncer: syncer}
}

// Running reports whether the task is currently active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start spawns the background loop waking on the earlier of maxSeconds
// elapsing or syncer.LingeringBytes() crossing maxBytes. A maxBytes <= 0
// disables the byte trigger; a maxSeconds <= 0 disables the interval
// trigger and only the byte-poll cadence applies. Starting an
// already-running task is an error.
func (t *Task) Start(maxSeconds time.Duration, maxBytes int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrAlreadyRunning
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.running = true

	go t.run(t.stop, t.done, maxSeconds, maxBytes)
	return nil
}

// Stop signals the loop to exit and blocks until it has joined, so the
// caller can rely on no further syncs happening once Stop returns.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stop := t.stop
	done := t.done
	t.running = false
	t.mu.Unlock()

	close(stop)
	<-done
}

func (t *Task) run(stop, done chan struct{}, maxSeconds time.Duration, maxBytes int64) {
	defer close(done)

	tick := BytePollInterval
	if maxBytes <= 0 {
		// No byte trigger: wake only on the interval itself.
		tick = maxSeconds
	} else if maxSeconds > 0 && maxSeconds < tick {
		tick = maxSeconds
	}
	if tick <= 0 {
		tick = BytePollInterval
	}

	var elapsed time.Duration
	for {
		select {
		case <-stop:
			return
		case <-t.clk.After(tick):
			elapsed += tick
			flush := maxBytes > 0 && t.syncer.LingeringBytes() >= maxBytes
			if maxSeconds > 0 && elapsed >= maxSeconds {
				flush = true
				elapsed = 0
			}
			if flush {
				t.syncer.Sync()
			}
		}
	}
}
