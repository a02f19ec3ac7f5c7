// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package epoch implements epoch-based deferred execution. Readers bracket
// their access to shared state with Enter and Exit, writers that unlink an
// object from shared state hand the work that finalises it to Defer. A
// deferred function runs only once every reader that was inside the domain
// when it was registered has exited.
//
// Go's garbage collector keeps unlinked memory valid, so the domain is not
// needed for memory safety. It is used to order the release of reference
// counts and other observable teardown after in-flight readers are done.
package epoch

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Domain is a reclamation domain. Its zero value is not usable, New must be
// used to create a Domain.
type Domain struct {
	// mu protects retired and the fns of the current generation.
	mu sync.Mutex
	// current is the generation that new readers join.
	current atomic.Pointer[generation]
	// retired is a FIFO of generations that have been closed by Defer but
	// whose functions have not yet been run.
	retired []*generation

	// runMu serialises draining, such that deferred functions are run in
	// the order they were registered.
	runMu sync.Mutex
	// kick is set when there may be a generation ready to be drained.
	kick atomic.Bool

	// pending is the number of deferred functions that have not yet run.
	pending atomic.Int64
}

// generation is the set of readers that entered between two calls to Defer.
type generation struct {
	readers atomic.Int64
	retired atomic.Bool
	// fns is the set of functions registered when this generation was closed.
	fns []func()
}

// New returns a new reclamation domain.
func New() *Domain {
	d := &Domain{}
	d.current.Store(&generation{})
	return d
}

// Guard marks a reader as being inside the domain. Exit must be called
// exactly once for every Guard returned by Enter.
type Guard struct {
	d *Domain
	g *generation
}

// Enter marks the start of a read-side critical section.
func (d *Domain) Enter() Guard {
	for {
		g := d.current.Load()
		g.readers.Inc()
		// If Defer closed g between the load and the increment the reader
		// joins the next generation instead, the closing writer may already
		// have decided that g is empty.
		if d.current.Load() == g {
			return Guard{d: d, g: g}
		}
		d.exit(g)
	}
}

// Exit marks the end of the read-side critical section started by Enter.
func (g Guard) Exit() {
	if g.d == nil {
		return
	}
	g.d.exit(g.g)
}

func (d *Domain) exit(g *generation) {
	if g.readers.Dec() == 0 && g.retired.Load() {
		d.reclaim()
	}
}

// Defer registers fn to be run once all readers that are currently inside
// the domain have exited. If there are no such readers, fn is run before
// Defer returns.
func (d *Domain) Defer(fn func()) {
	d.pending.Inc()

	d.mu.Lock()
	old := d.current.Load()
	old.fns = append(old.fns, fn)
	d.current.Store(&generation{})
	old.retired.Store(true)
	d.retired = append(d.retired, old)
	d.mu.Unlock()

	d.reclaim()
}

// reclaim drains generations that have no remaining readers. Where another
// goroutine is already draining, it is left to pick up the work.
func (d *Domain) reclaim() {
	d.kick.Store(true)
	for d.kick.Load() {
		if !d.runMu.TryLock() {
			return
		}
		d.kick.Store(false)
		d.drain()
		d.runMu.Unlock()
	}
}

// drain runs the functions of all leading retired generations that are
// empty. It must be called with runMu held.
func (d *Domain) drain() {
	for {
		d.mu.Lock()
		if len(d.retired) == 0 || d.retired[0].readers.Load() != 0 {
			d.mu.Unlock()
			return
		}
		g := d.retired[0]
		d.retired[0] = nil
		d.retired = d.retired[1:]
		fns := g.fns
		g.fns = nil
		d.mu.Unlock()

		for _, fn := range fns {
			fn()
			d.pending.Dec()
		}
	}
}

// Pending returns the number of deferred functions that are waiting for
// readers to exit.
func (d *Domain) Pending() int {
	return int(d.pending.Load())
}

// Barrier blocks until every function deferred before the call has run, or
// until ctx is done, in which case the context's error is returned.
func (d *Domain) Barrier(ctx context.Context) error {
	done := make(chan struct{})
	d.Defer(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
