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

package rib

import (
	"net/netip"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/epoch"
	"github.com/openconfig/ribctl/nexthop"
)

// ChangeRecord describes one change to a table.
type ChangeRecord struct {
	// Op is the kind of change.
	Op constants.OpType
	// NetworkInstance is the name of the network instance of the table.
	NetworkInstance string
	// Family is the address family of the table.
	Family constants.Family
	// Prefix is the destination that changed.
	Prefix netip.Prefix
	// Route is the affected route. For a DELETE it is no longer reachable
	// from the table.
	Route *Route
	// Old is the nexthop before the change, nil for an ADD.
	Old nexthop.Ref
	// New is the nexthop after the change, nil for a DELETE.
	New nexthop.Ref
	// Weight is the weight of the route after the change.
	Weight uint32
	// Generation is the generation of the table after the change.
	Generation uint64
	// Timestamp is the time of the change in nanoseconds since the unix
	// epoch.
	Timestamp int64
}

// NotifyFn is a function called for each change to a table. It is called
// with the change and the argument supplied when subscribing.
//
// An IMMEDIATE function is called with the table lock held and must not
// call back into the table. Neither the record nor its nexthops may be
// retained after the function returns.
type NotifyFn func(rec *ChangeRecord, arg any)

// Subscription is a registration of a NotifyFn with a table.
type Subscription struct {
	id     uuid.UUID
	fn     NotifyFn
	arg    any
	timing constants.Timing

	t *Table
	// done is closed once the subscription has been released.
	done chan struct{}
}

// ID returns the unique identifier of s.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Timing returns when s is notified relative to the mutation.
func (s *Subscription) Timing() constants.Timing { return s.timing }

// Done returns a channel that is closed when s has been released following
// Unsubscribe. No callback of s is running or will run once it is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe registers fn to be called with arg for every change to t of the
// specified timing.
func (t *Table) Subscribe(fn NotifyFn, arg any, timing constants.Timing) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeLocked(fn, arg, timing)
}

// subscribeLocked adds a subscription to the registry. It must be called
// with mu held, or before t is shared.
func (t *Table) subscribeLocked(fn NotifyFn, arg any, timing constants.Timing) *Subscription {
	s := &Subscription{
		id:     uuid.New(),
		fn:     fn,
		arg:    arg,
		timing: timing,
		t:      t,
		done:   make(chan struct{}),
	}
	var next []*Subscription
	if cur := t.subs.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, s)
	t.subs.Store(&next)
	log.V(2).Infof("%s: added %s subscription %s", t, timing, s.id)
	return s
}

// Unsubscribe removes s from t. Callbacks of s that are in flight may
// complete after Unsubscribe returns, but no change made after it returns is
// delivered to s. Unsubscribe of a subscription that is not registered
// with t does nothing.
func (t *Table) Unsubscribe(s *Subscription) {
	if s == nil || s.t != t {
		return
	}
	t.mu.Lock()
	cur := t.subs.Load()
	if cur == nil {
		t.mu.Unlock()
		return
	}
	next := make([]*Subscription, 0, len(*cur))
	for _, e := range *cur {
		if e != s {
			next = append(next, e)
		}
	}
	if len(next) == len(*cur) {
		t.mu.Unlock()
		return
	}
	t.subs.Store(&next)
	t.mu.Unlock()

	t.epoch.Defer(func() {
		s.fn = nil
		s.arg = nil
		close(s.done)
	})
	log.V(2).Infof("%s: removed subscription %s", t, s.id)
}

// Subscriptions returns the number of subscriptions registered with t.
func (t *Table) Subscriptions() int {
	cur := t.subs.Load()
	if cur == nil {
		return 0
	}
	return len(*cur)
}

// notify calls every subscription of the specified timing with each of recs
// in order.
func (t *Table) notify(timing constants.Timing, recs ...*ChangeRecord) {
	if len(recs) == 0 {
		return
	}
	// The registry is loaded within the guard, such that a subscription
	// removed concurrently is not released while it is being called.
	g := t.epoch.Enter()
	defer g.Exit()
	cur := t.subs.Load()
	if cur == nil {
		return
	}
	for _, rec := range recs {
		for _, s := range *cur {
			if s.timing == timing {
				s.fn(rec, s.arg)
			}
		}
	}
}

// publish notifies the DELAYED subscribers of recs and then exits g. The
// guard must be entered before mu is released, otherwise a concurrent
// writer may release a nexthop of recs before the subscribers see it.
func (t *Table) publish(g epoch.Guard, recs ...*ChangeRecord) {
	defer g.Exit()
	t.notify(constants.DELAYED, recs...)
}

// record builds a ChangeRecord for a change to r. It must be called with mu
// held, after the generation has been incremented.
func (t *Table) record(op constants.OpType, r *Route, oldNH, newNH nexthop.Ref) *ChangeRecord {
	return &ChangeRecord{
		Op:              op,
		NetworkInstance: t.ni,
		Family:          t.family,
		Prefix:          r.prefix,
		Route:           r,
		Old:             oldNH,
		New:             newNH,
		Weight:          r.state.Load().weight,
		Generation:      t.gen.Load(),
		Timestamp:       unixTS(),
	}
}
