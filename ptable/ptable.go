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

// Package ptable implements an exact-match prefix store that can be read
// without locks while it is being written.
//
// Every write builds a new persistent table that shares unchanged nodes with
// its predecessor and publishes it with a single atomic pointer store. A
// reader loads the pointer once and then operates on an immutable table, so
// it observes either the state before or after any write, never a torn one.
package ptable

import (
	"fmt"
	"net/netip"

	"github.com/gaissmai/bart"
	"go.uber.org/atomic"
)

// Table is a prefix store holding values of type V. Reads are safe for
// concurrent use with each other and with a single writer. Writers must be
// serialised by the caller.
type Table[V any] struct {
	// t is the currently published table.
	t atomic.Pointer[bart.Table[V]]
	// n is the number of prefixes in the published table.
	n atomic.Int64
}

// New returns an empty table.
func New[V any]() *Table[V] {
	p := &Table[V]{}
	p.t.Store(&bart.Table[V]{})
	return p
}

// canonical returns the masked form of pfx, such that 10.0.0.1/8 and
// 10.0.0.0/8 refer to the same slot. It panics if pfx is invalid since
// callers are expected to validate their input before reaching the store.
func canonical(pfx netip.Prefix) netip.Prefix {
	if !pfx.IsValid() {
		panic(fmt.Sprintf("ptable: invalid prefix %v", pfx))
	}
	return pfx.Masked()
}

// Get returns the value stored for exactly pfx.
func (p *Table[V]) Get(pfx netip.Prefix) (V, bool) {
	return p.t.Load().Get(canonical(pfx))
}

// Lookup returns the value of the longest prefix that contains addr.
func (p *Table[V]) Lookup(addr netip.Addr) (V, bool) {
	return p.t.Load().Lookup(addr)
}

// InsertIfAbsent stores v at pfx if the slot is free. If the slot is
// occupied the existing value is returned along with false, and the table
// is unchanged.
func (p *Table[V]) InsertIfAbsent(pfx netip.Prefix, v V) (V, bool) {
	pfx = canonical(pfx)
	cur := p.t.Load()
	if existing, ok := cur.Get(pfx); ok {
		return existing, false
	}
	p.t.Store(cur.InsertPersist(pfx, v))
	p.n.Inc()
	var zero V
	return zero, true
}

// Replace stores v at pfx, which must already be occupied. It returns the
// value that was replaced. Replace panics if the slot is free since that
// indicates that the caller's view of the table is corrupt.
func (p *Table[V]) Replace(pfx netip.Prefix, v V) V {
	pfx = canonical(pfx)
	cur := p.t.Load()
	old, ok := cur.Get(pfx)
	if !ok {
		panic(fmt.Sprintf("ptable: replace of missing prefix %s", pfx))
	}
	p.t.Store(cur.InsertPersist(pfx, v))
	return old
}

// Delete removes pfx from the table, returning the value that was stored
// and whether it was present.
func (p *Table[V]) Delete(pfx netip.Prefix) (V, bool) {
	pfx = canonical(pfx)
	cur := p.t.Load()
	old, ok := cur.Get(pfx)
	if !ok {
		return old, false
	}
	nt := cur.DeletePersist(pfx)
	if _, still := nt.Get(pfx); still {
		panic(fmt.Sprintf("ptable: prefix %s present after delete", pfx))
	}
	p.t.Store(nt)
	p.n.Dec()
	return old, true
}

// Len returns the number of prefixes in the table.
func (p *Table[V]) Len() int {
	return int(p.n.Load())
}

// Walk calls fn for each prefix in the table in sorted order, stopping if
// fn returns false. The walk operates on the table as it was published
// when Walk was called, writes made during the walk are not observed.
func (p *Table[V]) Walk(fn func(netip.Prefix, V) bool) {
	for pfx, v := range p.t.Load().AllSorted() {
		if !fn(pfx, v) {
			return
		}
	}
}
