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

// Package nexthop implements the nexthop objects that routes point at. A
// Nexthop describes how to send a packet - the gateway, egress interface and
// flags - and a Group is a weighted set of nexthops used for multipath
// routes. Both are immutable once returned by a Store, deduplicated by
// content and reference counted, such that many routes share one object.
package nexthop

import (
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/atomic"
)

// Flags is a set of properties of a nexthop.
type Flags uint32

const (
	// FlagGateway indicates that the nexthop has a gateway address. It is
	// derived from the attributes by the Store.
	FlagGateway Flags = 1 << iota
	// FlagPinned marks a nexthop installed by a route that outranks
	// dynamically learned routes.
	FlagPinned
	// FlagMultipath indicates that the nexthop may be a member of a
	// multipath group. It is derived from the attributes by the Store.
	FlagMultipath
	// FlagRedirect marks a nexthop learned from a redirect.
	FlagRedirect
	// FlagReject marks a nexthop that discards packets and signals
	// unreachability.
	FlagReject
	// FlagBlackhole marks a nexthop that silently discards packets.
	FlagBlackhole
)

// derivedFlags are the flags that are calculated by the Store and ignored
// when supplied by a caller.
const derivedFlags = FlagGateway | FlagMultipath

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagGateway, "gateway"},
	{FlagPinned, "pinned"},
	{FlagMultipath, "multipath"},
	{FlagRedirect, "redirect"},
	{FlagReject, "reject"},
	{FlagBlackhole, "blackhole"},
}

// String returns the names of the set flags.
func (f Flags) String() string {
	var n []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			n = append(n, fn.name)
		}
	}
	return strings.Join(n, "|")
}

// Attrs are the attributes from which a nexthop is built.
type Attrs struct {
	// Gateway is the address of the next router, the zero Addr indicates
	// that the destination is directly connected.
	Gateway netip.Addr
	// Interface is the name of the egress interface. It is a reference by
	// name only, the interface need not exist.
	Interface string
	// Flags are the properties of the nexthop.
	Flags Flags
}

// normalise returns a with the derived flags recalculated.
func (a Attrs) normalise() Attrs {
	a.Flags &^= derivedFlags
	if a.Gateway.IsValid() {
		a.Gateway = a.Gateway.WithZone("")
		a.Flags |= FlagGateway
	}
	if a.Gateway.IsValid() && a.Flags&(FlagRedirect|FlagReject|FlagBlackhole) == 0 {
		a.Flags |= FlagMultipath
	}
	return a
}

// Delta describes a change to the attributes of an existing nexthop. Nil
// fields are left unchanged.
type Delta struct {
	// Gateway replaces the gateway. An invalid address removes it.
	Gateway *netip.Addr
	// Interface replaces the egress interface.
	Interface *string
	// SetFlags are added to the flags of the nexthop.
	SetFlags Flags
	// ClearFlags are removed from the flags of the nexthop.
	ClearFlags Flags
}

// IsEmpty reports whether d changes nothing.
func (d Delta) IsEmpty() bool {
	return d.Gateway == nil && d.Interface == nil && d.SetFlags == 0 && d.ClearFlags == 0
}

// Apply returns the attributes that result from applying d to a. Where the
// gateway changes and no interface is given the interface is cleared, such
// that it is resolved again for the new gateway.
func (d Delta) Apply(a Attrs) Attrs {
	if d.Gateway != nil && *d.Gateway != a.Gateway {
		a.Gateway = *d.Gateway
		if d.Interface == nil {
			a.Interface = ""
		}
	}
	if d.Interface != nil {
		a.Interface = *d.Interface
	}
	a.Flags = (a.Flags | d.SetFlags) &^ d.ClearFlags
	return a
}

// Ref is a counted reference to a resolved nexthop - either a single
// *Nexthop or a *Group. The routing table treats the two interchangeably.
type Ref interface {
	// IsGroup reports whether the reference is a multipath group.
	IsGroup() bool
	// Members returns the nexthops that make up the reference along with
	// their weights. A single nexthop has one member with DefaultWeight.
	// The returned slice must not be modified.
	Members() []Member
	// Freed reports whether the object's reference count has dropped to
	// zero and it has been released by its Store.
	Freed() bool
	// String returns a human-readable description of the reference.
	String() string

	isRef()
}

// Nexthop is a single resolved nexthop.
type Nexthop struct {
	// id is the store-assigned identifier of the nexthop.
	id uint64
	// attrs are the normalised attributes of the nexthop.
	attrs Attrs
	// self is the single-member view returned by Members.
	self []Member

	refs  atomic.Int32
	freed atomic.Bool
}

func (*Nexthop) isRef() {}

// ID returns the identifier that the Store assigned to n.
func (n *Nexthop) ID() uint64 { return n.id }

// Attrs returns the attributes of n.
func (n *Nexthop) Attrs() Attrs { return n.attrs }

// Gateway returns the gateway of n, or the zero Addr.
func (n *Nexthop) Gateway() netip.Addr { return n.attrs.Gateway }

// Interface returns the name of the egress interface of n.
func (n *Nexthop) Interface() string { return n.attrs.Interface }

// Flags returns the flags of n.
func (n *Nexthop) Flags() Flags { return n.attrs.Flags }

// MultipathEligible reports whether n can be a member of a group.
func (n *Nexthop) MultipathEligible() bool { return n.attrs.Flags&FlagMultipath != 0 }

// IsGroup implements Ref.
func (*Nexthop) IsGroup() bool { return false }

// Members implements Ref.
func (n *Nexthop) Members() []Member { return n.self }

// Freed implements Ref.
func (n *Nexthop) Freed() bool { return n.freed.Load() }

// RefCount returns the current number of references held to n.
func (n *Nexthop) RefCount() int { return int(n.refs.Load()) }

// String implements Ref.
func (n *Nexthop) String() string {
	var b strings.Builder
	switch {
	case n.attrs.Flags&FlagReject != 0:
		b.WriteString("reject")
	case n.attrs.Flags&FlagBlackhole != 0:
		b.WriteString("blackhole")
	case n.attrs.Gateway.IsValid():
		fmt.Fprintf(&b, "via %s", n.attrs.Gateway)
	default:
		b.WriteString("direct")
	}
	if n.attrs.Interface != "" {
		fmt.Fprintf(&b, " dev %s", n.attrs.Interface)
	}
	return b.String()
}

// Equal reports whether a and b refer to the same object.
func Equal(a, b Ref) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// SameForwarding reports whether a and b describe the same forwarding
// behaviour, regardless of whether they are the same object.
func SameForwarding(a, b Ref) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.IsGroup() != b.IsGroup() {
		return false
	}
	am, bm := a.Members(), b.Members()
	if len(am) != len(bm) {
		return false
	}
	for i := range am {
		if am[i].NH.attrs != bm[i].NH.attrs || am[i].Weight != bm[i].Weight {
			return false
		}
	}
	return true
}

// Gateways returns the gateway addresses of the members of r in order.
func Gateways(r Ref) []netip.Addr {
	if r == nil {
		return nil
	}
	var gws []netip.Addr
	for _, m := range r.Members() {
		gws = append(gws, m.NH.Gateway())
	}
	return gws
}
