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
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/openconfig/ribctl/nexthop"
	"go.uber.org/atomic"
)

// NoMask is the mask length given for a host route.
const NoMask = -1

// RouteFlags is the set of properties of a route.
type RouteFlags uint32

const (
	// RouteHost marks a route to a single address.
	RouteHost RouteFlags = 1 << iota
	// RouteReject marks a route that discards packets and reports the
	// destination unreachable.
	RouteReject
	// RouteBlackhole marks a route that silently discards packets.
	RouteBlackhole
	// RoutePinned marks a route that outranks dynamically learned routes.
	RoutePinned
	// RouteUp is set while the route is reachable from its table. It is
	// maintained by the table and ignored when supplied by a caller.
	RouteUp
)

var routeFlagNames = []struct {
	f    RouteFlags
	name string
}{
	{RouteHost, "host"},
	{RouteReject, "reject"},
	{RouteBlackhole, "blackhole"},
	{RoutePinned, "pinned"},
	{RouteUp, "up"},
}

// String returns the names of the set flags.
func (f RouteFlags) String() string {
	var n []string
	for _, fn := range routeFlagNames {
		if f&fn.f != 0 {
			n = append(n, fn.name)
		}
	}
	return strings.Join(n, "|")
}

// NexthopSpec describes one nexthop of a route to be added.
type NexthopSpec struct {
	// Attrs are the attributes of the nexthop.
	Attrs nexthop.Attrs
	// Weight is the weight of the nexthop within a multipath route. Zero
	// is the default weight.
	Weight uint32
}

// RouteInfo describes a route to be added to a table.
type RouteInfo struct {
	// Dst is the destination address.
	Dst netip.Addr
	// Bits is the mask length of the destination, which must be NoMask for
	// a host route.
	Bits int
	// Flags are the properties of the route.
	Flags RouteFlags
	// Nexthops are the nexthops of the route. More than one nexthop
	// creates a multipath route. Reject and blackhole routes need none.
	Nexthops []NexthopSpec
	// Weight is the weight of the route when it is merged into a
	// multipath route, zero is the default weight.
	Weight uint32
	// Expire is the time after which the route is removed, the zero time
	// indicates that it does not expire.
	Expire time.Time
}

// routeState is the part of a route that can be replaced after the route is
// published. It is immutable, a change stores a new routeState.
type routeState struct {
	nh     nexthop.Ref
	weight uint32
	// flags are the route flags excluding RouteUp.
	flags RouteFlags
}

// Route is a route stored in a table. Its prefix never changes, its
// nexthop, weight and flags are swapped atomically as a unit.
type Route struct {
	prefix netip.Prefix

	state atomic.Pointer[routeState]
	// expire is the expiry in nanoseconds since the unix epoch, zero for
	// none.
	expire atomic.Int64
	// up is set iff the route is reachable from its table.
	up atomic.Bool
}

func newRoute(pfx netip.Prefix, st *routeState, expire time.Time) *Route {
	r := &Route{prefix: pfx}
	r.state.Store(st)
	r.setExpire(expire)
	return r
}

func (r *Route) setExpire(t time.Time) {
	if t.IsZero() {
		r.expire.Store(0)
		return
	}
	r.expire.Store(t.UnixNano())
}

// Prefix returns the destination of r.
func (r *Route) Prefix() netip.Prefix { return r.prefix }

// Up reports whether r is currently reachable from its table.
func (r *Route) Up() bool { return r.up.Load() }

// Entry returns a consistent view of r.
func (r *Route) Entry() *Entry {
	st := r.state.Load()
	e := &Entry{
		Prefix:  r.prefix,
		Flags:   st.flags,
		Nexthop: st.nh,
		Weight:  st.weight,
	}
	if r.up.Load() {
		e.Flags |= RouteUp
	}
	if x := r.expire.Load(); x != 0 {
		e.Expire = time.Unix(0, x)
	}
	return e
}

// String returns a human-readable form of r.
func (r *Route) String() string {
	return r.Entry().String()
}

// Entry is a view of a route at one point in time.
//
// The Nexthop is guaranteed not to have been released only while the
// caller holds a guard from the table's Enter, taken before the Entry was
// read.
type Entry struct {
	Prefix  netip.Prefix
	Flags   RouteFlags
	Nexthop nexthop.Ref
	Weight  uint32
	Expire  time.Time
}

// Gateways returns the gateway addresses of the nexthops of e.
func (e *Entry) Gateways() []netip.Addr {
	return nexthop.Gateways(e.Nexthop)
}

// String returns a human-readable form of e.
func (e *Entry) String() string {
	nh := "<nil>"
	if e.Nexthop != nil {
		nh = e.Nexthop.String()
	}
	return fmt.Sprintf("%s %s [%s] weight %d", e.Prefix, nh, e.Flags, e.Weight)
}
