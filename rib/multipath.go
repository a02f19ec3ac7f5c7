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

	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
)

// MatchFunc selects nexthops of a route. A nil MatchFunc selects every
// nexthop.
type MatchFunc func(*nexthop.Nexthop) bool

// MatchAny selects every nexthop.
func MatchAny(*nexthop.Nexthop) bool { return true }

// MatchGateway selects nexthops with the gateway gw.
func MatchGateway(gw netip.Addr) MatchFunc {
	return func(n *nexthop.Nexthop) bool { return n.Gateway() == gw }
}

// MatchInterface selects nexthops with the egress interface name.
func MatchInterface(name string) MatchFunc {
	return func(n *nexthop.Nexthop) bool { return n.Interface() == name }
}

// MatchNexthop selects nexthops with the same attributes as nh.
func MatchNexthop(nh *nexthop.Nexthop) MatchFunc {
	return func(n *nexthop.Nexthop) bool { return n == nh || n.Attrs() == nh.Attrs() }
}

// members returns a copy of the members of the route state st. The single
// nexthop of a route that is not multipath is given the route's weight.
func members(st *routeState) []nexthop.Member {
	if !st.nh.IsGroup() {
		m := st.nh.Members()[0]
		m.Weight = st.weight
		return []nexthop.Member{m}
	}
	ms := st.nh.Members()
	return append(make([]nexthop.Member, 0, len(ms)+1), ms...)
}

// composeAdd returns a group holding the nexthops of both inc and cand. The
// caller owns the returned reference. It fails as a duplicate when a
// nexthop of cand is already a member of inc.
func (t *Table) composeAdd(inc, cand *routeState) (*nexthop.Group, error) {
	ms := members(inc)
	for _, c := range members(cand) {
		for _, m := range ms {
			if m.NH == c.NH {
				return nil, reason.Errorf(reason.Duplicate, "nexthop %s is already used by the route", c.NH)
			}
		}
		ms = append(ms, c)
	}
	return t.store.Group(ms)
}

// composeDel returns the state remaining after the members of st selected
// by match are removed. It returns a nil state when every member is
// selected, in which case the whole route is to be removed. The caller owns
// the reference held by a returned state.
func (t *Table) composeDel(st *routeState, match MatchFunc) (*routeState, error) {
	var keep []nexthop.Member
	for _, m := range st.nh.Members() {
		if !match(m.NH) {
			keep = append(keep, m)
		}
	}
	switch len(keep) {
	case len(st.nh.Members()):
		return nil, reason.Errorf(reason.NotFound, "no nexthop of %s matches", st.nh)
	case 0:
		return nil, nil
	case 1:
		// The remaining member is referenced by the group, which is held
		// by the route until the new state is published.
		t.store.Acquire(keep[0].NH)
		return &routeState{nh: keep[0].NH, weight: keep[0].Weight, flags: st.flags}, nil
	}
	g, err := t.store.Group(keep)
	if err != nil {
		return nil, err
	}
	return &routeState{nh: g, weight: st.weight, flags: st.flags}, nil
}

// selectMember returns the single member of the group g selected by match.
func selectMember(g nexthop.Ref, match MatchFunc) (int, error) {
	if match == nil {
		return 0, reason.Errorf(reason.InvalidArgument, "change of multipath route %s requires a nexthop match", g)
	}
	idx := -1
	for i, m := range g.Members() {
		if !match(m.NH) {
			continue
		}
		if idx != -1 {
			return 0, reason.Errorf(reason.InvalidArgument, "match selects more than one nexthop of %s", g)
		}
		idx = i
	}
	if idx == -1 {
		return 0, reason.Errorf(reason.NotFound, "no nexthop of %s matches", g)
	}
	return idx, nil
}
