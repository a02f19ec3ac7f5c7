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
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
)

// validate checks that info describes a route that can be stored in t, and
// returns the prefix under which it is stored. It has no side effects.
func (t *Table) validate(info *RouteInfo) (netip.Prefix, error) {
	if info == nil {
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "nil route")
	}
	if !info.Dst.IsValid() {
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "invalid destination address")
	}
	if f := constants.FamilyOf(info.Dst); f != t.family {
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "destination %s is %s, table is %s", info.Dst, f, t.family)
	}

	bits := info.Bits
	switch host := info.Flags&RouteHost != 0; {
	case host && bits != NoMask:
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "host route to %s cannot have a mask, got /%d", info.Dst, bits)
	case host:
		bits = t.family.BitLen()
	case bits == NoMask:
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "route to %s requires a mask", info.Dst)
	case bits < 0 || bits > t.family.BitLen():
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "invalid mask length /%d for %s", bits, info.Dst)
	}

	discard := info.Flags & (RouteReject | RouteBlackhole)
	switch {
	case discard == RouteReject|RouteBlackhole:
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "route cannot be both reject and blackhole")
	case discard != 0 && len(info.Nexthops) > 1:
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "%s route cannot have %d nexthops", discard, len(info.Nexthops))
	case discard == 0 && len(info.Nexthops) == 0:
		return netip.Prefix{}, reason.Errorf(reason.InvalidArgument, "route to %s has no nexthops", info.Dst)
	case len(info.Nexthops) > 1 && !t.multipath:
		return netip.Prefix{}, reason.Errorf(reason.Unsupported, "multipath is disabled for table %s", t)
	}

	for _, n := range info.Nexthops {
		gw := n.Attrs.Gateway
		if !gw.IsValid() || t.mixedFamily {
			continue
		}
		if f := constants.FamilyOf(gw); f != t.family {
			return netip.Prefix{}, reason.Errorf(reason.Unsupported, "gateway %s is %s, table %s does not permit mixed families", gw, f, t)
		}
	}

	return netip.PrefixFrom(info.Dst, bits).Masked(), nil
}

// nexthopAttrs returns the attributes of a nexthop of a route with flags f.
func nexthopAttrs(a nexthop.Attrs, f RouteFlags) nexthop.Attrs {
	if f&RoutePinned != 0 {
		a.Flags |= nexthop.FlagPinned
	}
	if f&RouteReject != 0 {
		a.Flags |= nexthop.FlagReject
	}
	if f&RouteBlackhole != 0 {
		a.Flags |= nexthop.FlagBlackhole
	}
	return a
}

// candidate resolves the nexthops of info and returns the state of a new
// route. On success the caller owns the reference held by the state. On
// failure every reference taken has been released.
func (t *Table) candidate(info *RouteInfo) (*routeState, error) {
	flags := info.Flags &^ RouteUp
	st := &routeState{
		weight: nexthop.NormaliseWeight(info.Weight),
		flags:  flags,
	}

	switch len(info.Nexthops) {
	case 0:
		n, err := t.store.Get(nexthopAttrs(nexthop.Attrs{}, flags))
		if err != nil {
			return nil, err
		}
		st.nh = n
		return st, nil
	case 1:
		spec := info.Nexthops[0]
		n, err := t.store.Get(nexthopAttrs(spec.Attrs, flags))
		if err != nil {
			return nil, err
		}
		if info.Weight == 0 && spec.Weight != 0 {
			st.weight = nexthop.NormaliseWeight(spec.Weight)
		}
		st.nh = n
		return st, nil
	}

	ms := make([]nexthop.Member, 0, len(info.Nexthops))
	defer func() {
		// The group holds its own references to its members.
		for _, m := range ms {
			t.store.Release(m.NH)
		}
	}()
	for _, spec := range info.Nexthops {
		n, err := t.store.Get(nexthopAttrs(spec.Attrs, flags))
		if err != nil {
			return nil, err
		}
		ms = append(ms, nexthop.Member{NH: n, Weight: spec.Weight})
	}
	g, err := t.store.Group(ms)
	if err != nil {
		return nil, err
	}
	st.nh = g
	return st, nil
}

// Add adds the route described by info to t.
//
// Where the prefix is free the route is inserted and an ADD is returned.
// Where it is occupied, a pinned route replaces the nexthop of a route that
// is not pinned, and two routes whose nexthops can be group members are
// merged into one multipath route. Both return a CHANGE. Otherwise the add
// fails as a duplicate.
func (t *Table) Add(info *RouteInfo) (*ChangeRecord, error) {
	rec, err := t.add(info, false)
	t.metrics.op("add", err)
	return rec, err
}

// Replace adds the route described by info to t, replacing the nexthop,
// weight and flags of any existing route for the prefix regardless of
// precedence.
func (t *Table) Replace(info *RouteInfo) (*ChangeRecord, error) {
	rec, err := t.add(info, true)
	t.metrics.op("replace", err)
	return rec, err
}

func (t *Table) add(info *RouteInfo, force bool) (*ChangeRecord, error) {
	pfx, err := t.validate(info)
	if err != nil {
		return nil, err
	}
	cand, err := t.candidate(info)
	if err != nil {
		return nil, err
	}
	nr := newRoute(pfx, cand, info.Expire)

	t.mu.Lock()
	// The candidate is published with up set, it is cleared again if the
	// slot is occupied since the candidate is then never reachable.
	nr.up.Store(true)
	existing, inserted := t.routes.InsertIfAbsent(pfx, nr)
	if inserted {
		t.gen.Inc()
		rec := t.record(constants.ADD, nr, nil, cand.nh)
		t.notify(constants.IMMEDIATE, rec)
		g := t.epoch.Enter()
		t.mu.Unlock()

		t.metrics.update(t)
		log.V(2).Infof("%s: added %s", t, nr)
		t.publish(g, rec)
		return rec, nil
	}
	nr.up.Store(false)

	inc := existing.state.Load()
	d := decisionOverride
	if !force {
		d = decide(inc, cand, t.multipath)
	}

	var next *routeState
	switch d {
	case decisionOverride:
		next = cand
		existing.setExpire(info.Expire)
	case decisionMerge:
		g, err := t.composeAdd(inc, cand)
		if err != nil {
			t.mu.Unlock()
			t.store.Release(cand.nh)
			return nil, err
		}
		// The group holds its own references to the candidate's nexthops.
		t.store.Release(cand.nh)
		next = &routeState{nh: g, weight: inc.weight, flags: inc.flags}
	default:
		t.mu.Unlock()
		t.store.Release(cand.nh)
		return nil, reason.Errorf(reason.Duplicate, "prefix %s is held by %s in table %s", pfx, inc.nh, t)
	}

	existing.state.Store(next)
	t.gen.Inc()
	rec := t.record(constants.CHANGE, existing, inc.nh, next.nh)
	t.notify(constants.IMMEDIATE, rec)
	g := t.epoch.Enter()
	t.mu.Unlock()

	t.metrics.update(t)
	log.V(2).Infof("%s: %s of %s, %s replaced by %s", t, d, pfx, inc.nh, next.nh)
	t.publish(g, rec)
	t.release(inc.nh)
	return rec, nil
}
