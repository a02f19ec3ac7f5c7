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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
)

var (
	gw1 = netip.MustParseAddr("192.0.2.1")
	gw2 = netip.MustParseAddr("192.0.2.2")
	gw3 = netip.MustParseAddr("192.0.2.3")
	gw6 = netip.MustParseAddr("2001:db8::1")
)

// via returns a nexthop through gw on the interface intf.
func via(gw netip.Addr, intf string) NexthopSpec {
	return NexthopSpec{Attrs: nexthop.Attrs{Gateway: gw, Interface: intf}}
}

// routeTo returns a route to the prefix p.
func routeTo(p string, nhs ...NexthopSpec) *RouteInfo {
	pfx := netip.MustParsePrefix(p)
	return &RouteInfo{
		Dst:      pfx.Addr(),
		Bits:     pfx.Bits(),
		Nexthops: nhs,
	}
}

// withFlags sets flags on info and returns it.
func withFlags(info *RouteInfo, f RouteFlags) *RouteInfo {
	info.Flags |= f
	return info
}

func mustAdd(t *testing.T, tbl *Table, info *RouteInfo) *ChangeRecord {
	t.Helper()
	rec, err := tbl.Add(info)
	if err != nil {
		t.Fatalf("cannot add route %+v, %v", info, err)
	}
	return rec
}

// lookupGateways returns the gateways of the route matching addr, and
// whether the route is multipath.
func lookupGateways(t *testing.T, tbl *Table, addr string) ([]netip.Addr, bool) {
	t.Helper()
	e, ok := tbl.Lookup(netip.MustParseAddr(addr))
	if !ok {
		return nil, false
	}
	return e.Gateways(), e.Nexthop.IsGroup()
}

// checkNoLeaks removes every route from tbl and checks that every nexthop
// and group has been released.
func checkNoLeaks(t *testing.T, tbl *Table) {
	t.Helper()
	tbl.FlushAll()
	if n := tbl.Store().Len(); n != 0 {
		t.Fatalf("nexthops not released after flush, %d remain", n)
	}
}

var addrCmp = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestNew(t *testing.T) {
	r := New("DEFAULT")
	if got := r.DefaultName(); got != "DEFAULT" {
		t.Fatalf("did not get expected default name, got: %s, want: DEFAULT", got)
	}
	if _, ok := r.NetworkInstanceRIB("DEFAULT"); !ok {
		t.Fatalf("default network instance was not created")
	}
	for _, f := range []constants.Family{constants.IPV4, constants.IPV6} {
		tbl, err := r.Table("", f)
		if err != nil {
			t.Fatalf("cannot get default %s table, %v", f, err)
		}
		if tbl.NetworkInstance() != "DEFAULT" || tbl.Family() != f {
			t.Fatalf("got wrong table, got: %s, want: DEFAULT/%s", tbl, f)
		}
		if tbl.epoch != r.epoch {
			t.Fatalf("table %s does not share the RIB's epoch", tbl)
		}
	}
}

func TestAddNetworkInstance(t *testing.T) {
	tests := []struct {
		desc       string
		inName     string
		wantReason reason.Reason
	}{{
		desc:   "new instance",
		inName: "VRF-1",
	}, {
		desc:       "existing instance",
		inName:     "DEFAULT",
		wantReason: reason.Duplicate,
	}, {
		desc:       "empty name",
		inName:     "",
		wantReason: reason.InvalidArgument,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			r := New("DEFAULT")
			err := r.AddNetworkInstance(tt.inName)
			if got := reason.Of(err); got != tt.wantReason {
				t.Fatalf("did not get expected error, got: %v, want reason: %q", err, tt.wantReason)
			}
			if err != nil {
				return
			}
			if _, err := r.Table(tt.inName, constants.IPV4); err != nil {
				t.Fatalf("cannot get table of new instance, %v", err)
			}
			if diff := cmp.Diff([]string{"DEFAULT", tt.inName}, r.NetworkInstances()); diff != "" {
				t.Fatalf("did not get expected instances, diff(-want,+got):\n%s", diff)
			}
			if got := len(r.Tables()); got != 4 {
				t.Fatalf("did not get expected number of tables, got: %d, want: 4", got)
			}
		})
	}
}

func TestTableUnknownInstance(t *testing.T) {
	r := New("DEFAULT")
	if _, err := r.Table("VRF-42", constants.IPV4); !IsNotFound(err) {
		t.Fatalf("did not get not found for unknown instance, got: %v", err)
	}
	if _, err := r.Table("", constants.Family(42)); !IsUnsupported(err) {
		t.Fatalf("did not get unsupported for unknown family, got: %v", err)
	}
}

// TestExampleScenario walks through a merge of two routes into a multipath
// route, and its decomposition by a delete of one gateway.
func TestExampleScenario(t *testing.T) {
	tbl := NewTable("DEFAULT", constants.IPV4)

	rec := mustAdd(t, tbl, routeTo("10.0.0.0/24", via(gw1, "eth0")))
	if rec.Op != constants.ADD {
		t.Fatalf("first add: did not get ADD, got: %s", rec.Op)
	}
	gws, multi := lookupGateways(t, tbl, "10.0.0.1")
	if diff := cmp.Diff([]netip.Addr{gw1}, gws, addrCmp); diff != "" || multi {
		t.Fatalf("first add: did not get expected gateways, multipath: %v, diff(-want,+got):\n%s", multi, diff)
	}

	rec = mustAdd(t, tbl, routeTo("10.0.0.0/24", via(gw2, "eth0")))
	if rec.Op != constants.CHANGE {
		t.Fatalf("second add: did not get CHANGE, got: %s", rec.Op)
	}
	e, ok := tbl.Lookup(netip.MustParseAddr("10.0.0.1"))
	if !ok {
		t.Fatalf("second add: lookup did not find route")
	}
	var got []nexthop.Member
	got = append(got, e.Nexthop.Members()...)
	if !e.Nexthop.IsGroup() || len(got) != 2 {
		t.Fatalf("second add: did not get two member group, got: %s", e.Nexthop)
	}
	for i, want := range []netip.Addr{gw1, gw2} {
		if got[i].NH.Gateway() != want || got[i].Weight != nexthop.DefaultWeight {
			t.Fatalf("second add: member %d, got: %s weight %d, want: %s weight %d", i, got[i].NH, got[i].Weight, want, nexthop.DefaultWeight)
		}
	}
	if gen := tbl.Generation(); gen != 2 {
		t.Fatalf("second add: merge did not increment generation once, got: %d, want: 2", gen)
	}

	rec, err := tbl.Delete(netip.MustParsePrefix("10.0.0.0/24"), MatchGateway(gw1))
	if err != nil {
		t.Fatalf("delete: cannot delete gateway, %v", err)
	}
	if rec.Op != constants.CHANGE {
		t.Fatalf("delete: did not get CHANGE, got: %s", rec.Op)
	}
	gws, multi = lookupGateways(t, tbl, "10.0.0.1")
	if diff := cmp.Diff([]netip.Addr{gw2}, gws, addrCmp); diff != "" || multi {
		t.Fatalf("delete: did not get expected gateways, multipath: %v, diff(-want,+got):\n%s", multi, diff)
	}
	if !rec.Old.Freed() {
		t.Fatalf("delete: group was not released after decomposition")
	}
	if n := tbl.Store().Len(); n != 1 {
		t.Fatalf("delete: did not get expected number of live nexthops, got: %d, want: 1", n)
	}
	checkNoLeaks(t, tbl)
}

func TestAddValidation(t *testing.T) {
	tests := []struct {
		desc       string
		inOpts     []TableOpt
		inInfo     *RouteInfo
		wantPrefix netip.Prefix
		wantReason reason.Reason
	}{{
		desc:       "nil route",
		inInfo:     nil,
		wantReason: reason.InvalidArgument,
	}, {
		desc: "host route",
		inInfo: &RouteInfo{
			Dst:      netip.MustParseAddr("10.0.0.1"),
			Bits:     NoMask,
			Flags:    RouteHost,
			Nexthops: []NexthopSpec{via(gw1, "eth0")},
		},
		wantPrefix: netip.MustParsePrefix("10.0.0.1/32"),
	}, {
		desc: "host route with mask",
		inInfo: &RouteInfo{
			Dst:      netip.MustParseAddr("10.0.0.1"),
			Bits:     32,
			Flags:    RouteHost,
			Nexthops: []NexthopSpec{via(gw1, "eth0")},
		},
		wantReason: reason.InvalidArgument,
	}, {
		desc: "network route without mask",
		inInfo: &RouteInfo{
			Dst:      netip.MustParseAddr("10.0.0.0"),
			Bits:     NoMask,
			Nexthops: []NexthopSpec{via(gw1, "eth0")},
		},
		wantReason: reason.InvalidArgument,
	}, {
		desc: "mask too long",
		inInfo: &RouteInfo{
			Dst:      netip.MustParseAddr("10.0.0.0"),
			Bits:     33,
			Nexthops: []NexthopSpec{via(gw1, "eth0")},
		},
		wantReason: reason.InvalidArgument,
	}, {
		desc:       "unmasked destination",
		inInfo:     routeTo("10.0.0.42/24", via(gw1, "eth0")),
		wantPrefix: netip.MustParsePrefix("10.0.0.0/24"),
	}, {
		desc:       "IPv6 destination in IPv4 table",
		inInfo:     routeTo("2001:db8::/32", via(gw1, "eth0")),
		wantReason: reason.InvalidArgument,
	}, {
		desc:       "no nexthops",
		inInfo:     routeTo("10.0.0.0/24"),
		wantReason: reason.InvalidArgument,
	}, {
		desc:       "blackhole without nexthops",
		inInfo:     withFlags(routeTo("10.0.0.0/24"), RouteBlackhole),
		wantPrefix: netip.MustParsePrefix("10.0.0.0/24"),
	}, {
		desc:       "reject and blackhole",
		inInfo:     withFlags(routeTo("10.0.0.0/24"), RouteReject|RouteBlackhole),
		wantReason: reason.InvalidArgument,
	}, {
		desc:       "reject with two nexthops",
		inInfo:     withFlags(routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")), RouteReject),
		wantReason: reason.InvalidArgument,
	}, {
		desc:       "multipath disabled",
		inOpts:     []TableOpt{DisableMultipath()},
		inInfo:     routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		wantReason: reason.Unsupported,
	}, {
		desc:       "IPv6 gateway",
		inInfo:     routeTo("10.0.0.0/24", via(gw6, "eth0")),
		wantReason: reason.Unsupported,
	}, {
		desc:       "IPv6 gateway with mixed families",
		inOpts:     []TableOpt{WithMixedFamilyGateways()},
		inInfo:     routeTo("10.0.0.0/24", via(gw6, "eth0")),
		wantPrefix: netip.MustParsePrefix("10.0.0.0/24"),
	}, {
		desc:       "duplicate nexthops in multipath route",
		inInfo:     routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw1, "eth0")),
		wantReason: reason.InvalidArgument,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			tbl := NewTable("DEFAULT", constants.IPV4, tt.inOpts...)
			rec, err := tbl.Add(tt.inInfo)
			if got := reason.Of(err); got != tt.wantReason {
				t.Fatalf("did not get expected error, got: %v, want reason: %q", err, tt.wantReason)
			}
			if err != nil {
				if tbl.Len() != 0 || tbl.Generation() != 0 || tbl.Store().Len() != 0 {
					t.Fatalf("failed add changed the table, len: %d, generation: %d, nexthops: %d", tbl.Len(), tbl.Generation(), tbl.Store().Len())
				}
				return
			}
			if rec.Prefix != tt.wantPrefix {
				t.Fatalf("did not get expected prefix, got: %s, want: %s", rec.Prefix, tt.wantPrefix)
			}
			e, ok := tbl.Get(tt.wantPrefix)
			if !ok {
				t.Fatalf("route %s not found after add", tt.wantPrefix)
			}
			if e.Flags&RouteUp == 0 {
				t.Fatalf("route %s is not up after add", tt.wantPrefix)
			}
			checkNoLeaks(t, tbl)
		})
	}
}

func TestAddExhaustion(t *testing.T) {
	tbl := NewTable("DEFAULT", constants.IPV4, WithNexthopStore(nexthop.NewStore(nexthop.WithLimit(2))))

	_, err := tbl.Add(routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0"), via(gw3, "eth0")))
	if !IsResourceExhausted(err) {
		t.Fatalf("did not get resource exhausted, got: %v", err)
	}
	if n := tbl.Store().Len(); n != 0 {
		t.Fatalf("failed add did not release its nexthops, %d remain", n)
	}
	if tbl.Len() != 0 {
		t.Fatalf("failed add inserted a route")
	}

	// The group itself is the object over the limit.
	if _, err := tbl.Add(routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0"))); !IsResourceExhausted(err) {
		t.Fatalf("did not get resource exhausted for group, got: %v", err)
	}
	if n := tbl.Store().Len(); n != 0 {
		t.Fatalf("failed add did not release its nexthops, %d remain", n)
	}
	mustAdd(t, tbl, routeTo("10.0.0.0/24", via(gw1, "eth0")))
}

func TestAddCollision(t *testing.T) {
	tests := []struct {
		desc        string
		inOpts      []TableOpt
		inIncumbent *RouteInfo
		inCandidate *RouteInfo
		inReplace   bool
		wantReason  reason.Reason
		wantMembers []nexthop.Member
		wantFlags   RouteFlags
	}{{
		desc:        "pinned overrides dynamic",
		inIncumbent: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inCandidate: withFlags(routeTo("10.0.0.0/24", via(gw2, "eth0")), RoutePinned),
		wantMembers: []nexthop.Member{{NH: testNH(gw2, "eth0", nexthop.FlagPinned), Weight: 1}},
		wantFlags:   RoutePinned | RouteUp,
	}, {
		desc:        "dynamic does not override pinned",
		inIncumbent: withFlags(routeTo("10.0.0.0/24", via(gw1, "eth0")), RoutePinned),
		inCandidate: routeTo("10.0.0.0/24", via(gw2, "eth0")),
		wantReason:  reason.Duplicate,
		wantMembers: []nexthop.Member{{NH: testNH(gw1, "eth0", nexthop.FlagPinned), Weight: 1}},
		wantFlags:   RoutePinned | RouteUp,
	}, {
		desc:        "replace overrides pinned",
		inIncumbent: withFlags(routeTo("10.0.0.0/24", via(gw1, "eth0")), RoutePinned),
		inCandidate: routeTo("10.0.0.0/24", via(gw2, "eth0")),
		inReplace:   true,
		wantMembers: []nexthop.Member{{NH: testNH(gw2, "eth0", 0), Weight: 1}},
		wantFlags:   RouteUp,
	}, {
		desc:        "merge with explicit weights",
		inIncumbent: &RouteInfo{Dst: netip.MustParseAddr("10.0.0.0"), Bits: 24, Nexthops: []NexthopSpec{via(gw2, "eth0")}, Weight: 3},
		inCandidate: &RouteInfo{Dst: netip.MustParseAddr("10.0.0.0"), Bits: 24, Nexthops: []NexthopSpec{via(gw1, "eth0")}, Weight: 5},
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 5},
			{NH: testNH(gw2, "eth0", 0), Weight: 3},
		},
		wantFlags: RouteUp,
	}, {
		desc:        "merge single into group",
		inIncumbent: routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inCandidate: routeTo("10.0.0.0/24", via(gw3, "eth1")),
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
			{NH: testNH(gw2, "eth0", 0), Weight: 1},
			{NH: testNH(gw3, "eth1", 0), Weight: 1},
		},
		wantFlags: RouteUp,
	}, {
		desc:        "same nexthop",
		inIncumbent: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inCandidate: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		wantReason:  reason.Duplicate,
		wantMembers: []nexthop.Member{{NH: testNH(gw1, "eth0", 0), Weight: 1}},
		wantFlags:   RouteUp,
	}, {
		desc:        "multipath disabled",
		inOpts:      []TableOpt{DisableMultipath()},
		inIncumbent: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inCandidate: routeTo("10.0.0.0/24", via(gw2, "eth0")),
		wantReason:  reason.Duplicate,
		wantMembers: []nexthop.Member{{NH: testNH(gw1, "eth0", 0), Weight: 1}},
		wantFlags:   RouteUp,
	}, {
		desc:        "redirect is not merged",
		inIncumbent: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inCandidate: routeTo("10.0.0.0/24", NexthopSpec{Attrs: nexthop.Attrs{Gateway: gw2, Interface: "eth0", Flags: nexthop.FlagRedirect}}),
		wantReason:  reason.Duplicate,
		wantMembers: []nexthop.Member{{NH: testNH(gw1, "eth0", 0), Weight: 1}},
		wantFlags:   RouteUp,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			tbl := NewTable("DEFAULT", constants.IPV4, tt.inOpts...)
			mustAdd(t, tbl, tt.inIncumbent)
			gen := tbl.Generation()

			add := tbl.Add
			if tt.inReplace {
				add = tbl.Replace
			}
			rec, err := add(tt.inCandidate)
			if got := reason.Of(err); got != tt.wantReason {
				t.Fatalf("did not get expected error, got: %v, want reason: %q", err, tt.wantReason)
			}
			wantGen := gen + 1
			if err != nil {
				wantGen = gen
			} else if rec.Op != constants.CHANGE {
				t.Fatalf("did not get CHANGE, got: %s", rec.Op)
			}
			if got := tbl.Generation(); got != wantGen {
				t.Fatalf("did not get expected generation, got: %d, want: %d", got, wantGen)
			}

			e, ok := tbl.Get(netip.MustParsePrefix("10.0.0.0/24"))
			if !ok {
				t.Fatalf("route not found")
			}
			if diff := cmp.Diff(tt.wantMembers, entryMembers(e), memberCmp); diff != "" {
				t.Fatalf("did not get expected members, diff(-want,+got):\n%s", diff)
			}
			if e.Flags != tt.wantFlags {
				t.Fatalf("did not get expected flags, got: %s, want: %s", e.Flags, tt.wantFlags)
			}
			if tbl.Len() != 1 {
				t.Fatalf("did not get expected table length, got: %d, want: 1", tbl.Len())
			}
			checkNoLeaks(t, tbl)
		})
	}
}

// testNH returns a nexthop that is not held by any store, for use as an
// expected value.
func testNH(gw netip.Addr, intf string, f nexthop.Flags) *nexthop.Nexthop {
	n, err := nexthop.NewStore().Get(nexthop.Attrs{Gateway: gw, Interface: intf, Flags: f})
	if err != nil {
		panic(err)
	}
	return n
}

// entryMembers returns the members of the nexthop of e, where a single
// nexthop carries the route's weight.
func entryMembers(e *Entry) []nexthop.Member {
	return members(&routeState{nh: e.Nexthop, weight: e.Weight})
}

// memberCmp compares members by the attributes of their nexthops.
var memberCmp = cmp.Comparer(func(a, b nexthop.Member) bool {
	return a.Weight == b.Weight && a.NH.Attrs() == b.NH.Attrs()
})

func TestAddLookup(t *testing.T) {
	tbl := NewTable("DEFAULT", constants.IPV4)
	mustAdd(t, tbl, routeTo("0.0.0.0/0", via(gw1, "eth0")))
	mustAdd(t, tbl, routeTo("10.0.0.0/8", via(gw2, "eth0")))
	mustAdd(t, tbl, routeTo("10.1.0.0/16", via(gw3, "eth1")))
	mustAdd(t, tbl, &RouteInfo{Dst: netip.MustParseAddr("10.1.1.1"), Bits: NoMask, Flags: RouteHost | RouteReject})

	tests := []struct {
		inAddr     string
		wantPrefix string
		wantNH     string
	}{
		{"192.168.0.1", "0.0.0.0/0", "via 192.0.2.1 dev eth0"},
		{"10.200.0.1", "10.0.0.0/8", "via 192.0.2.2 dev eth0"},
		{"10.1.2.3", "10.1.0.0/16", "via 192.0.2.3 dev eth1"},
		{"10.1.1.1", "10.1.1.1/32", "reject"},
	}
	for _, tt := range tests {
		t.Run(tt.inAddr, func(t *testing.T) {
			e, ok := tbl.Lookup(netip.MustParseAddr(tt.inAddr))
			if !ok {
				t.Fatalf("lookup of %s found nothing", tt.inAddr)
			}
			if got := e.Prefix.String(); got != tt.wantPrefix {
				t.Fatalf("did not get expected prefix, got: %s, want: %s", got, tt.wantPrefix)
			}
			if got := e.Nexthop.String(); got != tt.wantNH {
				t.Fatalf("did not get expected nexthop, got: %s, want: %s", got, tt.wantNH)
			}
		})
	}

	var got []string
	tbl.Walk(func(e *Entry) bool {
		got = append(got, e.Prefix.String())
		return true
	})
	if diff := cmp.Diff([]string{"0.0.0.0/0", "10.0.0.0/8", "10.1.0.0/16", "10.1.1.1/32"}, got); diff != "" {
		t.Fatalf("did not get expected walk order, diff(-want,+got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		desc        string
		inRoute     *RouteInfo
		inPrefix    string
		inMatch     MatchFunc
		wantOp      constants.OpType
		wantReason  reason.Reason
		wantMembers []nexthop.Member
	}{{
		desc:       "missing prefix",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix:   "10.0.1.0/24",
		wantReason: reason.NotFound,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
		},
	}, {
		desc:     "whole route",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix: "10.0.0.0/24",
		wantOp:   constants.DELETE,
	}, {
		desc:     "matching nexthop",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix: "10.0.0.0/24",
		inMatch:  MatchInterface("eth0"),
		wantOp:   constants.DELETE,
	}, {
		desc:       "nexthop does not match",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix:   "10.0.0.0/24",
		inMatch:    MatchGateway(gw2),
		wantReason: reason.NotFound,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
		},
	}, {
		desc:     "one of three members",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0"), via(gw3, "eth1")),
		inPrefix: "10.0.0.0/24",
		inMatch:  MatchGateway(gw2),
		wantOp:   constants.CHANGE,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
			{NH: testNH(gw3, "eth1", 0), Weight: 1},
		},
	}, {
		desc: "one of two members keeps weight",
		inRoute: routeTo("10.0.0.0/24",
			NexthopSpec{Attrs: nexthop.Attrs{Gateway: gw1, Interface: "eth0"}, Weight: 7},
			via(gw2, "eth0")),
		inPrefix: "10.0.0.0/24",
		inMatch:  MatchGateway(gw2),
		wantOp:   constants.CHANGE,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 7},
		},
	}, {
		desc:       "no member matches",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix:   "10.0.0.0/24",
		inMatch:    MatchInterface("eth7"),
		wantReason: reason.NotFound,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
			{NH: testNH(gw2, "eth0", 0), Weight: 1},
		},
	}, {
		desc:     "every member matches",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix: "10.0.0.0/24",
		inMatch:  MatchAny,
		wantOp:   constants.DELETE,
	}, {
		desc:     "multipath without match",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix: "10.0.0.0/24",
		wantOp:   constants.DELETE,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			tbl := NewTable("DEFAULT", constants.IPV4)
			mustAdd(t, tbl, tt.inRoute)
			pfx := netip.MustParsePrefix(tt.inPrefix)

			rec, err := tbl.Delete(pfx, tt.inMatch)
			if got := reason.Of(err); got != tt.wantReason {
				t.Fatalf("did not get expected error, got: %v, want reason: %q", err, tt.wantReason)
			}
			if err == nil && rec.Op != tt.wantOp {
				t.Fatalf("did not get expected op, got: %s, want: %s", rec.Op, tt.wantOp)
			}

			var got []nexthop.Member
			if e, ok := tbl.Get(netip.MustParsePrefix("10.0.0.0/24")); ok {
				got = entryMembers(e)
			}
			if diff := cmp.Diff(tt.wantMembers, got, memberCmp); diff != "" {
				t.Fatalf("did not get expected members, diff(-want,+got):\n%s", diff)
			}
			if err == nil && tt.wantOp == constants.DELETE {
				if rec.Route.Up() {
					t.Fatalf("deleted route is still up")
				}
				if !rec.Old.Freed() {
					t.Fatalf("nexthop of deleted route was not released")
				}
			}
			checkNoLeaks(t, tbl)
		})
	}
}

func TestDeleteIdempotent(t *testing.T) {
	tbl := NewTable("DEFAULT", constants.IPV4)
	pfx := netip.MustParsePrefix("10.0.0.0/24")
	mustAdd(t, tbl, routeTo("10.0.0.0/24", via(gw1, "eth0")))

	if _, err := tbl.Delete(pfx, nil); err != nil {
		t.Fatalf("first delete failed, %v", err)
	}
	gen := tbl.Generation()
	if _, err := tbl.Delete(pfx, nil); !IsNotFound(err) {
		t.Fatalf("second delete did not return not found, got: %v", err)
	}
	if tbl.Generation() != gen {
		t.Fatalf("failed delete changed generation")
	}
	if _, ok := tbl.Get(pfx); ok {
		t.Fatalf("prefix present after delete")
	}
}
