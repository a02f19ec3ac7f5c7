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
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func addrPtr(a netip.Addr) *netip.Addr { return &a }
func strPtr(s string) *string         { return &s }
func u32Ptr(u uint32) *uint32         { return &u }

func TestChange(t *testing.T) {
	expiry := time.Unix(1700000000, 0)

	tests := []struct {
		desc        string
		inRoute     *RouteInfo
		inPrefix    string
		inReq       *ChangeRequest
		wantOp      constants.OpType
		wantReason  reason.Reason
		wantMembers []nexthop.Member
		wantExpire  time.Time
	}{{
		desc:     "gateway clears interface",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix: "10.0.0.0/24",
		inReq:    &ChangeRequest{Delta: nexthop.Delta{Gateway: addrPtr(gw2)}},
		wantOp:   constants.CHANGE,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw2, "", 0), Weight: 1},
		},
	}, {
		desc:     "gateway and interface",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix: "10.0.0.0/24",
		inReq:    &ChangeRequest{Delta: nexthop.Delta{Gateway: addrPtr(gw2), Interface: strPtr("eth1")}},
		wantOp:   constants.CHANGE,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw2, "eth1", 0), Weight: 1},
		},
	}, {
		desc:     "weight and expiry",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix: "10.0.0.0/24",
		inReq:    &ChangeRequest{Weight: u32Ptr(20), Expire: &expiry},
		wantOp:   constants.CHANGE,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 20},
		},
		wantExpire: expiry,
	}, {
		desc:     "matching nexthop",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix: "10.0.0.0/24",
		inReq:    &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth1")}, Match: MatchGateway(gw1)},
		wantOp:   constants.CHANGE,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth1", 0), Weight: 1},
		},
	}, {
		desc:       "nexthop does not match",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix:   "10.0.0.0/24",
		inReq:      &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth1")}, Match: MatchGateway(gw2)},
		wantReason: reason.NotFound,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
		},
	}, {
		desc:       "missing prefix",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix:   "10.0.1.0/24",
		inReq:      &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth1")}},
		wantReason: reason.NotFound,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
		},
	}, {
		desc:     "missing prefix is added",
		inRoute:  routeTo("10.0.1.0/24", via(gw1, "eth0")),
		inPrefix: "10.0.0.0/24",
		inReq: &ChangeRequest{
			Delta:     nexthop.Delta{Gateway: addrPtr(gw3), Interface: strPtr("eth2")},
			IfMissing: MissingAdd,
		},
		wantOp: constants.ADD,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw3, "eth2", 0), Weight: 1},
		},
	}, {
		desc:     "member of multipath route",
		inRoute:  routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix: "10.0.0.0/24",
		inReq: &ChangeRequest{
			Delta:  nexthop.Delta{Gateway: addrPtr(gw3), Interface: strPtr("eth1")},
			Weight: u32Ptr(4),
			Match:  MatchGateway(gw1),
		},
		wantOp: constants.CHANGE,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw2, "eth0", 0), Weight: 1},
			{NH: testNH(gw3, "eth1", 0), Weight: 4},
		},
	}, {
		desc:       "multipath route without match",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix:   "10.0.0.0/24",
		inReq:      &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth1")}},
		wantReason: reason.InvalidArgument,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
			{NH: testNH(gw2, "eth0", 0), Weight: 1},
		},
	}, {
		desc:       "match selects two members",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix:   "10.0.0.0/24",
		inReq:      &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth1")}, Match: MatchInterface("eth0")},
		wantReason: reason.InvalidArgument,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
			{NH: testNH(gw2, "eth0", 0), Weight: 1},
		},
	}, {
		desc:       "match selects no member",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix:   "10.0.0.0/24",
		inReq:      &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth1")}, Match: MatchGateway(gw3)},
		wantReason: reason.NotFound,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
			{NH: testNH(gw2, "eth0", 0), Weight: 1},
		},
	}, {
		desc:       "change collides with other member",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inPrefix:   "10.0.0.0/24",
		inReq:      &ChangeRequest{Delta: nexthop.Delta{Gateway: addrPtr(gw2), Interface: strPtr("eth0")}, Match: MatchGateway(gw1)},
		wantReason: reason.InvalidArgument,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
			{NH: testNH(gw2, "eth0", 0), Weight: 1},
		},
	}, {
		desc:       "nil request",
		inRoute:    routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inPrefix:   "10.0.0.0/24",
		wantReason: reason.InvalidArgument,
		wantMembers: []nexthop.Member{
			{NH: testNH(gw1, "eth0", 0), Weight: 1},
		},
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			tbl := NewTable("DEFAULT", constants.IPV4)
			mustAdd(t, tbl, tt.inRoute)

			rec, err := tbl.Change(netip.MustParsePrefix(tt.inPrefix), tt.inReq)
			if got := reason.Of(err); got != tt.wantReason {
				t.Fatalf("did not get expected error, got: %v, want reason: %q", err, tt.wantReason)
			}
			if err == nil && rec.Op != tt.wantOp {
				t.Fatalf("did not get expected op, got: %s, want: %s", rec.Op, tt.wantOp)
			}

			e, ok := tbl.Get(netip.MustParsePrefix("10.0.0.0/24"))
			if !ok {
				t.Fatalf("route not found after change")
			}
			if diff := cmp.Diff(tt.wantMembers, entryMembers(e), memberCmp); diff != "" {
				t.Fatalf("did not get expected members, diff(-want,+got):\n%s", diff)
			}
			if !e.Expire.Equal(tt.wantExpire) {
				t.Fatalf("did not get expected expiry, got: %s, want: %s", e.Expire, tt.wantExpire)
			}
			if err == nil && rec.Op == constants.CHANGE && !nexthop.Equal(rec.Old, rec.New) && !rec.Old.Freed() {
				t.Fatalf("superseded nexthop %s was not released", rec.Old)
			}
			checkNoLeaks(t, tbl)
		})
	}
}

func TestChangeRoundTrip(t *testing.T) {
	tbl := NewTable("DEFAULT", constants.IPV4)
	pfx := netip.MustParsePrefix("10.0.0.0/24")
	mustAdd(t, tbl, routeTo("10.0.0.0/24", via(gw1, "eth0")))

	before, _ := tbl.Get(pfx)
	orig := before.Nexthop.Members()[0].NH.Attrs()

	if _, err := tbl.Change(pfx, &ChangeRequest{Delta: nexthop.Delta{Gateway: addrPtr(gw2), Interface: strPtr("eth1")}}); err != nil {
		t.Fatalf("cannot change route, %v", err)
	}
	if _, err := tbl.Change(pfx, &ChangeRequest{Delta: nexthop.Delta{Gateway: addrPtr(gw1), Interface: strPtr("eth0")}}); err != nil {
		t.Fatalf("cannot change route back, %v", err)
	}

	after, _ := tbl.Get(pfx)
	if got := after.Nexthop.Members()[0].NH.Attrs(); got != orig {
		t.Fatalf("round trip did not restore the nexthop, got: %+v, want: %+v", got, orig)
	}
	if after.Weight != before.Weight || after.Flags != before.Flags {
		t.Fatalf("round trip did not restore the route, got: %s, want: %s", after, before)
	}
	if gen := tbl.Generation(); gen != 3 {
		t.Fatalf("did not get expected generation, got: %d, want: 3", gen)
	}
	checkNoLeaks(t, tbl)
}

// refCount returns the reference count of r.
func refCount(r nexthop.Ref) int {
	switch v := r.(type) {
	case *nexthop.Nexthop:
		return v.RefCount()
	case *nexthop.Group:
		return v.RefCount()
	}
	return 0
}

func TestChangeUnchanged(t *testing.T) {
	tests := []struct {
		desc    string
		inRoute *RouteInfo
		inReq   *ChangeRequest
	}{{
		desc:    "empty request",
		inRoute: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inReq:   &ChangeRequest{},
	}, {
		desc:    "interface already set",
		inRoute: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inReq:   &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth0")}},
	}, {
		desc:    "default weight",
		inRoute: routeTo("10.0.0.0/24", via(gw1, "eth0")),
		inReq:   &ChangeRequest{Weight: u32Ptr(0)},
	}, {
		desc:    "member of multipath route",
		inRoute: routeTo("10.0.0.0/24", via(gw1, "eth0"), via(gw2, "eth0")),
		inReq:   &ChangeRequest{Weight: u32Ptr(1), Match: MatchGateway(gw2)},
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			var notified int
			tbl := NewTable("DEFAULT", constants.IPV4, WithSubscription(func(*ChangeRecord, any) {
				notified++
			}, nil, constants.IMMEDIATE))
			mustAdd(t, tbl, tt.inRoute)
			pfx := netip.MustParsePrefix("10.0.0.0/24")
			before, _ := tbl.Get(pfx)
			refs := refCount(before.Nexthop)

			rec, err := tbl.Change(pfx, tt.inReq)
			if err != nil {
				t.Fatalf("cannot change route, %v", err)
			}
			if rec != nil {
				t.Fatalf("did not get expected nil record, got: %+v", rec)
			}
			if gen := tbl.Generation(); gen != 1 {
				t.Fatalf("did not get expected generation, got: %d, want: 1", gen)
			}
			if notified != 1 {
				t.Fatalf("did not get expected number of notifications, got: %d, want: 1", notified)
			}
			after, _ := tbl.Get(pfx)
			if !nexthop.Equal(before.Nexthop, after.Nexthop) {
				t.Fatalf("nexthop was swapped, got: %s, want: %s", after.Nexthop, before.Nexthop)
			}
			if got := refCount(after.Nexthop); got != refs {
				t.Fatalf("reference count changed, got: %d, want: %d", got, refs)
			}
			checkNoLeaks(t, tbl)
		})
	}
}

// setBeforeSwap installs fn as the hook run before Change swaps a route,
// for the duration of the test.
func setBeforeSwap(t *testing.T, fn func(*Table, netip.Prefix)) {
	t.Helper()
	orig := beforeSwap
	beforeSwap = fn
	t.Cleanup(func() { beforeSwap = orig })
}

func TestChangeRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("ribctl", reg)
	tbl := NewTable("DEFAULT", constants.IPV4, WithMetrics(m))
	pfx := netip.MustParsePrefix("10.0.0.0/24")
	mustAdd(t, tbl, routeTo("10.0.0.0/24", via(gw1, "eth0")))

	// A competing writer changes the interface between the snapshot and
	// the swap of the first attempt only.
	var fired bool
	setBeforeSwap(t, func(tb *Table, p netip.Prefix) {
		if fired {
			return
		}
		fired = true
		if _, err := tb.Change(p, &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth1")}}); err != nil {
			t.Errorf("competing change failed, %v", err)
		}
	})

	rec, err := tbl.Change(pfx, &ChangeRequest{Weight: u32Ptr(5)})
	if err != nil {
		t.Fatalf("change was not retried, %v", err)
	}
	e, _ := tbl.Get(pfx)
	want := []nexthop.Member{{NH: testNH(gw1, "eth1", 0), Weight: 5}}
	if diff := cmp.Diff(want, entryMembers(e), memberCmp); diff != "" {
		t.Fatalf("did not get both changes, diff(-want,+got):\n%s", diff)
	}
	if rec.Generation != 3 {
		t.Fatalf("did not get expected generation, got: %d, want: 3", rec.Generation)
	}
	if got := testutil.ToFloat64(m.ChangeRetries.WithLabelValues("DEFAULT", "IPV4")); got != 1 {
		t.Fatalf("did not get expected retry count, got: %v, want: 1", got)
	}
	checkNoLeaks(t, tbl)
}

func TestChangeContention(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("ribctl", reg)
	tbl := NewTable("DEFAULT", constants.IPV4, WithMetrics(m))
	pfx := netip.MustParsePrefix("10.0.0.0/24")
	mustAdd(t, tbl, routeTo("10.0.0.0/24", via(gw1, "eth0")))

	// Every attempt loses to a competing writer.
	var inHook bool
	var competing uint32
	setBeforeSwap(t, func(tb *Table, p netip.Prefix) {
		if inHook {
			return
		}
		inHook = true
		defer func() { inHook = false }()
		competing++
		if _, err := tb.Change(p, &ChangeRequest{Weight: u32Ptr(100 + competing)}); err != nil {
			t.Errorf("competing change failed, %v", err)
		}
	})

	_, err := tbl.Change(pfx, &ChangeRequest{Delta: nexthop.Delta{Interface: strPtr("eth9")}})
	if !IsContention(err) {
		t.Fatalf("did not get contention, got: %v", err)
	}
	if competing != MaxChangeRetries {
		t.Fatalf("did not get expected number of attempts, got: %d, want: %d", competing, MaxChangeRetries)
	}

	e, _ := tbl.Get(pfx)
	want := []nexthop.Member{{NH: testNH(gw1, "eth0", 0), Weight: 100 + MaxChangeRetries}}
	if diff := cmp.Diff(want, entryMembers(e), memberCmp); diff != "" {
		t.Fatalf("contended change was applied, diff(-want,+got):\n%s", diff)
	}
	if gen := tbl.Generation(); gen != 1+MaxChangeRetries {
		t.Fatalf("did not get expected generation, got: %d, want: %d", gen, 1+MaxChangeRetries)
	}
	if got := testutil.ToFloat64(m.ChangeRetries.WithLabelValues("DEFAULT", "IPV4")); got != MaxChangeRetries {
		t.Fatalf("did not get expected retry count, got: %v, want: %d", got, MaxChangeRetries)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("DEFAULT", "IPV4", "change", string(reason.Contention))); got != 1 {
		t.Fatalf("did not get expected contention count, got: %v, want: 1", got)
	}
	checkNoLeaks(t, tbl)
}
