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
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
	"google.golang.org/protobuf/testing/protocmp"

	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
	wpb "github.com/openconfig/ygot/proto/ywrapper"
)

func TestAttrsFromNextHop(t *testing.T) {
	tests := []struct {
		desc       string
		in         *aftpb.Afts_NextHop
		want       nexthop.Attrs
		wantReason reason.Reason
	}{{
		desc: "address and interface",
		in: &aftpb.Afts_NextHop{
			IpAddress:    &wpb.StringValue{Value: "192.0.2.1"},
			InterfaceRef: &aftpb.Afts_NextHop_InterfaceRef{Interface: &wpb.StringValue{Value: "eth0"}},
		},
		want: nexthop.Attrs{Gateway: gw1, Interface: "eth0"},
	}, {
		desc: "interface only",
		in: &aftpb.Afts_NextHop{
			InterfaceRef: &aftpb.Afts_NextHop_InterfaceRef{Interface: &wpb.StringValue{Value: "eth0"}},
		},
		want: nexthop.Attrs{Interface: "eth0"},
	}, {
		desc:       "invalid address",
		in:         &aftpb.Afts_NextHop{IpAddress: &wpb.StringValue{Value: "192.0.2.256"}},
		wantReason: reason.InvalidArgument,
	}, {
		desc:       "empty",
		in:         &aftpb.Afts_NextHop{},
		wantReason: reason.InvalidArgument,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := AttrsFromNextHop(tt.in)
			if r := reason.Of(err); r != tt.wantReason {
				t.Fatalf("did not get expected error, got: %v, want reason: %q", err, tt.wantReason)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got, addrCmp); diff != "" {
				t.Fatalf("did not get expected attributes, diff(-want,+got):\n%s", diff)
			}
		})
	}
}

func aftNH(idx uint64, addr string) *aftpb.Afts_NextHopKey {
	return &aftpb.Afts_NextHopKey{
		Index:   idx,
		NextHop: &aftpb.Afts_NextHop{IpAddress: &wpb.StringValue{Value: addr}},
	}
}

func aftNHG(id uint64, weights map[uint64]uint64) *aftpb.Afts_NextHopGroupKey {
	g := &aftpb.Afts_NextHopGroup{}
	for idx, w := range weights {
		g.NextHop = append(g.NextHop, &aftpb.Afts_NextHopGroup_NextHopKey{
			Index:   idx,
			NextHop: &aftpb.Afts_NextHopGroup_NextHop{Weight: &wpb.UintValue{Value: w}},
		})
	}
	return &aftpb.Afts_NextHopGroupKey{Id: id, NextHopGroup: g}
}

func TestAFTIndex(t *testing.T) {
	x := NewAFTIndex()

	if err := x.AddNextHop(aftNH(0, "192.0.2.1")); !IsInvalidArgument(err) {
		t.Fatalf("add of zero index next-hop did not fail, got: %v", err)
	}
	for i, a := range []string{"192.0.2.2", "192.0.2.1"} {
		if err := x.AddNextHop(aftNH(uint64(2-i), a)); err != nil {
			t.Fatalf("cannot add next-hop, %v", err)
		}
	}
	if err := x.AddNextHopGroup(aftNHG(1, map[uint64]uint64{3: 1})); !IsNotFound(err) {
		t.Fatalf("add of group with unknown next-hop did not fail, got: %v", err)
	}
	if err := x.AddNextHopGroup(aftNHG(0, map[uint64]uint64{1: 1})); !IsInvalidArgument(err) {
		t.Fatalf("add of zero ID group did not fail, got: %v", err)
	}
	if err := x.AddNextHopGroup(aftNHG(1, nil)); !IsInvalidArgument(err) {
		t.Fatalf("add of empty group did not fail, got: %v", err)
	}
	if err := x.AddNextHopGroup(aftNHG(1, map[uint64]uint64{1: 1 << 30, 2: 0})); err != nil {
		t.Fatalf("cannot add group, %v", err)
	}

	if diff := cmp.Diff([]*aftpb.Afts_NextHopKey{aftNH(1, "192.0.2.1"), aftNH(2, "192.0.2.2")}, x.NextHops(), protocmp.Transform()); diff != "" {
		t.Fatalf("did not get expected next-hops, diff(-want,+got):\n%s", diff)
	}
	if err := x.DeleteNextHop(1); !IsInvalidArgument(err) {
		t.Fatalf("delete of referenced next-hop did not fail, got: %v", err)
	}
	if err := x.DeleteNextHop(42); !IsNotFound(err) {
		t.Fatalf("delete of unknown next-hop did not fail, got: %v", err)
	}

	info, err := x.RouteInfo(&aftpb.Afts_Ipv4EntryKey{
		Prefix:    "10.0.0.0/8",
		Ipv4Entry: &aftpb.Afts_Ipv4Entry{NextHopGroup: &wpb.UintValue{Value: 1}},
	})
	if err != nil {
		t.Fatalf("cannot translate entry, %v", err)
	}
	if info.Dst != netip.MustParseAddr("10.0.0.0") || info.Bits != 8 {
		t.Fatalf("did not get expected destination, got: %s/%d", info.Dst, info.Bits)
	}
	weights := map[netip.Addr]uint32{}
	for _, n := range info.Nexthops {
		weights[n.Attrs.Gateway] = n.Weight
	}
	if diff := cmp.Diff(map[netip.Addr]uint32{gw1: nexthop.MaxWeight, gw2: 0}, weights, addrCmp); diff != "" {
		t.Fatalf("did not get expected weights, diff(-want,+got):\n%s", diff)
	}

	for _, tc := range []struct {
		desc       string
		in         *aftpb.Afts_Ipv4EntryKey
		wantReason reason.Reason
	}{
		{"invalid prefix", &aftpb.Afts_Ipv4EntryKey{Prefix: "10.0.0.0/33"}, reason.InvalidArgument},
		{"IPv6 prefix", &aftpb.Afts_Ipv4EntryKey{Prefix: "2001:db8::/32"}, reason.InvalidArgument},
		{"no group", &aftpb.Afts_Ipv4EntryKey{Prefix: "10.0.0.0/8"}, reason.InvalidArgument},
		{"unknown group", &aftpb.Afts_Ipv4EntryKey{
			Prefix:    "10.0.0.0/8",
			Ipv4Entry: &aftpb.Afts_Ipv4Entry{NextHopGroup: &wpb.UintValue{Value: 2}},
		}, reason.NotFound},
	} {
		if _, err := x.RouteInfo(tc.in); reason.Of(err) != tc.wantReason {
			t.Errorf("%s: did not get expected error, got: %v, want reason: %q", tc.desc, err, tc.wantReason)
		}
	}

	x.Clear()
	if len(x.NextHops()) != 0 || len(x.NextHopGroups()) != 0 {
		t.Fatalf("index not empty after clear")
	}
}
