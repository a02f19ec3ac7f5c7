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
	"cmp"
	"net/netip"
	"slices"
	"sync"

	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
	"google.golang.org/protobuf/proto"

	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
)

// AFTIndex records the gRIBI next-hops and next-hop-groups of a network
// instance, such that IPv4 entries that refer to a next-hop-group by its
// identifier can be translated to routes. It also records the IPv4 entries
// that were programmed, such that they can be returned to a gRIBI client.
type AFTIndex struct {
	// mu protects all fields of the index.
	mu sync.RWMutex
	// nhs maps a next-hop index to the next-hop that was programmed.
	nhs map[uint64]*aftpb.Afts_NextHopKey
	// nhgs maps a next-hop-group ID to the group that was programmed.
	nhgs map[uint64]*aftpb.Afts_NextHopGroupKey
	// ipv4 maps a prefix to the IPv4 entry that was programmed.
	ipv4 map[netip.Prefix]*aftpb.Afts_Ipv4EntryKey
}

// NewAFTIndex returns an empty AFTIndex.
func NewAFTIndex() *AFTIndex {
	return &AFTIndex{
		nhs:  map[uint64]*aftpb.Afts_NextHopKey{},
		nhgs: map[uint64]*aftpb.Afts_NextHopGroupKey{},
		ipv4: map[netip.Prefix]*aftpb.Afts_Ipv4EntryKey{},
	}
}

// AttrsFromNextHop returns the nexthop attributes described by the gRIBI
// next-hop nh.
func AttrsFromNextHop(nh *aftpb.Afts_NextHop) (nexthop.Attrs, error) {
	var a nexthop.Attrs
	if s := nh.GetIpAddress().GetValue(); s != "" {
		gw, err := netip.ParseAddr(s)
		if err != nil {
			return a, reason.Errorf(reason.InvalidArgument, "invalid next-hop address %q, %v", s, err)
		}
		a.Gateway = gw
	}
	a.Interface = nh.GetInterfaceRef().GetInterface().GetValue()
	if !a.Gateway.IsValid() && a.Interface == "" {
		return a, reason.Errorf(reason.InvalidArgument, "next-hop has neither an address nor an interface")
	}
	return a, nil
}

// AddNextHop adds or replaces the next-hop e.
func (x *AFTIndex) AddNextHop(e *aftpb.Afts_NextHopKey) error {
	if e.GetIndex() == 0 {
		return reason.Errorf(reason.InvalidArgument, "invalid index zero for next-hop")
	}
	if _, err := AttrsFromNextHop(e.GetNextHop()); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nhs[e.GetIndex()] = proto.Clone(e).(*aftpb.Afts_NextHopKey)
	return nil
}

// DeleteNextHop removes the next-hop with index idx. It fails if the
// next-hop is used by a next-hop-group.
func (x *AFTIndex) DeleteNextHop(idx uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.nhs[idx]; !ok {
		return reason.Errorf(reason.NotFound, "next-hop %d not found", idx)
	}
	for id, g := range x.nhgs {
		for _, n := range g.GetNextHopGroup().GetNextHop() {
			if n.GetIndex() == idx {
				return reason.Errorf(reason.InvalidArgument, "next-hop %d is used by next-hop-group %d", idx, id)
			}
		}
	}
	delete(x.nhs, idx)
	return nil
}

// AddNextHopGroup adds or replaces the next-hop-group e. Every next-hop of
// the group must already be present.
func (x *AFTIndex) AddNextHopGroup(e *aftpb.Afts_NextHopGroupKey) error {
	if e.GetId() == 0 {
		return reason.Errorf(reason.InvalidArgument, "invalid zero ID for next-hop-group")
	}
	members := e.GetNextHopGroup().GetNextHop()
	if len(members) == 0 {
		return reason.Errorf(reason.InvalidArgument, "next-hop-group %d has no next-hops", e.GetId())
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, n := range members {
		if _, ok := x.nhs[n.GetIndex()]; !ok {
			return reason.Errorf(reason.NotFound, "next-hop-group %d refers to unknown next-hop %d", e.GetId(), n.GetIndex())
		}
	}
	x.nhgs[e.GetId()] = proto.Clone(e).(*aftpb.Afts_NextHopGroupKey)
	return nil
}

// DeleteNextHopGroup removes the next-hop-group with the ID id. It fails if
// the group is used by an IPv4 entry.
func (x *AFTIndex) DeleteNextHopGroup(id uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.nhgs[id]; !ok {
		return reason.Errorf(reason.NotFound, "next-hop-group %d not found", id)
	}
	for p, e := range x.ipv4 {
		if e.GetIpv4Entry().GetNextHopGroup().GetValue() == id {
			return reason.Errorf(reason.InvalidArgument, "next-hop-group %d is used by IPv4 entry %s", id, p)
		}
	}
	delete(x.nhgs, id)
	return nil
}

// RouteInfo translates the IPv4 entry e into a route, resolving its
// next-hop-group against the index.
func (x *AFTIndex) RouteInfo(e *aftpb.Afts_Ipv4EntryKey) (*RouteInfo, error) {
	pfx, err := netip.ParsePrefix(e.GetPrefix())
	if err != nil {
		return nil, reason.Errorf(reason.InvalidArgument, "invalid IPv4 prefix %q, %v", e.GetPrefix(), err)
	}
	if !pfx.Addr().Is4() {
		return nil, reason.Errorf(reason.InvalidArgument, "prefix %s is not IPv4", pfx)
	}
	id := e.GetIpv4Entry().GetNextHopGroup().GetValue()
	if id == 0 {
		return nil, reason.Errorf(reason.InvalidArgument, "invalid zero-index next-hop-group in IPv4 entry %s", pfx)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	g, ok := x.nhgs[id]
	if !ok {
		return nil, reason.Errorf(reason.NotFound, "IPv4 entry %s refers to unknown next-hop-group %d", pfx, id)
	}
	info := &RouteInfo{
		Dst:  pfx.Addr(),
		Bits: pfx.Bits(),
	}
	for _, n := range g.GetNextHopGroup().GetNextHop() {
		nh, ok := x.nhs[n.GetIndex()]
		if !ok {
			return nil, reason.Errorf(reason.NotFound, "next-hop-group %d refers to unknown next-hop %d", id, n.GetIndex())
		}
		a, err := AttrsFromNextHop(nh.GetNextHop())
		if err != nil {
			return nil, err
		}
		w := n.GetNextHop().GetWeight().GetValue()
		if w > uint64(nexthop.MaxWeight) {
			w = uint64(nexthop.MaxWeight)
		}
		info.Nexthops = append(info.Nexthops, NexthopSpec{Attrs: a, Weight: uint32(w)})
	}
	return info, nil
}

// SetIPv4 records that the IPv4 entry e has been programmed.
func (x *AFTIndex) SetIPv4(pfx netip.Prefix, e *aftpb.Afts_Ipv4EntryKey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ipv4[pfx.Masked()] = proto.Clone(e).(*aftpb.Afts_Ipv4EntryKey)
}

// ClearIPv4 records that the IPv4 entry for pfx has been removed.
func (x *AFTIndex) ClearIPv4(pfx netip.Prefix) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.ipv4, pfx.Masked())
}

// IPv4 returns the programmed IPv4 entry for pfx.
func (x *AFTIndex) IPv4(pfx netip.Prefix) (*aftpb.Afts_Ipv4EntryKey, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.ipv4[pfx.Masked()]
	return e, ok
}

// IPv4Entries returns the programmed IPv4 entries ordered by prefix.
func (x *AFTIndex) IPv4Entries() []*aftpb.Afts_Ipv4EntryKey {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pfxs := make([]netip.Prefix, 0, len(x.ipv4))
	for p := range x.ipv4 {
		pfxs = append(pfxs, p)
	}
	slices.SortFunc(pfxs, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Bits(), b.Bits())
	})
	out := make([]*aftpb.Afts_Ipv4EntryKey, 0, len(pfxs))
	for _, p := range pfxs {
		out = append(out, x.ipv4[p])
	}
	return out
}

// NextHops returns the programmed next-hops ordered by index.
func (x *AFTIndex) NextHops() []*aftpb.Afts_NextHopKey {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*aftpb.Afts_NextHopKey, 0, len(x.nhs))
	for _, n := range x.nhs {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *aftpb.Afts_NextHopKey) int {
		return cmp.Compare(a.GetIndex(), b.GetIndex())
	})
	return out
}

// NextHopGroups returns the programmed next-hop-groups ordered by ID.
func (x *AFTIndex) NextHopGroups() []*aftpb.Afts_NextHopGroupKey {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*aftpb.Afts_NextHopGroupKey, 0, len(x.nhgs))
	for _, g := range x.nhgs {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *aftpb.Afts_NextHopGroupKey) int {
		return cmp.Compare(a.GetId(), b.GetId())
	})
	return out
}

// Clear removes every entry from the index.
func (x *AFTIndex) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	clear(x.nhs)
	clear(x.nhgs)
	clear(x.ipv4)
}

