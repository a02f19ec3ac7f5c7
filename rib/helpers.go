// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
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

	"github.com/openconfig/ribctl/constants"

	aftpb "github.com/openconfig/gribi/v1/proto/gribi_aft"
	spb "github.com/openconfig/gribi/v1/proto/service"
	wpb "github.com/openconfig/ygot/proto/ywrapper"
)

// FromGetResponses returns a RIB from a slice of gRIBI GetResponse messages.
// The supplied defaultName is used as the default network instance name.
func FromGetResponses(defaultName string, responses []*spb.GetResponse, opt ...TableOpt) (*RIB, error) {
	r := New(defaultName, opt...)
	niAFTs := map[string]*aftpb.Afts{}

	for _, resp := range responses {
		for _, e := range resp.Entry {
			ni := e.GetNetworkInstance()
			if ni == "" {
				ni = defaultName
			}
			if _, ok := niAFTs[ni]; !ok {
				niAFTs[ni] = &aftpb.Afts{}
			}
			switch t := e.GetEntry().(type) {
			case *spb.AFTEntry_Ipv4:
				niAFTs[ni].Ipv4Entry = append(niAFTs[ni].Ipv4Entry, t.Ipv4)
			case *spb.AFTEntry_NextHopGroup:
				niAFTs[ni].NextHopGroup = append(niAFTs[ni].NextHopGroup, t.NextHopGroup)
			case *spb.AFTEntry_NextHop:
				niAFTs[ni].NextHop = append(niAFTs[ni].NextHop, t.NextHop)
			default:
				return nil, fmt.Errorf("unknown/unhandled type %T in received GetResponses", t)
			}
		}
	}

	// Entries are applied in dependency order, next-hops first, since the
	// responses may be returned in any order.
	for ni, a := range niAFTs {
		if ni != defaultName {
			if err := r.AddNetworkInstance(ni); err != nil {
				return nil, fmt.Errorf("cannot create network instance RIB for NI %s, err: %v", ni, err)
			}
		}
		h, _ := r.NetworkInstanceRIB(ni)
		for _, nh := range a.NextHop {
			if err := h.aft.AddNextHop(nh); err != nil {
				return nil, fmt.Errorf("cannot add next-hop %d to NI %s, err: %v", nh.GetIndex(), ni, err)
			}
		}
		for _, nhg := range a.NextHopGroup {
			if err := h.aft.AddNextHopGroup(nhg); err != nil {
				return nil, fmt.Errorf("cannot add next-hop-group %d to NI %s, err: %v", nhg.GetId(), ni, err)
			}
		}
		for _, e := range a.Ipv4Entry {
			if err := h.ProgramIPv4(e); err != nil {
				return nil, fmt.Errorf("cannot add IPv4 entry %s to NI %s, err: %v", e.GetPrefix(), ni, err)
			}
		}
	}

	return r, nil
}

// ProgramIPv4 installs the gRIBI IPv4 entry e into the IPv4 table of h,
// replacing any existing route for its prefix, and records it in the AFT
// index.
func (h *RIBHolder) ProgramIPv4(e *aftpb.Afts_Ipv4EntryKey) error {
	info, err := h.aft.RouteInfo(e)
	if err != nil {
		return err
	}
	if _, err := h.tables[constants.IPV4].Replace(info); err != nil {
		return err
	}
	h.aft.SetIPv4(netip.PrefixFrom(info.Dst, info.Bits), e)
	return nil
}

// RemoveIPv4 removes the route for the gRIBI IPv4 entry e from the IPv4
// table of h.
func (h *RIBHolder) RemoveIPv4(e *aftpb.Afts_Ipv4EntryKey) error {
	pfx, err := netip.ParsePrefix(e.GetPrefix())
	if err != nil {
		return fmt.Errorf("invalid IPv4 prefix %q, %v", e.GetPrefix(), err)
	}
	if _, err := h.tables[constants.IPV4].Delete(pfx, nil); err != nil {
		return err
	}
	h.aft.ClearIPv4(pfx)
	return nil
}

// Flush removes every route from the tables of h and clears its AFT
// index. It returns the number of routes removed.
func (h *RIBHolder) Flush() int {
	n := 0
	for _, f := range families {
		n += h.tables[f].FlushAll()
	}
	h.aft.Clear()
	return n
}

// fakeRIB is a RIB for use in testing which exposes methods that can be used to more easily
// construct a RIB's contents.
type fakeRIB struct {
	r *RIB
}

// NewFake returns a new Fake RIB.
func NewFake(defaultName string, opt ...TableOpt) *fakeRIB {
	return &fakeRIB{
		r: New(defaultName, opt...),
	}
}

// RIB returns the constructed fake RIB to the caller.
func (f *fakeRIB) RIB() *RIB {
	return f.r
}

// InjectIPv4 adds an IPv4 entry to network instance ni, with the specified
// prefix (pfx), and referencing the specified next-hop-group with index nhg.
// It returns an error if the entry cannot be injected.
func (f *fakeRIB) InjectIPv4(ni, pfx string, nhg uint64) error {
	niR, ok := f.r.NetworkInstanceRIB(ni)
	if !ok {
		return fmt.Errorf("unknown NI, %s", ni)
	}
	if err := niR.ProgramIPv4(&aftpb.Afts_Ipv4EntryKey{
		Prefix: pfx,
		Ipv4Entry: &aftpb.Afts_Ipv4Entry{
			NextHopGroup: &wpb.UintValue{Value: nhg},
		},
	}); err != nil {
		return fmt.Errorf("cannot add IPv4 entry, err: %v", err)
	}
	return nil
}

// InjectNHG adds a next-hop-group entry to network instance ni, with the specified
// ID (nhgId). The next-hop-group contains the next hops specified in the nhs map,
// with the key of the map being the next-hop ID and the value being the weight within
// the group.
func (f *fakeRIB) InjectNHG(ni string, nhgId uint64, nhs map[uint64]uint64) error {
	niR, ok := f.r.NetworkInstanceRIB(ni)
	if !ok {
		return fmt.Errorf("unknown NI, %s", ni)
	}

	nhg := &aftpb.Afts_NextHopGroupKey{
		Id:           nhgId,
		NextHopGroup: &aftpb.Afts_NextHopGroup{},
	}
	for nh, weight := range nhs {
		nhg.NextHopGroup.NextHop = append(nhg.NextHopGroup.NextHop, &aftpb.Afts_NextHopGroup_NextHopKey{
			Index: nh,
			NextHop: &aftpb.Afts_NextHopGroup_NextHop{
				Weight: &wpb.UintValue{Value: weight},
			},
		})
	}

	if err := niR.aft.AddNextHopGroup(nhg); err != nil {
		return fmt.Errorf("cannot add NHG entry, err: %v", err)
	}

	return nil
}

// InjectNH adds a next-hop entry to network instance ni, with the specified
// index (nhIdx), gateway address addr and interface ref to intName. Either
// of addr and intName may be empty. An error is returned if it cannot be
// added.
func (f *fakeRIB) InjectNH(ni string, nhIdx uint64, addr, intName string) error {
	niR, ok := f.r.NetworkInstanceRIB(ni)
	if !ok {
		return fmt.Errorf("unknown NI, %s", ni)
	}

	nh := &aftpb.Afts_NextHop{}
	if addr != "" {
		nh.IpAddress = &wpb.StringValue{Value: addr}
	}
	if intName != "" {
		nh.InterfaceRef = &aftpb.Afts_NextHop_InterfaceRef{
			Interface: &wpb.StringValue{Value: intName},
		}
	}
	if err := niR.aft.AddNextHop(&aftpb.Afts_NextHopKey{
		Index:   nhIdx,
		NextHop: nh,
	}); err != nil {
		return fmt.Errorf("cannot add NH entry, err: %v", err)
	}

	return nil
}
