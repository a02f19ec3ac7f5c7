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

// Package afthelper provides helper functions for summarising the forwarding
// state held in a RIB.
package afthelper

import (
	"fmt"
	"net/netip"

	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/rib"
)

// NextHopSummary provides a summary of an next-hop for a particular entry.
type NextHopSummary struct {
	// Weight is the share of traffic that the next-hop gets.
	Weight uint64 `json:"weight"`
	// Address is the IP address of the next-hop.
	Address string `json:"address"`
	// Interface is the egress interface of the next-hop, if known.
	Interface string `json:"interface,omitempty"`
	// NetworkInstance is the network instance within which the address was resolved.
	NetworkInstance string `json:"network-instance"`
}

// NextHopAddrsForPrefix returns the next-hops of the route for exactly prefix
// within the network-instance netinst of r. It returns a map of next-hop IP
// address to a summary of the next-hop.
func NextHopAddrsForPrefix(r *rib.RIB, netinst, prefix string) (map[string]*NextHopSummary, error) {
	pfx, err := netip.ParsePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid prefix %s, %v", prefix, err)
	}
	tbl, err := r.Table(netinst, constants.FamilyOf(pfx.Addr()))
	if err != nil {
		return nil, fmt.Errorf("network instance %s does not exist", netinst)
	}

	g := tbl.Enter()
	defer g.Exit()
	e, ok := tbl.Get(pfx)
	if !ok {
		return nil, fmt.Errorf("cannot find prefix %s in network instance %s", prefix, netinst)
	}
	return summarise(tbl.NetworkInstance(), e)
}

// NextHopAddrsForAddr returns the next-hops of the longest prefix route
// matching addr within the network-instance netinst of r.
func NextHopAddrsForAddr(r *rib.RIB, netinst, addr string) (map[string]*NextHopSummary, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s, %v", addr, err)
	}
	tbl, err := r.Table(netinst, constants.FamilyOf(a))
	if err != nil {
		return nil, fmt.Errorf("network instance %s does not exist", netinst)
	}

	g := tbl.Enter()
	defer g.Exit()
	e, ok := tbl.Lookup(a)
	if !ok {
		return nil, fmt.Errorf("no route to %s in network instance %s", addr, netinst)
	}
	return summarise(tbl.NetworkInstance(), e)
}

// summarise must be called within a guard taken before e was read.
func summarise(ni string, e *rib.Entry) (map[string]*NextHopSummary, error) {
	ret := map[string]*NextHopSummary{}
	for _, m := range e.Nexthop.Members() {
		gw := m.NH.Gateway()
		if !gw.IsValid() {
			return nil, fmt.Errorf("invalid next-hop %s for %s, no address", m.NH, e.Prefix)
		}
		w := m.Weight
		if !e.Nexthop.IsGroup() {
			w = e.Weight
		}
		ret[gw.String()] = &NextHopSummary{
			Address:         gw.String(),
			Weight:          uint64(w),
			Interface:       m.NH.Interface(),
			NetworkInstance: ni,
		}
	}
	return ret, nil
}
