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

package nexthop

import (
	"net/netip"
	"sync"

	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/ptable"
)

// Resolver is implemented by the interface and address subsystem, it is
// called synchronously while a nexthop is built.
type Resolver interface {
	// ResolveInterface returns the name of the interface through which the
	// gateway gw is directly reachable.
	ResolveInterface(gw netip.Addr) (string, error)
}

// ConnectedResolver resolves gateways against a set of connected subnets,
// using the longest matching subnet.
type ConnectedResolver struct {
	// mu serialises writers, reads are lock free.
	mu      sync.Mutex
	subnets *ptable.Table[string]
}

// NewConnectedResolver returns a resolver with the connected subnets in
// subnets, keyed by prefix with the interface name as the value.
func NewConnectedResolver(subnets map[netip.Prefix]string) *ConnectedResolver {
	c := &ConnectedResolver{subnets: ptable.New[string]()}
	for p, i := range subnets {
		c.subnets.InsertIfAbsent(p, i)
	}
	return c
}

// AddSubnet records that pfx is directly connected via the interface
// ifName, replacing any existing entry.
func (c *ConnectedResolver) AddSubnet(pfx netip.Prefix, ifName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subnets.InsertIfAbsent(pfx, ifName); !ok {
		c.subnets.Replace(pfx, ifName)
	}
}

// RemoveSubnet removes the connected subnet pfx.
func (c *ConnectedResolver) RemoveSubnet(pfx netip.Prefix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subnets.Delete(pfx)
}

// ResolveInterface implements Resolver.
func (c *ConnectedResolver) ResolveInterface(gw netip.Addr) (string, error) {
	if i, ok := c.subnets.Lookup(gw); ok {
		return i, nil
	}
	return "", reason.Errorf(reason.NotFound, "gateway %s is not directly reachable", gw)
}
