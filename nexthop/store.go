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
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"github.com/openconfig/ribctl/internal/reason"
	"go.uber.org/atomic"
)

// Store creates, deduplicates and releases nexthops and groups.
//
// Every successful Get, Derive or Group call returns an object holding one
// reference that the caller owns and must hand back with Release. The Store
// itself holds no reference - an object is removed from the Store when its
// last reference is released.
type Store struct {
	// mu protects the nhs and groups maps, and the decision to free an
	// object whose count has reached zero.
	mu sync.Mutex
	// nhs is the set of live nexthops keyed by their normalised attributes.
	nhs map[Attrs]*Nexthop
	// groups is the set of live groups keyed by their content.
	groups map[string]*Group

	// limit is the maximum number of live objects, zero is unlimited.
	limit int
	// resolver is used to find the egress interface of a gateway when it
	// is not specified.
	resolver Resolver

	nextID atomic.Uint64
}

// StoreOpt is an interface implemented by options that can be handed to
// NewStore.
type StoreOpt interface {
	isStoreOpt()
}

type limitOpt struct{ n int }

func (*limitOpt) isStoreOpt() {}

// WithLimit specifies the maximum number of nexthops and groups that the
// store may hold at once. Requests beyond the limit fail with a resource
// exhausted error.
func WithLimit(n int) *limitOpt {
	return &limitOpt{n: n}
}

type resolverOpt struct{ r Resolver }

func (*resolverOpt) isStoreOpt() {}

// WithResolver specifies the resolver used to find the egress interface of
// nexthops that are created with a gateway but no interface.
func WithResolver(r Resolver) *resolverOpt {
	return &resolverOpt{r: r}
}

// NewStore returns a new, empty Store.
func NewStore(opts ...StoreOpt) *Store {
	s := &Store{
		nhs:    map[Attrs]*Nexthop{},
		groups: map[string]*Group{},
	}
	for _, o := range opts {
		switch v := o.(type) {
		case *limitOpt:
			s.limit = v.n
		case *resolverOpt:
			s.resolver = v.r
		}
	}
	return s
}

// full reports whether creating a new object would exceed the limit. It
// must be called with mu held.
func (s *Store) full() bool {
	return s.limit != 0 && len(s.nhs)+len(s.groups) >= s.limit
}

// Len returns the number of live nexthops and groups in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nhs) + len(s.groups)
}

// Get returns a nexthop with the attributes a, creating it if an identical
// nexthop does not already exist.
func (s *Store) Get(a Attrs) (*Nexthop, error) {
	a = a.normalise()
	if a.Flags&FlagReject != 0 && a.Flags&FlagBlackhole != 0 {
		return nil, reason.Errorf(reason.InvalidArgument, "nexthop cannot be both reject and blackhole")
	}
	if a.Gateway.IsValid() && a.Interface == "" && s.resolver != nil {
		// Resolution happens before the store lock is taken since the
		// resolver may block.
		ifName, err := s.resolver.ResolveInterface(a.Gateway)
		if err != nil {
			return nil, err
		}
		a.Interface = ifName
	}
	if !a.Gateway.IsValid() && a.Interface == "" && a.Flags&(FlagReject|FlagBlackhole) == 0 {
		return nil, reason.Errorf(reason.InvalidArgument, "nexthop requires a gateway or an interface")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nhs[a]; ok {
		n.refs.Inc()
		return n, nil
	}
	if s.full() {
		return nil, reason.Errorf(reason.ResourceExhausted, "cannot allocate nexthop %v, store limit %d reached", a.Gateway, s.limit)
	}
	n := &Nexthop{
		id:    s.nextID.Inc(),
		attrs: a,
	}
	n.self = []Member{{NH: n, Weight: DefaultWeight}}
	n.refs.Store(1)
	s.nhs[a] = n
	log.V(2).Infof("created nexthop %d: %s", n.id, n)
	return n, nil
}

// Derive returns a nexthop built from the attributes of base with d
// applied. The reference held by the caller on base is not consumed.
func (s *Store) Derive(base *Nexthop, d Delta) (*Nexthop, error) {
	if base == nil {
		return nil, reason.Errorf(reason.InvalidArgument, "cannot derive from nil nexthop")
	}
	return s.Get(d.Apply(base.attrs))
}

// Group returns a group with the members ms, creating it if a group with
// identical members and weights does not exist. The caller's references on
// the member nexthops are not consumed - the group takes its own.
func (s *Store) Group(ms []Member) (*Group, error) {
	cm, err := canonicalMembers(ms)
	if err != nil {
		return nil, reason.Errorf(reason.InvalidArgument, "invalid group, %v", err)
	}
	key := groupKey(cm)

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[key]; ok {
		g.refs.Inc()
		return g, nil
	}
	if s.full() {
		return nil, reason.Errorf(reason.ResourceExhausted, "cannot allocate group of %d members, store limit %d reached", len(cm), s.limit)
	}
	g := &Group{
		id:      s.nextID.Inc(),
		key:     key,
		members: cm,
	}
	for _, m := range cm {
		m.NH.refs.Inc()
	}
	g.refs.Store(1)
	s.groups[key] = g
	log.V(2).Infof("created group %d: %s", g.id, g)
	return g, nil
}

// Acquire takes an additional reference to r, which the caller must
// already hold a reference to.
func (s *Store) Acquire(r Ref) {
	switch v := r.(type) {
	case *Nexthop:
		if v.refs.Inc() <= 1 {
			panic(fmt.Sprintf("nexthop: acquire of unreferenced nexthop %s", v))
		}
	case *Group:
		if v.refs.Inc() <= 1 {
			panic(fmt.Sprintf("nexthop: acquire of unreferenced group %s", v))
		}
	}
}

// Release drops one reference to r. When the last reference is dropped the
// object is removed from the store and marked freed, and a group releases
// its references to its members.
func (s *Store) Release(r Ref) {
	switch v := r.(type) {
	case *Nexthop:
		s.releaseNexthop(v)
	case *Group:
		s.releaseGroup(v)
	case nil:
	default:
		panic(fmt.Sprintf("nexthop: release of unknown reference type %T", r))
	}
}

func (s *Store) releaseNexthop(n *Nexthop) {
	c := n.refs.Dec()
	switch {
	case c > 0:
		return
	case c < 0:
		panic(fmt.Sprintf("nexthop: negative reference count for %s", n))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent Get may have found n and taken a new reference between
	// the decrement and acquiring the lock.
	if n.refs.Load() != 0 || n.freed.Load() {
		return
	}
	delete(s.nhs, n.attrs)
	n.freed.Store(true)
	log.V(2).Infof("freed nexthop %d: %s", n.id, n)
}

func (s *Store) releaseGroup(g *Group) {
	c := g.refs.Dec()
	switch {
	case c > 0:
		return
	case c < 0:
		panic(fmt.Sprintf("nexthop: negative reference count for %s", g))
	}
	s.mu.Lock()
	if g.refs.Load() != 0 || g.freed.Load() {
		s.mu.Unlock()
		return
	}
	delete(s.groups, g.key)
	g.freed.Store(true)
	s.mu.Unlock()
	log.V(2).Infof("freed group %d: %s", g.id, g)

	for _, m := range g.members {
		s.releaseNexthop(m.NH)
	}
}
