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
	"cmp"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/atomic"
)

const (
	// DefaultWeight is the weight given to a member for which no weight,
	// or a zero weight, is specified.
	DefaultWeight uint32 = 1
	// MaxWeight is the largest weight a member can have, larger weights
	// are capped to this value.
	MaxWeight uint32 = 1<<24 - 1
)

// Member is one weighted nexthop within a group.
type Member struct {
	// NH is the member nexthop.
	NH *Nexthop
	// Weight is the member's share of traffic relative to the other members.
	Weight uint32
}

// NormaliseWeight returns w clamped to the range of valid weights.
func NormaliseWeight(w uint32) uint32 {
	switch {
	case w == 0:
		return DefaultWeight
	case w > MaxWeight:
		return MaxWeight
	}
	return w
}

// compareMembers orders members by their content, such that two groups
// built from the same members in a different order are identical.
func compareMembers(a, b Member) int {
	if c := a.NH.attrs.Gateway.Compare(b.NH.attrs.Gateway); c != 0 {
		return c
	}
	if c := strings.Compare(a.NH.attrs.Interface, b.NH.attrs.Interface); c != 0 {
		return c
	}
	if c := cmp.Compare(a.NH.attrs.Flags, b.NH.attrs.Flags); c != 0 {
		return c
	}
	return cmp.Compare(a.Weight, b.Weight)
}

// groupKey returns the key used to deduplicate a group with the sorted
// members ms.
func groupKey(ms []Member) string {
	var b strings.Builder
	for i, m := range ms {
		if i != 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d:%d", m.NH.id, m.Weight)
	}
	return b.String()
}

// Group is a multipath nexthop - a set of weighted nexthops that is used as
// a single nexthop by a route.
type Group struct {
	// id is the store-assigned identifier of the group.
	id uint64
	// key is the content key under which the group is deduplicated.
	key string
	// members is the sorted set of members of the group.
	members []Member

	refs  atomic.Int32
	freed atomic.Bool
}

func (*Group) isRef() {}

// ID returns the identifier that the Store assigned to g.
func (g *Group) ID() uint64 { return g.id }

// IsGroup implements Ref.
func (*Group) IsGroup() bool { return true }

// Members implements Ref.
func (g *Group) Members() []Member { return g.members }

// Freed implements Ref.
func (g *Group) Freed() bool { return g.freed.Load() }

// RefCount returns the current number of references held to g.
func (g *Group) RefCount() int { return int(g.refs.Load()) }

// Weight returns the weight of the member nh within g, and whether it is a
// member.
func (g *Group) Weight(nh *Nexthop) (uint32, bool) {
	for _, m := range g.members {
		if m.NH == nh {
			return m.Weight, true
		}
	}
	return 0, false
}

// String implements Ref.
func (g *Group) String() string {
	var b strings.Builder
	b.WriteString("group{")
	for i, m := range g.members {
		if i != 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s weight %d", m.NH, m.Weight)
	}
	b.WriteString("}")
	return b.String()
}

// canonicalMembers validates ms and returns a sorted copy with normalised
// weights.
func canonicalMembers(ms []Member) ([]Member, error) {
	if len(ms) < 2 {
		return nil, fmt.Errorf("a group requires at least two members, got %d", len(ms))
	}
	out := make([]Member, 0, len(ms))
	seen := map[*Nexthop]bool{}
	for _, m := range ms {
		switch {
		case m.NH == nil:
			return nil, fmt.Errorf("nil nexthop in group members")
		case m.NH.Freed():
			return nil, fmt.Errorf("released nexthop %s in group members", m.NH)
		case !m.NH.MultipathEligible():
			return nil, fmt.Errorf("nexthop %s cannot be a multipath member", m.NH)
		case seen[m.NH]:
			return nil, fmt.Errorf("duplicate nexthop %s in group members", m.NH)
		}
		seen[m.NH] = true
		out = append(out, Member{NH: m.NH, Weight: NormaliseWeight(m.Weight)})
	}
	slices.SortFunc(out, compareMembers)
	return out, nil
}
