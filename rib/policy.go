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

import "github.com/openconfig/ribctl/nexthop"

// decision is the outcome of adding a route to an occupied prefix.
type decision int

const (
	// decisionReject keeps the incumbent and fails the add as a duplicate.
	decisionReject decision = iota
	// decisionOverride replaces the incumbent's nexthop with the
	// candidate's.
	decisionOverride
	// decisionMerge combines the nexthops of both routes into a group.
	decisionMerge
)

func (d decision) String() string {
	switch d {
	case decisionOverride:
		return "override"
	case decisionMerge:
		return "merge"
	}
	return "reject"
}

// decide determines what happens when the candidate route is added to a
// prefix held by the incumbent. The rules are evaluated in order:
//
//  1. a pinned candidate overrides an incumbent that is not pinned.
//  2. a pinned incumbent is kept over a candidate that is not pinned.
//  3. where multipath is enabled and the nexthops of both routes can be
//     group members, they are merged.
//  4. otherwise the incumbent is kept.
func decide(incumbent, candidate *routeState, multipath bool) decision {
	ip, cp := incumbent.flags&RoutePinned != 0, candidate.flags&RoutePinned != 0
	switch {
	case cp && !ip:
		return decisionOverride
	case ip && !cp:
		return decisionReject
	case multipath && mergeable(incumbent.nh) && mergeable(candidate.nh):
		return decisionMerge
	}
	return decisionReject
}

// mergeable reports whether every nexthop of r can be a group member.
func mergeable(r nexthop.Ref) bool {
	if r == nil {
		return false
	}
	for _, m := range r.Members() {
		if !m.NH.MultipathEligible() {
			return false
		}
	}
	return true
}
