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
	"time"

	log "github.com/golang/glog"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
)

// MaxChangeRetries is the number of attempts that Change makes to swap the
// state of a route before failing with a contention error.
const MaxChangeRetries = 3

// MissingPolicy determines the behaviour of Change when the prefix is not
// present.
type MissingPolicy int

const (
	// MissingFail returns a not found error.
	MissingFail MissingPolicy = iota
	// MissingAdd adds a route whose nexthop is built by applying the delta
	// to empty attributes.
	MissingAdd
)

// ChangeRequest describes a change to an existing route.
type ChangeRequest struct {
	// Delta is applied to the route's nexthop. For a multipath route it is
	// applied to the member selected by Match.
	Delta nexthop.Delta
	// Weight, when set, replaces the weight of the route, or of the
	// selected member of a multipath route.
	Weight *uint32
	// Expire, when set, replaces the expiry of the route. The zero time
	// removes the expiry.
	Expire *time.Time
	// Match must select the route's nexthop when set. It is required for
	// a multipath route and must select exactly one member.
	Match MatchFunc
	// IfMissing determines the behaviour when the prefix is not present.
	IfMissing MissingPolicy
}

// beforeSwap is called by Change after the candidate state is built and
// before the table is locked to swap it. It is overridden by unit tests to
// inject competing writers.
var beforeSwap = func(*Table, netip.Prefix) {}

// Change modifies the nexthop, weight or expiry of the route for exactly
// the prefix pfx.
//
// The candidate state is built from a lock-free snapshot of the route and
// is stored only if the route has not changed since the snapshot was taken.
// Where another writer changed it, the candidate is rebuilt from the new
// state. A contention error is returned when MaxChangeRetries attempts all
// lose the race. A request that leaves the route's nexthop and weight as
// they are, and sets no expiry, changes nothing: no record is returned and
// the generation is not incremented.
func (t *Table) Change(pfx netip.Prefix, req *ChangeRequest) (*ChangeRecord, error) {
	rec, err := t.change(pfx, req)
	t.metrics.op("change", err)
	return rec, err
}

func (t *Table) change(pfx netip.Prefix, req *ChangeRequest) (*ChangeRecord, error) {
	switch {
	case !pfx.IsValid():
		return nil, reason.Errorf(reason.InvalidArgument, "invalid prefix")
	case req == nil:
		return nil, reason.Errorf(reason.InvalidArgument, "nil change request")
	}
	pfx = pfx.Masked()

	for attempt := 1; attempt <= MaxChangeRetries; attempt++ {
		g := t.epoch.Enter()
		r, ok := t.routes.Get(pfx)
		if !ok {
			g.Exit()
			if req.IfMissing == MissingAdd {
				return t.add(missingInfo(pfx, req), false)
			}
			return nil, reason.Errorf(reason.NotFound, "prefix %s not found in table %s", pfx, t)
		}
		prior := r.state.Load()
		next, err := t.changed(prior, req)
		g.Exit()
		if err != nil {
			return nil, err
		}
		if req.Expire == nil && nexthop.Equal(next.nh, prior.nh) && next.weight == prior.weight {
			t.store.Release(next.nh)
			log.V(2).Infof("%s: change of %s leaves %s as it is", t, pfx, prior.nh)
			return nil, nil
		}

		beforeSwap(t, pfx)

		t.mu.Lock()
		if cur, ok := t.routes.Get(pfx); !ok || cur != r || !r.state.CompareAndSwap(prior, next) {
			t.mu.Unlock()
			t.store.Release(next.nh)
			t.metrics.retry()
			log.V(2).Infof("%s: change of %s lost race on attempt %d", t, pfx, attempt)
			continue
		}
		if req.Expire != nil {
			r.setExpire(*req.Expire)
		}
		t.gen.Inc()
		rec := t.record(constants.CHANGE, r, prior.nh, next.nh)
		t.notify(constants.IMMEDIATE, rec)
		pg := t.epoch.Enter()
		t.mu.Unlock()

		t.metrics.update(t)
		log.V(2).Infof("%s: changed %s, %s replaced by %s", t, pfx, prior.nh, next.nh)
		t.publish(pg, rec)
		t.release(prior.nh)
		return rec, nil
	}
	return nil, reason.Errorf(reason.Contention, "change of %s in table %s lost %d races", pfx, t, MaxChangeRetries)
}

// changed returns the state that results from applying req to st. The
// caller owns the reference held by the returned state. It must be called
// within an epoch guard.
func (t *Table) changed(st *routeState, req *ChangeRequest) (*routeState, error) {
	if !st.nh.IsGroup() {
		cur := st.nh.Members()[0].NH
		if req.Match != nil && !req.Match(cur) {
			return nil, reason.Errorf(reason.NotFound, "nexthop %s does not match", cur)
		}
		n, err := t.store.Derive(cur, req.Delta)
		if err != nil {
			return nil, err
		}
		next := &routeState{nh: n, weight: st.weight, flags: st.flags}
		if req.Weight != nil {
			next.weight = nexthop.NormaliseWeight(*req.Weight)
		}
		return next, nil
	}

	idx, err := selectMember(st.nh, req.Match)
	if err != nil {
		return nil, err
	}
	ms := members(st)
	n, err := t.store.Derive(ms[idx].NH, req.Delta)
	if err != nil {
		return nil, err
	}
	// The group holds its own reference to the derived member.
	defer t.store.Release(n)
	ms[idx].NH = n
	if req.Weight != nil {
		ms[idx].Weight = *req.Weight
	}
	grp, err := t.store.Group(ms)
	if err != nil {
		return nil, err
	}
	return &routeState{nh: grp, weight: st.weight, flags: st.flags}, nil
}

// missingInfo returns the route added by a change with the MissingAdd
// policy.
func missingInfo(pfx netip.Prefix, req *ChangeRequest) *RouteInfo {
	info := &RouteInfo{
		Dst:      pfx.Addr(),
		Bits:     pfx.Bits(),
		Nexthops: []NexthopSpec{{Attrs: req.Delta.Apply(nexthop.Attrs{})}},
	}
	if req.Weight != nil {
		info.Weight = *req.Weight
	}
	if req.Expire != nil {
		info.Expire = *req.Expire
	}
	return info
}
