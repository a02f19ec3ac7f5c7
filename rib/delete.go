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

	log "github.com/golang/glog"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/internal/reason"
)

// Delete removes the route for exactly the prefix pfx from t.
//
// Where match is nil the whole route is removed. Where the route is
// multipath, the members selected by match are removed and the route is
// kept with the remaining nexthops, which returns a CHANGE. Otherwise match
// must select the route's nexthop. A prefix that is not present, or a match
// that selects nothing, returns a not found error without changing t.
func (t *Table) Delete(pfx netip.Prefix, match MatchFunc) (*ChangeRecord, error) {
	rec, err := t.delete(pfx, match)
	t.metrics.op("delete", err)
	return rec, err
}

func (t *Table) delete(pfx netip.Prefix, match MatchFunc) (*ChangeRecord, error) {
	if !pfx.IsValid() {
		return nil, reason.Errorf(reason.InvalidArgument, "invalid prefix")
	}
	pfx = pfx.Masked()

	t.mu.Lock()
	r, ok := t.routes.Get(pfx)
	if !ok {
		t.mu.Unlock()
		return nil, reason.Errorf(reason.NotFound, "prefix %s not found in table %s", pfx, t)
	}
	st := r.state.Load()

	if match != nil {
		if st.nh.IsGroup() {
			next, err := t.composeDel(st, match)
			if err != nil {
				t.mu.Unlock()
				return nil, err
			}
			if next != nil {
				r.state.Store(next)
				t.gen.Inc()
				rec := t.record(constants.CHANGE, r, st.nh, next.nh)
				t.notify(constants.IMMEDIATE, rec)
				g := t.epoch.Enter()
				t.mu.Unlock()

				t.metrics.update(t)
				log.V(2).Infof("%s: removed nexthops of %s, %s replaced by %s", t, pfx, st.nh, next.nh)
				t.publish(g, rec)
				t.release(st.nh)
				return rec, nil
			}
		} else if !match(st.nh.Members()[0].NH) {
			t.mu.Unlock()
			return nil, reason.Errorf(reason.NotFound, "nexthop %s of %s does not match", st.nh, pfx)
		}
	}

	rec := t.unlink(r)
	t.notify(constants.IMMEDIATE, rec)
	g := t.epoch.Enter()
	t.mu.Unlock()

	t.metrics.update(t)
	log.V(2).Infof("%s: deleted %s", t, r)
	t.publish(g, rec)
	t.release(st.nh)
	return rec, nil
}

// unlink removes r from the prefix store and returns the record of its
// deletion. It must be called with mu held.
func (t *Table) unlink(r *Route) *ChangeRecord {
	if _, ok := t.routes.Delete(r.prefix); !ok {
		panic("rib: unlink of route " + r.prefix.String() + " that is not in the table")
	}
	r.up.Store(false)
	t.gen.Inc()
	return t.record(constants.DELETE, r, r.state.Load().nh, nil)
}
