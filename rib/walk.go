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
)

// RoutePredicate selects routes to be removed by WalkDelete.
type RoutePredicate func(*Entry) bool

// WalkDelete removes every route of t selected by pred, and returns the
// number removed. The table is locked once for the whole walk.
func (t *Table) WalkDelete(pred RoutePredicate) int {
	n := t.walkDelete(pred)
	t.metrics.op("walk_delete", nil)
	return n
}

func (t *Table) walkDelete(pred RoutePredicate) int {
	t.mu.Lock()
	var unlinked []*Route
	t.routes.Walk(func(_ netip.Prefix, r *Route) bool {
		if pred(r.Entry()) {
			unlinked = append(unlinked, r)
		}
		return true
	})
	recs := make([]*ChangeRecord, 0, len(unlinked))
	for _, r := range unlinked {
		rec := t.unlink(r)
		t.notify(constants.IMMEDIATE, rec)
		recs = append(recs, rec)
	}
	g := t.epoch.Enter()
	t.mu.Unlock()

	if len(recs) == 0 {
		g.Exit()
		return 0
	}
	t.metrics.update(t)
	log.V(2).Infof("%s: walk deleted %d routes", t, len(recs))
	t.publish(g, recs...)
	for _, rec := range recs {
		t.release(rec.Old)
	}
	return len(recs)
}

// Flush removes every route of t that is not pinned.
func (t *Table) Flush() int {
	return t.WalkDelete(func(e *Entry) bool { return e.Flags&RoutePinned == 0 })
}

// FlushAll removes every route of t.
func (t *Table) FlushAll() int {
	return t.WalkDelete(func(*Entry) bool { return true })
}
