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
	"context"
	"time"

	log "github.com/golang/glog"
)

// ExpireRoutes removes every route of t whose expiry is not after now, and
// returns the number removed.
func (t *Table) ExpireRoutes(now time.Time) int {
	return t.WalkDelete(func(e *Entry) bool {
		return !e.Expire.IsZero() && !e.Expire.After(now)
	})
}

// ExpireRoutes removes the expired routes from every table in r and returns
// the number removed.
func (r *RIB) ExpireRoutes(now time.Time) int {
	var n int
	for _, t := range r.Tables() {
		n += t.ExpireRoutes(now)
	}
	return n
}

// RunExpiry removes expired routes from the tables of r every interval,
// until ctx is done.
func (r *RIB) RunExpiry(ctx context.Context, interval time.Duration) error {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tk.C:
			if n := r.ExpireRoutes(now); n != 0 {
				log.Infof("expired %d routes", n)
			}
		}
	}
}
