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

// Package chk implements checks against the contents of a routing table and
// the change records that it emits. It can be used to determine whether
// a table holds an expected route, or whether an expected change was
// notified.
//
// Package chk relies on the testing package, and therefore is a test only package -
// that should be used as a helper to tests that are executed by 'go test'.
package chk

import (
	"fmt"
	"net/netip"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/openconfig/ribctl/nexthop"
	"github.com/openconfig/ribctl/rib"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// recordOpt is an interface implemented by all options that can be
// handed to HasRecord.
type recordOpt interface {
	isHasRecordOpt()
}

// ignoreGeneration is an option that specifies that the generation
// in the ChangeRecord should be ignored.
type ignoreGeneration struct{}

// isHasRecordOpt implements the recordOpt interface.
func (*ignoreGeneration) isHasRecordOpt() {}

// IgnoreGeneration specifies that the comparison of ChangeRecords should
// ignore the Generation field. It can be used to match the change to a
// particular prefix without caring about how many changes preceded it.
func IgnoreGeneration() *ignoreGeneration {
	return &ignoreGeneration{}
}

// hasIgnoreGeneration checks whether the supplied recordOpt slice contains
// the IgnoreGeneration option.
func hasIgnoreGeneration(opt []recordOpt) bool {
	for _, v := range opt {
		if _, ok := v.(*ignoreGeneration); ok {
			return true
		}
	}
	return false
}

// describe returns a comparable form of the nexthop r.
func describe(r nexthop.Ref) string {
	if r == nil {
		return "<nil>"
	}
	return r.String()
}

// HasRecord checks whether the specified recs slice contains a record with
// the value of want. Nexthops are compared by their description, and neither
// the timestamp nor the route is compared.
func HasRecord(t testing.TB, recs []*rib.ChangeRecord, want *rib.ChangeRecord, opt ...recordOpt) {
	t.Helper()
	ignoreFields := []string{"Timestamp", "Route"}
	if hasIgnoreGeneration(opt) {
		ignoreFields = append(ignoreFields, "Generation")
	}

	opts := []cmp.Option{
		cmpopts.IgnoreFields(rib.ChangeRecord{}, ignoreFields...),
		cmp.Comparer(func(a, b nexthop.Ref) bool { return describe(a) == describe(b) }),
		cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
	}

	for _, r := range recs {
		if cmp.Equal(r, want, opts...) {
			return
		}
	}
	t.Fatalf("records did not contain a record of value %s, got: %v", recordString(want), recordStrings(recs))
}

func recordString(r *rib.ChangeRecord) string {
	return fmt.Sprintf("%s %s/%s %s %s -> %s gen %d", r.Op, r.NetworkInstance, r.Family, r.Prefix, describe(r.Old), describe(r.New), r.Generation)
}

func recordStrings(recs []*rib.ChangeRecord) []string {
	var s []string
	for _, r := range recs {
		s = append(s, recordString(r))
	}
	return s
}

// gateways returns the sorted gateways of the route for pfx in t, and
// whether the route was found.
func gateways(tbl *rib.Table, pfx netip.Prefix) ([]string, bool) {
	g := tbl.Enter()
	defer g.Exit()
	e, ok := tbl.Get(pfx)
	if !ok {
		return nil, false
	}
	var gws []string
	for _, a := range e.Gateways() {
		gws = append(gws, a.String())
	}
	slices.Sort(gws)
	return gws, true
}

// HasRoute checks that the table tbl has a route for exactly the prefix pfx
// whose nexthops have the gateways want, in any order.
func HasRoute(t testing.TB, tbl *rib.Table, pfx string, want ...string) {
	t.Helper()
	p, err := netip.ParsePrefix(pfx)
	if err != nil {
		t.Fatalf("invalid prefix %s, %v", pfx, err)
	}
	got, ok := gateways(tbl, p)
	if !ok {
		t.Fatalf("table %s does not contain a route for %s", tbl, pfx)
	}
	want = slices.Clone(want)
	slices.Sort(want)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("route for %s does not have expected gateways, diff(-want,+got):\n%s", pfx, diff)
	}
}

// HasNoRoute checks that the table tbl has no route for exactly the prefix
// pfx.
func HasNoRoute(t testing.TB, tbl *rib.Table, pfx string) {
	t.Helper()
	p, err := netip.ParsePrefix(pfx)
	if err != nil {
		t.Fatalf("invalid prefix %s, %v", pfx, err)
	}
	if gws, ok := gateways(tbl, p); ok {
		t.Fatalf("table %s contains unexpected route for %s via %v", tbl, pfx, gws)
	}
}

// HasNexthops checks that the nexthop store of tbl holds count objects,
// which can be used to check that nexthops are not leaked once routes are
// removed.
func HasNexthops(t testing.TB, tbl *rib.Table, count int) {
	t.Helper()
	if l := tbl.Store().Len(); l != count {
		t.Fatalf("got unexpected number of nexthops, got: %d, want: %d", l, count)
	}
}

// HasErrorWithStatus checks whether the error err carries a status with
// the code and details set to the values supplied in want.
func HasErrorWithStatus(t testing.TB, err error, want *status.Status) {
	t.Helper()
	s, ok := status.FromError(err)
	if !ok {
		t.Fatalf("error is not a status, got: %v", err)
	}
	ns := s.Proto()
	ns.Message = "" // blank out message so that we don't compare it.
	wp := want.Proto()
	wp.Message = ""
	if !proto.Equal(ns, wp) {
		t.Fatalf("error does not have status %s, got: %s", wp, ns)
	}
}
