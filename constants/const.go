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

// package constants defines constants that are shared amongst multiple ribctl packages.
package constants

import (
	"net/netip"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

// OpType indicates the type of operation that was performed in contexts where it
// is not available, such as callbacks to user-provided functions.
type OpType int64

const (
	_ OpType = iota
	// ADD indicates that a prefix was inserted into a table.
	ADD
	// DELETE indicates that a prefix was removed from a table.
	DELETE
	// CHANGE indicates that the nexthop, weight or expiry of an existing
	// prefix was replaced.
	CHANGE
)

// String returns the name of the operation.
func (o OpType) String() string {
	switch o {
	case ADD:
		return "ADD"
	case DELETE:
		return "DELETE"
	case CHANGE:
		return "CHANGE"
	}
	return "UNKNOWN"
}

// aftopMap maps from the gRIBI proto AFT operation to an OpType. A gRIBI
// REPLACE is a CHANGE of an existing entry.
var aftopMap = map[spb.AFTOperation_Operation]OpType{
	spb.AFTOperation_ADD:     ADD,
	spb.AFTOperation_DELETE:  DELETE,
	spb.AFTOperation_REPLACE: CHANGE,
}

// OpFromAFTOp returns an OpType from the AFT operation in the gRIBI
// protobuf.
func OpFromAFTOp(o spb.AFTOperation_Operation) OpType {
	return aftopMap[o]
}

// Timing describes when a subscriber is told about a change to a table.
type Timing int64

const (
	_ Timing = iota
	// IMMEDIATE subscribers are invoked while the table lock is held, as
	// part of the mutation.
	IMMEDIATE
	// DELAYED subscribers are invoked after the table lock is released,
	// before the mutating call returns.
	DELAYED
)

// String returns the name of the timing.
func (t Timing) String() string {
	switch t {
	case IMMEDIATE:
		return "IMMEDIATE"
	case DELAYED:
		return "DELAYED"
	}
	return "UNKNOWN"
}

// Family is an enumerated type describing the address families for which
// a routing table can be created.
type Family int64

const (
	_ Family = iota
	// IPV4 specifies the IPv4 unicast table.
	IPV4
	// IPV6 specifies the IPv6 unicast table.
	IPV6
)

// String returns the name of the address family.
func (f Family) String() string {
	switch f {
	case IPV4:
		return "IPV4"
	case IPV6:
		return "IPV6"
	}
	return "UNKNOWN"
}

// BitLen returns the length in bits of addresses in the family, or zero
// for an unknown family.
func (f Family) BitLen() int {
	switch f {
	case IPV4:
		return 32
	case IPV6:
		return 128
	}
	return 0
}

// FamilyOf returns the family of the address a. IPv4-mapped IPv6 addresses
// are considered IPv6.
func FamilyOf(a netip.Addr) Family {
	switch {
	case a.Is4():
		return IPV4
	case a.Is6():
		return IPV6
	}
	return 0
}

// AFT is an enumerated type describing the AFTs that are exposed through
// gRIBI.
type AFT int64

const (
	_ AFT = iota
	// ALL specifies all AFTs.
	ALL
	// IPV4AFT specifies the IPv4 AFT.
	IPV4AFT
	// NEXTHOP specifies the next-hop AFT.
	NEXTHOP
	// NEXTHOPGROUP specifies the next-hop-group AFT.
	NEXTHOPGROUP
)

// aftMap maps between an AFT enumerated type and the specified type in the
// gRIBI protobuf.
var aftMap = map[AFT]spb.AFTType{
	ALL:          spb.AFTType_ALL,
	IPV4AFT:      spb.AFTType_IPV4,
	NEXTHOP:      spb.AFTType_NEXTHOP,
	NEXTHOPGROUP: spb.AFTType_NEXTHOP_GROUP,
}

// AFTTypeFromAFT returns the gRIBI AFTType from the enumerated AFT type.
func AFTTypeFromAFT(a AFT) spb.AFTType {
	return aftMap[a]
}
