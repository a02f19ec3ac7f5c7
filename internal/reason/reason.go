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

// Package reason builds the gRPC status errors that are returned by the
// routing table packages. Each error carries an ErrorInfo detail naming the
// failure class so that callers can distinguish, for example, a lost
// conditional swap from a missing prefix without parsing messages.
package reason

import (
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the ErrorInfo domain used for all errors.
const Domain = "ribctl.openconfig.net"

// Reason is the class of a failure.
type Reason string

const (
	// Unknown is returned for errors that were not built by this package.
	Unknown Reason = ""
	// InvalidArgument indicates a malformed request.
	InvalidArgument Reason = "INVALID_ARGUMENT"
	// ResourceExhausted indicates an allocation failure.
	ResourceExhausted Reason = "RESOURCE_EXHAUSTED"
	// Duplicate indicates that an add targeted an occupied slot that it
	// does not outrank.
	Duplicate Reason = "DUPLICATE"
	// NotFound indicates a missing prefix or unmatched nexthop.
	NotFound Reason = "NOT_FOUND"
	// Contention indicates that a conditional swap lost too many races.
	Contention Reason = "CONTENTION"
	// Unsupported indicates a request the table's policy does not allow.
	Unsupported Reason = "UNSUPPORTED"
)

// codeMap maps each reason to the gRPC code that it is reported with.
var codeMap = map[Reason]codes.Code{
	InvalidArgument:   codes.InvalidArgument,
	ResourceExhausted: codes.ResourceExhausted,
	Duplicate:         codes.AlreadyExists,
	NotFound:          codes.NotFound,
	Contention:        codes.Aborted,
	Unsupported:       codes.Unimplemented,
}

// Code returns the gRPC code for the reason r.
func (r Reason) Code() codes.Code {
	if c, ok := codeMap[r]; ok {
		return c
	}
	return codes.Unknown
}

// Errorf returns a status error for reason r with the formatted message.
func Errorf(r Reason, format string, args ...any) error {
	s := status.New(r.Code(), fmt.Sprintf(format, args...))
	ds, err := s.WithDetails(&errdetails.ErrorInfo{
		Reason: string(r),
		Domain: Domain,
	})
	if err != nil {
		// Only fails if the detail cannot be marshalled, which would be a
		// programming error. Fall back to the bare status.
		return s.Err()
	}
	return ds.Err()
}

// Of returns the reason carried by err, or Unknown.
func Of(err error) Reason {
	if err == nil {
		return Unknown
	}
	s, ok := status.FromError(err)
	if !ok {
		return Unknown
	}
	for _, d := range s.Details() {
		if ei, ok := d.(*errdetails.ErrorInfo); ok && ei.GetDomain() == Domain {
			return Reason(ei.GetReason())
		}
	}
	return Unknown
}
