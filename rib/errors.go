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

import "github.com/openconfig/ribctl/internal/reason"

// Errors returned by a Table are gRPC status errors whose code reflects the
// failure, and which carry an ErrorInfo detail naming the reason. The
// functions below classify them.

// IsInvalidArgument reports whether err indicates a malformed request.
func IsInvalidArgument(err error) bool { return reason.Of(err) == reason.InvalidArgument }

// IsResourceExhausted reports whether err indicates that a nexthop or group
// could not be allocated.
func IsResourceExhausted(err error) bool { return reason.Of(err) == reason.ResourceExhausted }

// IsDuplicate reports whether err indicates that an add targeted a prefix
// held by a route that it does not outrank.
func IsDuplicate(err error) bool { return reason.Of(err) == reason.Duplicate }

// IsNotFound reports whether err indicates a missing prefix or a match that
// selected no nexthop.
func IsNotFound(err error) bool { return reason.Of(err) == reason.NotFound }

// IsContention reports whether err indicates that a change lost the race
// with other writers on every attempt. The change can be retried.
func IsContention(err error) bool { return reason.Of(err) == reason.Contention }

// IsUnsupported reports whether err indicates a request that the table's
// configuration does not permit.
func IsUnsupported(err error) bool { return reason.Of(err) == reason.Unsupported }
