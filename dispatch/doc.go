// Copyright 2023-2025 Buf Technologies, Inc.
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

// Package dispatch sends logical requests to the remote service through a
// [destination.Set], failing over to the next destination when the
// transport fails.
//
// Only transport-level failures (connection refused, reset, DNS errors,
// timeouts) trigger failover. Any HTTP response, whatever its status code,
// is a business-level outcome and is returned to the caller unchanged; use
// [CheckResponse] to turn non-2xx statuses into a [*StatusError].
//
// Each call tries every destination at most once, waiting a fixed interval
// between attempts. When all of them have failed the destination cursor is
// reset, so the next independent call starts again at the first destination.
package dispatch
