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

// Package destination models the candidate base addresses of the remote
// service and the cursor that marks which of them is currently in use.
//
// A [Set] is immutable after construction except for its cursor. The cursor
// is shared by every in-flight request of a dispatcher and is only ever
// moved with compare-and-swap from an index the caller observed, so two
// requests that fail against the same destination advance it once.
package destination
