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

// Package watch turns a request/response API with change tokens into
// push-style value streams.
//
// A [Registry] maps subjects (a key path, a service name) to watch sessions.
// Each session owns a [stream.Stream] and a goroutine that repeatedly issues
// blocking queries through a [Poller], carrying the last change token it
// saw:
//
//   - A new token pushes the returned value to the stream and polls again
//     right away with that token.
//   - The same token means nothing changed within the server's wait window;
//     the session waits for the settle delay and polls again without
//     pushing.
//   - An error, including the subject not being found, is retried after the
//     settle delay up to the configured number of retries. Once they are
//     exhausted the error is reported on the stream's error listeners and
//     the session stops. Callers must call Watch again to resume.
//
// Before acting on any response a session checks that its subject is still
// registered and its stream still active, so [Registry.Ignore] guarantees no
// further notification even if a poll was in flight. Ignore also cancels the
// in-flight poll instead of waiting for the server to answer it.
package watch
