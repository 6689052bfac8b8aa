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

// Package consulwatch is a client for the HTTP API of a Consul-style
// coordination service. It reads and writes keys of the key/value store,
// registers and looks up services in the catalog, and watches both for
// changes.
//
// To create a client use the [NewClient] function. Without options it
// talks to the destinations listed in the CONSUL_ADDRESS environment
// variable, or to http://localhost:8500 if it is unset.
//
// # Failover
//
// A client is configured with an ordered list of destinations. Requests go
// to the current destination. When one fails at the transport level, for
// example because the connection is refused, the client moves to the next
// destination and replays the request, until every destination has been
// tried once. A response with an error status is not a transport failure
// and is returned as is. Concurrent requests that observe the same failure
// advance the current destination only once.
//
// # Watches
//
// [kv.Store.Watch] and [catalog.Catalog.WatchAddress] return a
// [stream.Stream] fed by a long-polling goroutine. The goroutine issues
// blocking queries carrying the last change token seen, so the service
// holds them open until the subject changes. Listeners are notified only
// when the value actually changes. Failed polls are retried after a settle
// delay; after too many consecutive failures the stream receives the error
// and the watch stops. A watch runs until it is ignored or the client is
// closed:
//
//	client, err := consulwatch.NewClient(
//	    consulwatch.WithAddresses("http://10.0.0.1:8500", "http://10.0.0.2:8500"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.KV().Watch("config/app").OnValue(func(value kv.Value) {
//	    // apply the new configuration
//	})
package consulwatch
