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

package catalog

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/bufbuild/consulwatch/dispatch"
	"github.com/bufbuild/consulwatch/stream"
	"github.com/bufbuild/consulwatch/watch"
	"github.com/hashicorp/consul/api"
)

// defaultPort is used for entries registered without a port.
const defaultPort = 80

// ResolveAddress returns the "host:port" address of one healthy entry of
// the service named by subject, chosen at random.
func (c *Catalog) ResolveAddress(ctx context.Context, subject string, options ...dispatch.RequestOption) (string, error) {
	entry, _, err := c.pickEntry(ctx, subject, 0, options)
	if err != nil {
		return "", err
	}
	return Address(entry), nil
}

// WatchAddress starts watching the service named by subject and returns a
// stream of addresses. Each time the set of entries changes, one healthy
// entry is picked at random and its address is pushed if it differs from
// the last one.
func (c *Catalog) WatchAddress(subject string, options ...dispatch.RequestOption) *stream.Stream[string] {
	return c.registry.Watch(subject, watch.PollerFunc[string](
		func(ctx context.Context, index uint64) (watch.Result[string], error) {
			entry, newIndex, err := c.pickEntry(ctx, subject, index, options)
			if err != nil {
				return watch.Result[string]{}, err
			}
			return watch.Result[string]{Value: Address(entry), Index: newIndex}, nil
		},
	))
}

// IgnoreAddress stops watching the service named by subject.
func (c *Catalog) IgnoreAddress(subject string) {
	c.registry.Ignore(subject)
}

// Address formats the address of entry. The node's address is used when
// the service was registered without one.
func Address(entry *api.ServiceEntry) string {
	var host string
	var port int
	if entry.Service != nil {
		host = entry.Service.Address
		port = entry.Service.Port
	}
	if host == "" && entry.Node != nil {
		host = entry.Node.Address
	}
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// pickEntry issues a health lookup, blocking on index if it is non-zero,
// and returns one entry with the change token of the result.
func (c *Catalog) pickEntry(ctx context.Context, subject string, index uint64, options []dispatch.RequestOption) (*api.ServiceEntry, uint64, error) {
	req := c.serviceRequest(subject, true,
		dispatch.WithOptions(options...),
		dispatch.WithIndex(index, c.waitTime),
	)
	resp, err := c.dispatcher.Send(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	newIndex := dispatch.IndexFromResponse(resp)
	var entries []*api.ServiceEntry
	if err := dispatch.DecodeJSON(resp, &entries); err != nil {
		return nil, 0, fmt.Errorf("looking up service %q: %w", subject, err)
	}
	if len(entries) == 0 {
		return nil, 0, fmt.Errorf("looking up service %q: %w", subject, ErrNoServiceEntries)
	}
	entry := entries[c.pick(len(entries))]
	if newIndex == 0 && entry.Service != nil {
		newIndex = entry.Service.ModifyIndex
	}
	return entry, newIndex, nil
}
