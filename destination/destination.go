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

package destination

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/atomic"
)

// DefaultAddress is used when no destinations are configured.
const DefaultAddress = "http://localhost:8500"

var errNoDestinations = errors.New("at least one destination is required")

//nolint:gochecknoglobals
var knownSchemes = []string{"http://", "https://", "h2c://"}

// Destination is a normalized base address: scheme, host and port. It never
// carries a trailing slash.
type Destination struct {
	url *url.URL
}

// Parse normalizes the given address into a Destination. Leading and trailing
// slashes are removed and "http://" is assumed when the address has no
// supported scheme.
func Parse(address string) (Destination, error) {
	normalized := Normalize(address)
	if normalized == "" {
		return Destination{}, errors.New("destination address is empty")
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid destination %q: %w", address, err)
	}
	if parsed.Host == "" {
		return Destination{}, fmt.Errorf("invalid destination %q: missing host", address)
	}
	return Destination{url: parsed}, nil
}

// Normalize trims surrounding whitespace and slashes from address and makes
// sure it starts with a protocol. It returns "" for a blank address.
func Normalize(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "/")
	address = strings.TrimSuffix(address, "/")
	if address == "" {
		return ""
	}
	lower := strings.ToLower(address)
	for _, scheme := range knownSchemes {
		if strings.HasPrefix(lower, scheme) {
			return address
		}
	}
	return "http://" + address
}

// Scheme returns the destination's URL scheme, such as "http".
func (d Destination) Scheme() string {
	if d.url == nil {
		return ""
	}
	return d.url.Scheme
}

// Host returns the destination's host:port.
func (d Destination) Host() string {
	if d.url == nil {
		return ""
	}
	return d.url.Host
}

// URL returns the absolute URL for the given path, relative to the
// destination. The path may or may not start with a slash.
func (d Destination) URL(path string) *url.URL {
	u := *d.url
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = ""
	return &u
}

func (d Destination) String() string {
	if d.url == nil {
		return ""
	}
	return d.url.String()
}

// Set is an ordered list of destinations with a movable cursor. It is safe
// for concurrent use.
type Set struct {
	destinations []Destination
	cursor       *atomic.Int64
}

// NewSet parses and normalizes the given addresses into a Set, in order. The
// cursor starts at the first destination.
func NewSet(addresses ...string) (*Set, error) {
	if len(addresses) == 0 {
		return nil, errNoDestinations
	}
	destinations := make([]Destination, 0, len(addresses))
	for _, address := range addresses {
		dest, err := Parse(address)
		if err != nil {
			return nil, err
		}
		destinations = append(destinations, dest)
	}
	return &Set{
		destinations: destinations,
		cursor:       atomic.NewInt64(0),
	}, nil
}

// Len returns the number of destinations.
func (s *Set) Len() int {
	return len(s.destinations)
}

// Get returns the destination at index i.
func (s *Set) Get(i int) Destination {
	return s.destinations[i]
}

// All returns a copy of the destinations, in order.
func (s *Set) All() []Destination {
	return append([]Destination(nil), s.destinations...)
}

// Current returns the index of the current destination and the destination
// itself.
func (s *Set) Current() (int, Destination) {
	i := int(s.cursor.Load())
	return i, s.destinations[i]
}

// Failover is called after a request against the destination at index
// observed failed. It reports whether the caller should retry against the
// (possibly new) current destination.
//
// If destinations remain after observed, the cursor is advanced only if it
// still points at observed, and Failover returns true. If observed is the
// last destination and the cursor still points at it, every destination has
// been tried: the cursor is reset to the first destination and Failover
// returns false. If another caller already moved the cursor away from the
// last destination, Failover returns true without touching it.
//
// The cursor only ever moves by compare-and-swap from observed, so it stays
// within bounds however callers interleave.
func (s *Set) Failover(observed int) bool {
	if observed+1 < len(s.destinations) {
		s.cursor.CompareAndSwap(int64(observed), int64(observed+1))
		return true
	}
	return !s.cursor.CompareAndSwap(int64(observed), 0)
}

// Reset moves the cursor back to the first destination.
func (s *Set) Reset() {
	s.cursor.Store(0)
}
