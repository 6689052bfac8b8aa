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

package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bufbuild/consulwatch/destination"
	"github.com/bufbuild/consulwatch/internal"
	"go.uber.org/zap"
)

// DefaultRetryInterval is the delay between two attempts of the same
// request against consecutive destinations.
const DefaultRetryInterval = time.Second

// Builder builds the transport-level request for one attempt of a logical
// request. It is called once per attempt, with the destination in effect
// when that attempt starts, so it must be repeatable.
type Builder interface {
	Build(ctx context.Context, dest destination.Destination) (*http.Request, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, dest destination.Destination) (*http.Request, error)

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, dest destination.Destination) (*http.Request, error) {
	return f(ctx, dest)
}

// Option configures a Dispatcher.
type Option interface {
	apply(*Dispatcher)
}

// WithHTTPClient configures the HTTP client used to reach destinations.
// If not specified, a client using the transport returned by NewTransport
// is used.
func WithHTTPClient(client *http.Client) Option {
	return optionFunc(func(d *Dispatcher) {
		d.client = client
	})
}

// WithRetryInterval configures the delay before retrying a failed request
// against the next destination. If not specified, DefaultRetryInterval is
// used. A zero interval retries immediately.
func WithRetryInterval(interval time.Duration) Option {
	return optionFunc(func(d *Dispatcher) {
		d.retryInterval = interval
	})
}

// WithLogger configures the logger used to report failovers.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(d *Dispatcher) {
		d.logger = logger
	})
}

type optionFunc func(*Dispatcher)

func (f optionFunc) apply(d *Dispatcher) {
	f(d)
}

// Dispatcher sends requests to the current destination of a set, failing
// over to the next one on transport errors. It is safe for concurrent use.
type Dispatcher struct {
	destinations  *destination.Set
	client        *http.Client
	clock         internal.Clock
	retryInterval time.Duration
	logger        *zap.Logger
}

// New returns a dispatcher over the given destinations.
func New(destinations *destination.Set, options ...Option) *Dispatcher {
	dispatcher := &Dispatcher{
		destinations:  destinations,
		clock:         internal.NewRealClock(),
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range options {
		opt.apply(dispatcher)
	}
	if dispatcher.client == nil {
		dispatcher.client = &http.Client{Transport: NewTransport()}
	}
	if dispatcher.logger == nil {
		dispatcher.logger = zap.NewNop()
	}
	return dispatcher
}

// Destinations returns the destination set used by the dispatcher.
func (d *Dispatcher) Destinations() *destination.Set {
	return d.destinations
}

// Send delivers the request built by b to the current destination. On a
// transport failure it advances the destination cursor and tries again
// after the retry interval, until every destination has been tried once.
//
// The returned response, which may have any status code, must be closed by
// the caller. The error is non-nil only if no destination could be reached
// or ctx was cancelled.
func (d *Dispatcher) Send(ctx context.Context, b Builder) (*http.Response, error) {
	maxAttempts := d.destinations.Len()
	for attempt := 1; ; attempt++ {
		observed, dest := d.destinations.Current()
		req, err := b.Build(ctx, dest)
		if err != nil {
			return nil, fmt.Errorf("building request for %s: %w", dest, err)
		}
		resp, err := d.client.Do(req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			// Cancellation says nothing about the destination's health.
			return nil, err
		}
		if retry := d.destinations.Failover(observed); !retry || attempt >= maxAttempts {
			if retry {
				// The attempt budget ran out while other callers were moving
				// the cursor.
				d.destinations.Reset()
			}
			d.logger.Debug("request failed on every destination",
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		_, next := d.destinations.Current()
		d.logger.Warn("request failed, trying next destination",
			zap.Stringer("destination", dest),
			zap.Stringer("next", next),
			zap.Error(err),
		)
		if err := internal.Sleep(ctx, d.clock, d.retryInterval); err != nil {
			return nil, err
		}
	}
}

// Close releases idle connections held by the dispatcher's HTTP client.
func (d *Dispatcher) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
