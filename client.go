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

package consulwatch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bufbuild/consulwatch/catalog"
	"github.com/bufbuild/consulwatch/destination"
	"github.com/bufbuild/consulwatch/dispatch"
	"github.com/bufbuild/consulwatch/kv"
	"github.com/bufbuild/consulwatch/watch"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ClientOption is an option used to customize the behavior of a client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithAddresses configures the destinations of the client, in failover
// order. If not specified, the CONSUL_ADDRESS environment variable is
// used, and if that is unset, destination.DefaultAddress.
func WithAddresses(addresses ...string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.addresses = addresses
	})
}

// WithDatacenter configures the datacenter every request targets. If not
// specified, the CONSUL_DC environment variable is used, and if that is
// unset, the datacenter of the agent answering the request.
func WithDatacenter(dc string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.datacenter = dc
	})
}

// WithToken configures the ACL token sent with every request.
func WithToken(token string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.token = token
	})
}

// WithLogger configures the logger of the client. If not specified, errors
// are logged as JSON to stderr, or everything down to debug level in
// development format if CONSUL_DEBUG or DEBUG is "true".
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithHTTPClient configures the HTTP client used to reach destinations. If
// not specified, a client supporting the http, https and h2c schemes is
// used. The client should not have a timeout shorter than the wait time of
// blocking queries.
func WithHTTPClient(client *http.Client) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.httpClient = client
	})
}

// WithRetryInterval configures the delay before a failed request is
// replayed against the next destination. If not specified,
// dispatch.DefaultRetryInterval is used.
func WithRetryInterval(interval time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryInterval = interval
	})
}

// WithMaxRetries configures how many consecutive failed polls a watch
// retries before it reports the error and stops. If not specified,
// watch.DefaultMaxRetries is used.
func WithMaxRetries(retries int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxRetries = retries
	})
}

// WithSettleDelay configures the delay before a watch polls again after an
// unchanged result or a failure. If not specified, watch.DefaultSettleDelay
// is used.
func WithSettleDelay(delay time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.settleDelay = delay
	})
}

// WithWaitTime configures how long the service may hold a blocking query
// open. If not specified, kv.DefaultWaitTime is used.
func WithWaitTime(wait time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.waitTime = wait
	})
}

// WithRootContext configures the root context of the watch goroutines. If
// not specified, [context.Background] is used.
//
// Cancelling the context stops every watch. It may be used to eagerly free
// resources, but Close should still be called.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// Client accesses the key/value store and the catalog of the service.
type Client struct {
	dispatcher *dispatch.Dispatcher
	kv         *kv.Store
	catalog    *catalog.Catalog
}

// NewClient returns a new client configured by the given options.
func NewClient(options ...ClientOption) (*Client, error) {
	opts := clientOptions{
		maxRetries:    watch.DefaultMaxRetries,
		settleDelay:   watch.DefaultSettleDelay,
		retryInterval: dispatch.DefaultRetryInterval,
		waitTime:      kv.DefaultWaitTime,
		getenv:        os.Getenv,
	}
	for _, opt := range options {
		opt.apply(&opts)
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	destinations, err := destination.NewSet(opts.addresses...)
	if err != nil {
		return nil, fmt.Errorf("configuring destinations: %w", err)
	}
	dispatchOptions := []dispatch.Option{
		dispatch.WithRetryInterval(opts.retryInterval),
		dispatch.WithLogger(opts.logger),
	}
	if opts.httpClient != nil {
		dispatchOptions = append(dispatchOptions, dispatch.WithHTTPClient(opts.httpClient))
	}
	dispatcher := dispatch.New(destinations, dispatchOptions...)

	requestOptions := []dispatch.RequestOption{
		dispatch.WithDatacenter(opts.datacenter),
		dispatch.WithToken(opts.token),
	}
	watchOptions := []watch.Option{
		watch.WithMaxRetries(opts.maxRetries),
		watch.WithSettleDelay(opts.settleDelay),
		watch.WithRootContext(opts.rootCtx),
	}
	opts.logger.Debug("client created",
		zap.Stringers("destinations", destinations.All()),
		zap.String("datacenter", opts.datacenter),
	)
	return &Client{
		dispatcher: dispatcher,
		kv: kv.NewStore(dispatcher,
			kv.WithRequestOptions(requestOptions...),
			kv.WithWatchOptions(append(watchOptions, watch.WithLogger(opts.logger.Named("kv")))...),
			kv.WithWaitTime(opts.waitTime),
		),
		catalog: catalog.New(dispatcher,
			catalog.WithRequestOptions(requestOptions...),
			catalog.WithWatchOptions(append(watchOptions, watch.WithLogger(opts.logger.Named("catalog")))...),
			catalog.WithWaitTime(opts.waitTime),
		),
	}, nil
}

// KV returns the key/value store.
func (c *Client) KV() *kv.Store {
	return c.kv
}

// Catalog returns the service catalog.
func (c *Client) Catalog() *catalog.Catalog {
	return c.catalog
}

// Destinations returns the destinations of the client.
func (c *Client) Destinations() *destination.Set {
	return c.dispatcher.Destinations()
}

// Close stops every watch, waits for their goroutines to exit and releases
// idle connections. The client must not be used after it is closed.
func (c *Client) Close() error {
	return multierr.Combine(
		c.kv.Close(),
		c.catalog.Close(),
		c.dispatcher.Close(),
	)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	addresses     []string
	datacenter    string
	token         string
	logger        *zap.Logger
	httpClient    *http.Client
	retryInterval time.Duration
	maxRetries    int
	settleDelay   time.Duration
	waitTime      time.Duration
	rootCtx       context.Context //nolint:containedctx
	getenv        func(string) string
}

func (opts *clientOptions) applyDefaults() error {
	if len(opts.addresses) == 0 {
		opts.addresses = addressesFromEnv(opts.getenv)
	}
	if opts.datacenter == "" {
		opts.datacenter = opts.getenv(envDatacenter)
	}
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		logger, err := newDefaultLogger(debugFromEnv(opts.getenv))
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		opts.logger = logger
	}
	return nil
}
