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

// Package catalog registers entities in the service catalog, lists its
// contents and resolves service names to addresses.
//
// Service subjects may carry lookup parameters in query syntax, such as
// "web?dc=dc2&tag=v2". The recognized parameters are dc, tag, near,
// node-meta, passing and stale.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bufbuild/consulwatch/dispatch"
	"github.com/bufbuild/consulwatch/stream"
	"github.com/bufbuild/consulwatch/watch"
	"github.com/hashicorp/consul/api"
)

// DefaultWaitTime is how long the service may hold a blocking query open
// before answering with an unchanged index.
const DefaultWaitTime = 55 * time.Second

// ErrNoServiceEntries is returned when a service has no entry to pick.
var ErrNoServiceEntries = errors.New("no service entries")

// Option configures a Catalog.
type Option interface {
	apply(*Catalog)
}

// WithRequestOptions configures request options applied to every request,
// before the options given to an individual call.
func WithRequestOptions(options ...dispatch.RequestOption) Option {
	return optionFunc(func(c *Catalog) {
		c.baseOptions = append(c.baseOptions, options...)
	})
}

// WithWatchOptions configures the registry of address watch sessions.
func WithWatchOptions(options ...watch.Option) Option {
	return optionFunc(func(c *Catalog) {
		c.watchOptions = append(c.watchOptions, options...)
	})
}

// WithWaitTime configures the wait window requested for blocking queries.
// If not specified, DefaultWaitTime is used.
func WithWaitTime(wait time.Duration) Option {
	return optionFunc(func(c *Catalog) {
		c.waitTime = wait
	})
}

// WithPassingOnly configures whether address lookups only consider service
// instances whose health checks pass. The default is true.
func WithPassingOnly(passing bool) Option {
	return optionFunc(func(c *Catalog) {
		c.passingOnly = passing
	})
}

// WithPicker configures how an entry is chosen among n candidates. pick
// must return a value in [0, n). If not specified, entries are chosen
// uniformly at random.
func WithPicker(pick func(n int) int) Option {
	return optionFunc(func(c *Catalog) {
		c.pick = pick
	})
}

type optionFunc func(*Catalog)

func (f optionFunc) apply(c *Catalog) {
	f(c)
}

// Catalog wraps the catalog and health HTTP APIs.
type Catalog struct {
	dispatcher   *dispatch.Dispatcher
	registry     *watch.Registry[string]
	baseOptions  []dispatch.RequestOption
	watchOptions []watch.Option
	waitTime     time.Duration
	passingOnly  bool
	pick         func(n int) int
}

// New returns a catalog that sends its requests through dispatcher.
func New(dispatcher *dispatch.Dispatcher, options ...Option) *Catalog {
	catalog := &Catalog{
		dispatcher:  dispatcher,
		waitTime:    DefaultWaitTime,
		passingOnly: true,
		pick:        rand.IntN,
	}
	for _, opt := range options {
		opt.apply(catalog)
	}
	catalog.registry = watch.NewRegistry(stream.NewComparable[string], catalog.watchOptions...)
	return catalog
}

// RegisterEntity registers a node, and optionally a service and a check,
// in the catalog.
func (c *Catalog) RegisterEntity(ctx context.Context, reg *api.CatalogRegistration, options ...dispatch.RequestOption) (bool, error) {
	return c.write(ctx, "v1/catalog/register", reg, options)
}

// DeregisterEntity removes a node, service or check from the catalog.
func (c *Catalog) DeregisterEntity(ctx context.Context, dereg *api.CatalogDeregistration, options ...dispatch.RequestOption) (bool, error) {
	return c.write(ctx, "v1/catalog/deregister", dereg, options)
}

// ListDatacenters returns the names of all known datacenters.
func (c *Catalog) ListDatacenters(ctx context.Context, options ...dispatch.RequestOption) ([]string, error) {
	var datacenters []string
	if err := c.read(ctx, "v1/catalog/datacenters", &datacenters, options); err != nil {
		return nil, err
	}
	return datacenters, nil
}

// ListNodes returns the nodes registered in the catalog.
func (c *Catalog) ListNodes(ctx context.Context, options ...dispatch.RequestOption) ([]*api.Node, error) {
	var nodes []*api.Node
	if err := c.read(ctx, "v1/catalog/nodes", &nodes, options); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListServices returns the registered services and their tags.
func (c *Catalog) ListServices(ctx context.Context, options ...dispatch.RequestOption) (map[string][]string, error) {
	var services map[string][]string
	if err := c.read(ctx, "v1/catalog/services", &services, options); err != nil {
		return nil, err
	}
	return services, nil
}

// ListNodeServices returns a node and the services registered on it, or
// nil if the node is unknown.
func (c *Catalog) ListNodeServices(ctx context.Context, node string, options ...dispatch.RequestOption) (*api.CatalogNode, error) {
	var result *api.CatalogNode
	err := c.read(ctx, "v1/catalog/node/"+url.PathEscape(node), &result, options)
	if errors.Is(err, dispatch.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListNodesForService returns the service entries matching subject. Unlike
// address lookups it does not filter on health unless the subject or the
// options ask for it.
func (c *Catalog) ListNodesForService(ctx context.Context, subject string, options ...dispatch.RequestOption) ([]*api.ServiceEntry, error) {
	resp, err := c.dispatcher.Send(ctx, c.serviceRequest(subject, false, options...))
	if err != nil {
		return nil, err
	}
	var entries []*api.ServiceEntry
	if err := dispatch.DecodeJSON(resp, &entries); err != nil {
		return nil, fmt.Errorf("listing service %q: %w", subject, err)
	}
	return entries, nil
}

// Close stops every address watch and waits for their goroutines to exit.
func (c *Catalog) Close() error {
	return c.registry.Close()
}

func (c *Catalog) request(method, path string, options ...dispatch.RequestOption) *dispatch.Request {
	return dispatch.NewRequest(method, path,
		dispatch.WithOptions(c.baseOptions...),
		dispatch.WithOptions(options...),
	)
}

// serviceRequest builds a health lookup for subject. Subject parameters
// override the base options and are overridden by options.
func (c *Catalog) serviceRequest(subject string, healthy bool, options ...dispatch.RequestOption) *dispatch.Request {
	name, params := dispatch.SplitSubject(subject)
	return c.request(http.MethodGet, "v1/health/service/"+url.PathEscape(strings.Trim(name, "/")),
		dispatch.WithPassingOnly(healthy && c.passingOnly),
		dispatch.SubjectOptions(params),
		dispatch.WithOptions(options...),
	)
}

func (c *Catalog) read(ctx context.Context, path string, into any, options []dispatch.RequestOption) error {
	resp, err := c.dispatcher.Send(ctx, c.request(http.MethodGet, path, options...))
	if err != nil {
		return err
	}
	if err := dispatch.DecodeJSON(resp, into); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

func (c *Catalog) write(ctx context.Context, path string, payload any, options []dispatch.RequestOption) (bool, error) {
	req := c.request(http.MethodPut, path, options...)
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encoding %s payload: %w", path, err)
	}
	req.Body = body
	resp, err := c.dispatcher.Send(ctx, req)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := dispatch.DecodeJSON(resp, &ok); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	return ok, nil
}
