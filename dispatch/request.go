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
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bufbuild/consulwatch/destination"
)

const (
	// IndexHeader carries the change token of a blocking query, both in
	// requests and in responses.
	IndexHeader = "X-Consul-Index"
	// TokenHeader carries the ACL token.
	TokenHeader = "X-Consul-Token"
)

// Request is a logical request to the remote service. It is independent of
// any destination and can be built any number of times, so the dispatcher
// can replay it against another destination.
type Request struct {
	Method string
	// Path is relative to the destination, like "v1/kv/foo".
	Path   string
	Query  url.Values
	Header http.Header
	// Body, if non-empty, is sent as a JSON payload.
	Body []byte
}

var _ Builder = (*Request)(nil)

// NewRequest returns a request for the given method and path, customized by
// the given options.
func NewRequest(method, path string, options ...RequestOption) *Request {
	req := &Request{
		Method: method,
		Path:   path,
		Query:  url.Values{},
		Header: http.Header{},
	}
	for _, opt := range options {
		opt.apply(req)
	}
	return req
}

// SetQuery sets a query parameter. Empty values and "false" are dropped,
// since the service treats a present flag as enabled.
func (r *Request) SetQuery(key, value string) {
	if value == "" || value == "false" {
		r.Query.Del(key)
		return
	}
	r.Query.Set(key, value)
}

// Build implements Builder.
func (r *Request) Build(ctx context.Context, dest destination.Destination) (*http.Request, error) {
	target := dest.URL(r.Path)
	target.RawQuery = r.Query.Encode()
	var body io.Reader = http.NoBody
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if len(r.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// RequestOption customizes a Request.
type RequestOption interface {
	apply(*Request)
}

type requestOptionFunc func(*Request)

func (f requestOptionFunc) apply(r *Request) {
	f(r)
}

// WithDatacenter selects the datacenter to query. An empty name uses the
// datacenter of the agent that serves the request.
func WithDatacenter(dc string) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.SetQuery("dc", dc)
	})
}

// WithTag filters service lookups to instances carrying the tag.
func WithTag(tag string) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.SetQuery("tag", tag)
	})
}

// WithNear sorts results by round-trip time from the given node.
func WithNear(node string) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.SetQuery("near", node)
	})
}

// WithNodeMeta filters results to nodes with the given "key:value" metadata.
func WithNodeMeta(keyValue string) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.SetQuery("node-meta", keyValue)
	})
}

// WithPassingOnly restricts service lookups to instances whose health
// checks are passing.
func WithPassingOnly(passing bool) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.SetQuery("passing", strconv.FormatBool(passing))
	})
}

// WithStale allows any server, not only the leader, to answer reads.
func WithStale(stale bool) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.SetQuery("stale", strconv.FormatBool(stale))
	})
}

// WithToken sends the given ACL token.
func WithToken(token string) RequestOption {
	return requestOptionFunc(func(r *Request) {
		if token == "" {
			r.Header.Del(TokenHeader)
			return
		}
		r.Header.Set(TokenHeader, token)
	})
}

// WithIndex turns the request into a blocking query: the service holds it
// until the subject's change token moves past index or wait elapses. A zero
// index means no token has been seen yet and the query returns immediately.
func WithIndex(index uint64, wait time.Duration) RequestOption {
	return requestOptionFunc(func(r *Request) {
		if index == 0 {
			return
		}
		formatted := strconv.FormatUint(index, 10)
		r.SetQuery("index", formatted)
		r.Header.Set(IndexHeader, formatted)
		if wait > 0 {
			r.SetQuery("wait", wait.String())
		}
	})
}

// WithOptions applies several options as one.
func WithOptions(options ...RequestOption) RequestOption {
	return requestOptionFunc(func(r *Request) {
		for _, opt := range options {
			opt.apply(r)
		}
	})
}

// IndexFromResponse returns the change token carried by the response's
// index header, or 0 if there is none.
func IndexFromResponse(resp *http.Response) uint64 {
	index, err := strconv.ParseUint(resp.Header.Get(IndexHeader), 10, 64)
	if err != nil {
		return 0
	}
	return index
}
