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

// Package kv reads, writes and watches keys of the remote key/value store.
//
// Values are JSON documents. The service returns them base64-encoded inside
// key metadata; a [Value] holds the decoded JSON and compares equal to
// another value with the same encoding, so a watch only notifies when the
// document actually changes.
package kv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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

// Option configures a Store.
type Option interface {
	apply(*Store)
}

// WithRequestOptions configures request options applied to every request,
// before the options given to an individual call.
func WithRequestOptions(options ...dispatch.RequestOption) Option {
	return optionFunc(func(s *Store) {
		s.baseOptions = append(s.baseOptions, options...)
	})
}

// WithWatchOptions configures the registry of watch sessions.
func WithWatchOptions(options ...watch.Option) Option {
	return optionFunc(func(s *Store) {
		s.watchOptions = append(s.watchOptions, options...)
	})
}

// WithWaitTime configures the wait window requested for blocking queries.
// If not specified, DefaultWaitTime is used.
func WithWaitTime(wait time.Duration) Option {
	return optionFunc(func(s *Store) {
		s.waitTime = wait
	})
}

type optionFunc func(*Store)

func (f optionFunc) apply(s *Store) {
	f(s)
}

// Store wraps the key/value HTTP API.
type Store struct {
	dispatcher   *dispatch.Dispatcher
	registry     *watch.Registry[Value]
	baseOptions  []dispatch.RequestOption
	watchOptions []watch.Option
	waitTime     time.Duration
}

// NewStore returns a store that sends its requests through dispatcher.
func NewStore(dispatcher *dispatch.Dispatcher, options ...Option) *Store {
	store := &Store{
		dispatcher: dispatcher,
		waitTime:   DefaultWaitTime,
	}
	for _, opt := range options {
		opt.apply(store)
	}
	store.registry = watch.NewRegistry(stream.NewEqualer[Value], store.watchOptions...)
	return store
}

// Get returns the value of key. The boolean is false, with a nil error,
// if the key does not exist.
func (s *Store) Get(ctx context.Context, key string, options ...dispatch.RequestOption) (Value, bool, error) {
	resp, err := s.dispatcher.Send(ctx, s.request(http.MethodGet, key, options...))
	if err != nil {
		return Value{}, false, err
	}
	pair, err := readPair(resp)
	if errors.Is(err, dispatch.ErrNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("reading key %q: %w", key, err)
	}
	return RawValue(pair.Value), true, nil
}

// Set stores value, encoded as JSON, under key. It returns the service's
// verdict, or false if the service answered 404.
func (s *Store) Set(ctx context.Context, key string, value any, options ...dispatch.RequestOption) (bool, error) {
	encoded, err := ValueOf(value)
	if err != nil {
		return false, err
	}
	req := s.request(http.MethodPut, key, options...)
	req.Body = encoded.raw
	return s.sendForBool(ctx, req, "writing", key)
}

// Delete removes key. It returns the service's verdict, or false if the
// service answered 404.
func (s *Store) Delete(ctx context.Context, key string, options ...dispatch.RequestOption) (bool, error) {
	return s.sendForBool(ctx, s.request(http.MethodDelete, key, options...), "deleting", key)
}

// Watch starts watching key and returns a stream of its values. The current
// value is pushed as soon as it is known; after that, listeners are notified
// only when the value changes. See the watch package for retry and
// cancellation semantics.
func (s *Store) Watch(key string, options ...dispatch.RequestOption) *stream.Stream[Value] {
	return s.registry.Watch(normalizeKey(key), s.poller(key, options))
}

// Ignore stops watching key.
func (s *Store) Ignore(key string) {
	s.registry.Ignore(normalizeKey(key))
}

// Close stops every watch and waits for their goroutines to exit.
func (s *Store) Close() error {
	return s.registry.Close()
}

func (s *Store) poller(key string, options []dispatch.RequestOption) watch.Poller[Value] {
	return watch.PollerFunc[Value](func(ctx context.Context, index uint64) (watch.Result[Value], error) {
		req := s.request(http.MethodGet, key, dispatch.WithOptions(options...), dispatch.WithIndex(index, s.waitTime))
		resp, err := s.dispatcher.Send(ctx, req)
		if err != nil {
			return watch.Result[Value]{}, err
		}
		newIndex := dispatch.IndexFromResponse(resp)
		pair, err := readPair(resp)
		if err != nil {
			return watch.Result[Value]{}, err
		}
		if newIndex == 0 {
			newIndex = pair.ModifyIndex
		}
		return watch.Result[Value]{Value: RawValue(pair.Value), Index: newIndex}, nil
	})
}

func (s *Store) request(method, key string, options ...dispatch.RequestOption) *dispatch.Request {
	return dispatch.NewRequest(method, "v1/kv/"+normalizeKey(key),
		dispatch.WithOptions(s.baseOptions...),
		dispatch.WithOptions(options...),
	)
}

func (s *Store) sendForBool(ctx context.Context, req *dispatch.Request, verb, key string) (bool, error) {
	resp, err := s.dispatcher.Send(ctx, req)
	if err != nil {
		return false, err
	}
	var ok bool
	err = dispatch.DecodeJSON(resp, &ok)
	if errors.Is(err, dispatch.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s key %q: %w", verb, key, err)
	}
	return ok, nil
}

// readPair decodes the metadata of a single key. An empty result is
// reported as not found.
func readPair(resp *http.Response) (*api.KVPair, error) {
	var pairs []*api.KVPair
	if err := dispatch.DecodeJSON(resp, &pairs); err != nil {
		return nil, err
	}
	if len(pairs) == 0 || pairs[0] == nil {
		return nil, &dispatch.StatusError{Code: http.StatusNotFound, Status: "404 Not Found"}
	}
	return pairs[0], nil
}

func normalizeKey(key string) string {
	return strings.Trim(key, "/")
}
