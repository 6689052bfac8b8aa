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

// Package consultest provides an in-memory fake of the service's HTTP API
// for tests: key/value storage with blocking queries, catalog registration
// and health lookups.
package consultest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
)

// DefaultMaxWait bounds how long a blocking query is held, whatever wait
// the client asked for.
const DefaultMaxWait = 10 * time.Second

// Server is a fake service listening on a local address.
type Server struct {
	server  *httptest.Server
	maxWait time.Duration
	closed  chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	index uint64
	// changed is closed and replaced on every mutation.
	// +checklocks:mu
	changed chan struct{}
	// +checklocks:mu
	pairs map[string]*api.KVPair
	// +checklocks:mu
	nodes map[string]*api.Node
	// +checklocks:mu
	services map[string]*serviceState
	// +checklocks:mu
	datacenters []string
	// +checklocks:mu
	requests map[string]int
	// +checklocks:mu
	failures []int
	// +checklocks:mu
	lastHeader http.Header
	// +checklocks:mu
	lastQuery url.Values
}

type serviceState struct {
	index   uint64
	entries []*api.ServiceEntry
}

// NewServer starts a fake service. It is closed when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	srv := &Server{
		maxWait:     DefaultMaxWait,
		closed:      make(chan struct{}),
		index:       1,
		changed:     make(chan struct{}),
		pairs:       map[string]*api.KVPair{},
		nodes:       map[string]*api.Node{},
		services:    map[string]*serviceState{},
		datacenters: []string{"dc1"},
		requests:    map[string]int{},
	}
	srv.server = httptest.NewServer(http.HandlerFunc(srv.serveHTTP))
	tb.Cleanup(srv.Close)
	return srv
}

// Address returns the base URL of the server.
func (s *Server) Address() string {
	return s.server.URL
}

// Close releases blocked queries and shuts the server down. It is safe to
// call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return
	default:
		close(s.closed)
	}
	s.mu.Unlock()
	s.server.Close()
}

// SetValue stores raw bytes under key, as another client would.
func (s *Server) SetValue(key string, value []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(strings.Trim(key, "/"), value)
}

// DeleteValue removes key.
func (s *Server) DeleteValue(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(strings.Trim(key, "/"))
}

// Value returns the raw bytes stored under key.
func (s *Server) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.pairs[strings.Trim(key, "/")]
	if !ok {
		return nil, false
	}
	return slices.Clone(pair.Value), true
}

// Register adds a service entry as if it were registered through the
// catalog.
func (s *Server) Register(reg *api.CatalogRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(reg)
}

// SetDatacenters replaces the list of known datacenters.
func (s *Server) SetDatacenters(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datacenters = slices.Clone(names)
}

// FailNext makes the next requests answer with the given status codes, one
// per request, before normal handling resumes.
func (s *Server) FailNext(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, codes...)
}

// Requests returns how many requests were received for the given path, like
// "/v1/kv/foo".
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// LastHeader returns the headers of the most recent request.
func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeader.Clone()
}

// LastQuery returns the query parameters of the most recent request.
func (s *Server) LastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	s.lastHeader = r.Header.Clone()
	s.lastQuery = r.URL.Query()
	if len(s.failures) > 0 {
		code := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		http.Error(w, http.StatusText(code), code)
		return
	}
	s.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case strings.HasPrefix(path, "kv/"):
		s.serveKV(w, r, strings.Trim(strings.TrimPrefix(path, "kv/"), "/"))
	case strings.HasPrefix(path, "health/service/"):
		s.serveHealth(w, r, strings.TrimPrefix(path, "health/service/"))
	case path == "catalog/register" && r.Method == http.MethodPut:
		var reg api.CatalogRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.Register(&reg)
		writeJSON(w, 0, true)
	case path == "catalog/deregister" && r.Method == http.MethodPut:
		var dereg api.CatalogDeregistration
		if err := json.NewDecoder(r.Body).Decode(&dereg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.deregisterLocked(&dereg)
		s.mu.Unlock()
		writeJSON(w, 0, true)
	case path == "catalog/datacenters":
		s.mu.Lock()
		dcs := slices.Clone(s.datacenters)
		s.mu.Unlock()
		writeJSON(w, 0, dcs)
	case path == "catalog/nodes":
		s.serveNodes(w)
	case path == "catalog/services":
		s.serveServices(w)
	case strings.HasPrefix(path, "catalog/node/"):
		s.serveNode(w, strings.TrimPrefix(path, "catalog/node/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveKV(w http.ResponseWriter, r *http.Request, key string) {
	switch r.Method {
	case http.MethodGet:
		index, ok := s.block(r, func() uint64 {
			if pair, ok := s.pairs[key]; ok {
				return pair.ModifyIndex
			}
			return s.index
		})
		if !ok {
			return
		}
		s.mu.Lock()
		pair, found := s.pairs[key]
		var pairs []*api.KVPair
		if found {
			copied := *pair
			copied.Value = slices.Clone(pair.Value)
			pairs = append(pairs, &copied)
		}
		s.mu.Unlock()
		if !found {
			w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
			http.NotFound(w, r)
			return
		}
		writeJSON(w, index, pairs)
	case http.MethodPut:
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, s.SetValue(key, raw), true)
	case http.MethodDelete:
		s.mu.Lock()
		_, found := s.pairs[key]
		s.deleteLocked(key)
		s.mu.Unlock()
		writeJSON(w, 0, found)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request, name string) {
	index, ok := s.block(r, func() uint64 {
		if state, ok := s.services[name]; ok {
			return state.index
		}
		return s.index
	})
	if !ok {
		return
	}
	query := r.URL.Query()
	tag := query.Get("tag")
	_, passing := query["passing"]
	s.mu.Lock()
	entries := []*api.ServiceEntry{}
	if state, ok := s.services[name]; ok {
		for _, entry := range state.entries {
			if tag != "" && !slices.Contains(entry.Service.Tags, tag) {
				continue
			}
			if passing && entry.Checks.AggregatedStatus() != api.HealthPassing {
				continue
			}
			entries = append(entries, entry)
		}
	}
	s.mu.Unlock()
	writeJSON(w, index, entries)
}

func (s *Server) serveNodes(w http.ResponseWriter) {
	s.mu.Lock()
	nodes := make([]*api.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, node)
	}
	index := s.index
	s.mu.Unlock()
	slices.SortFunc(nodes, func(a, b *api.Node) int {
		return strings.Compare(a.Node, b.Node)
	})
	writeJSON(w, index, nodes)
}

func (s *Server) serveServices(w http.ResponseWriter) {
	s.mu.Lock()
	services := map[string][]string{}
	for name, state := range s.services {
		tags := []string{}
		for _, entry := range state.entries {
			for _, tag := range entry.Service.Tags {
				if !slices.Contains(tags, tag) {
					tags = append(tags, tag)
				}
			}
		}
		services[name] = tags
	}
	index := s.index
	s.mu.Unlock()
	writeJSON(w, index, services)
}

func (s *Server) serveNode(w http.ResponseWriter, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[name]
	if !ok {
		writeJSON(w, s.index, nil)
		return
	}
	result := &api.CatalogNode{Node: node, Services: map[string]*api.AgentService{}}
	for _, state := range s.services {
		for _, entry := range state.entries {
			if entry.Node.Node == name {
				result.Services[entry.Service.ID] = entry.Service
			}
		}
	}
	writeJSON(w, s.index, result)
}

// block holds a request carrying an index until the index returned by
// current moves past it, the wait elapses, the client goes away or the
// server closes. It returns the index to report.
func (s *Server) block(r *http.Request, current func() uint64) (uint64, bool) {
	query := r.URL.Query()
	wanted, _ := strconv.ParseUint(query.Get("index"), 10, 64)
	wait := s.maxWait
	if parsed, err := time.ParseDuration(query.Get("wait")); err == nil && parsed > 0 && parsed < wait {
		wait = parsed
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		index := current()
		changed := s.changed
		s.mu.Unlock()
		if wanted == 0 || index > wanted {
			return index, true
		}
		select {
		case <-changed:
		case <-timer.C:
			return index, true
		case <-r.Context().Done():
			return 0, false
		case <-s.closed:
			return 0, false
		}
	}
}

// +checklocks:s.mu
func (s *Server) bumpLocked() uint64 {
	s.index++
	close(s.changed)
	s.changed = make(chan struct{})
	return s.index
}

// +checklocks:s.mu
func (s *Server) putLocked(key string, value []byte) uint64 {
	index := s.bumpLocked()
	pair, ok := s.pairs[key]
	if !ok {
		pair = &api.KVPair{Key: key, CreateIndex: index}
		s.pairs[key] = pair
	}
	pair.Value = slices.Clone(value)
	pair.ModifyIndex = index
	return index
}

// +checklocks:s.mu
func (s *Server) deleteLocked(key string) {
	if _, ok := s.pairs[key]; !ok {
		return
	}
	delete(s.pairs, key)
	s.bumpLocked()
}

// +checklocks:s.mu
func (s *Server) registerLocked(reg *api.CatalogRegistration) {
	index := s.bumpLocked()
	node, ok := s.nodes[reg.Node]
	if !ok {
		node = &api.Node{Node: reg.Node, CreateIndex: index}
		s.nodes[reg.Node] = node
	}
	node.ID = reg.ID
	node.Address = reg.Address
	node.Datacenter = reg.Datacenter
	node.Meta = reg.NodeMeta
	node.ModifyIndex = index
	if reg.Service == nil {
		return
	}
	service := *reg.Service
	if service.ID == "" {
		service.ID = service.Service
	}
	service.ModifyIndex = index
	checks := slices.Clone(reg.Checks)
	if reg.Check != nil {
		checks = append(checks, &api.HealthCheck{
			Node:        reg.Node,
			CheckID:     reg.Check.CheckID,
			Name:        reg.Check.Name,
			Status:      reg.Check.Status,
			ServiceID:   service.ID,
			ServiceName: service.Service,
		})
	}
	state, ok := s.services[service.Service]
	if !ok {
		state = &serviceState{}
		s.services[service.Service] = state
	}
	state.index = index
	state.entries = slices.DeleteFunc(state.entries, func(entry *api.ServiceEntry) bool {
		return entry.Node.Node == reg.Node && entry.Service.ID == service.ID
	})
	state.entries = append(state.entries, &api.ServiceEntry{
		Node:    node,
		Service: &service,
		Checks:  checks,
	})
}

// +checklocks:s.mu
func (s *Server) deregisterLocked(dereg *api.CatalogDeregistration) {
	index := s.bumpLocked()
	for name, state := range s.services {
		before := len(state.entries)
		state.entries = slices.DeleteFunc(state.entries, func(entry *api.ServiceEntry) bool {
			return entry.Node.Node == dereg.Node &&
				(dereg.ServiceID == "" || entry.Service.ID == dereg.ServiceID)
		})
		if len(state.entries) != before {
			state.index = index
		}
		if len(state.entries) == 0 {
			delete(s.services, name)
		}
	}
	if dereg.ServiceID == "" {
		delete(s.nodes, dereg.Node)
	}
}

func writeJSON(w http.ResponseWriter, index uint64, body any) {
	w.Header().Set("Content-Type", "application/json")
	if index > 0 {
		w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
	}
	_ = json.NewEncoder(w).Encode(body)
}
