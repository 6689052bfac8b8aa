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
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSubject(t *testing.T) {
	t.Parallel()

	name, params := SplitSubject("hvault?dc=dc1")
	assert.Equal(t, "hvault", name)
	assert.Equal(t, map[string]string{"dc": "dc1"}, params)

	name, params = SplitSubject("hvault?dc=dc1&near=blah&service=my-service")
	assert.Equal(t, "hvault", name)
	assert.Equal(t, map[string]string{"dc": "dc1", "near": "blah", "service": "my-service"}, params)

	name, params = SplitSubject("hvault?")
	assert.Equal(t, "hvault", name)
	assert.Empty(t, params)

	name, params = SplitSubject("hvault")
	assert.Equal(t, "hvault", name)
	assert.Empty(t, params)
}

func TestCleanQuery(t *testing.T) {
	t.Parallel()

	values := CleanQuery(map[string]string{"key1": "false", "key2": "true", "key3": ""})
	assert.Equal(t, "true", values.Get("key2"))
	assert.False(t, values.Has("key1"))
	assert.False(t, values.Has("key3"))
}

func TestSubjectOptions(t *testing.T) {
	t.Parallel()

	_, params := SplitSubject("web?dc=dc2&tag=v2&node-meta=rack:a&passing=false&service=ignored")
	req := NewRequest(http.MethodGet, "v1/health/service/web", WithDatacenter("dc1"), SubjectOptions(params))
	assert.Equal(t, "dc2", req.Query.Get("dc"))
	assert.Equal(t, "v2", req.Query.Get("tag"))
	assert.Equal(t, "rack:a", req.Query.Get("node-meta"))
	assert.False(t, req.Query.Has("passing"))
	assert.False(t, req.Query.Has("service"))
}

func TestSchemeTransport(t *testing.T) {
	t.Parallel()

	var plainSchemes, h2cSchemes []string
	transport := &schemeTransport{
		transports: map[string]roundTripperResult{
			"http": {RoundTripper: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				plainSchemes = append(plainSchemes, req.URL.Scheme)
				return newResponse(http.StatusOK, ""), nil
			})},
			"h2c": {Scheme: "http", RoundTripper: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				h2cSchemes = append(h2cSchemes, req.URL.Scheme)
				return newResponse(http.StatusOK, ""), nil
			})},
		},
	}

	req, err := http.NewRequest(http.MethodGet, "h2c://consul:8500/v1/kv/str", http.NoBody)
	require.NoError(t, err)
	_, err = transport.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, "h2c", req.URL.Scheme, "original request must not be mutated")

	req, err = http.NewRequest(http.MethodGet, "http://consul:8500/v1/kv/str", http.NoBody)
	require.NoError(t, err)
	_, err = transport.RoundTrip(req)
	require.NoError(t, err)

	assert.Equal(t, []string{"http"}, h2cSchemes)
	assert.Equal(t, []string{"http"}, plainSchemes)

	req, err = http.NewRequest(http.MethodGet, "ftp://consul:8500/", http.NoBody)
	require.NoError(t, err)
	_, err = transport.RoundTrip(req)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
