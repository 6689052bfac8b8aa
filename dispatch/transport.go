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
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// NewTransport returns the default round-tripper for destinations. The
// "http" and "https" schemes use a standard *http.Transport. The "h2c"
// scheme forces HTTP/2 over clear-text using golang.org/x/net/http2.
//
// Neither transport sets a response timeout: blocking queries are held open
// by the service for the whole wait window.
func NewTransport() http.RoundTripper {
	simple := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           defaultDialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	h2c := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return defaultDialer.DialContext(ctx, network, addr)
		},
	}
	return &schemeTransport{
		transports: map[string]roundTripperResult{
			"http":  {RoundTripper: simple, Close: simple.CloseIdleConnections},
			"https": {RoundTripper: simple, Close: simple.CloseIdleConnections},
			"h2c":   {RoundTripper: h2c, Scheme: "http", Close: h2c.CloseIdleConnections},
		},
	}
}

// roundTripperResult is the transport used for one URL scheme.
type roundTripperResult struct {
	RoundTripper http.RoundTripper
	// Scheme, if non-empty, replaces the request's scheme before it is
	// handed to RoundTripper. A custom scheme like "h2c" selects the
	// transport, but the transport itself expects "http".
	Scheme string
	Close  func()
}

type schemeTransport struct {
	transports map[string]roundTripperResult
}

func (s *schemeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, ok := s.transports[req.URL.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported URL scheme %q", req.URL.Scheme)
	}
	if result.Scheme != "" && result.Scheme != req.URL.Scheme {
		req = req.Clone(req.Context())
		req.URL.Scheme = result.Scheme
	}
	return result.RoundTripper.RoundTrip(req)
}

func (s *schemeTransport) CloseIdleConnections() {
	for _, result := range s.transports {
		if result.Close != nil {
			result.Close()
		}
	}
}
