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
	"net/url"
	"strings"
)

// CleanQuery converts params to query values, dropping parameters whose
// value is empty or "false".
func CleanQuery(params map[string]string) url.Values {
	values := url.Values{}
	for key, value := range params {
		if value == "" || value == "false" {
			continue
		}
		values.Set(key, value)
	}
	return values
}

// SplitSubject splits a subject such as "web?dc=dc1&tag=v2" into its name
// and its query parameters. Only the first "?" separates the two; a pair
// without "=" maps to an empty value.
func SplitSubject(subject string) (string, map[string]string) {
	name, query, _ := strings.Cut(subject, "?")
	params := map[string]string{}
	if query == "" {
		return name, params
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		params[key] = value
	}
	return name, params
}

// SubjectOptions returns request options for the parameters of a subject
// split by SplitSubject. Parameters the service does not understand for
// lookups are ignored.
func SubjectOptions(params map[string]string) RequestOption {
	cleaned := CleanQuery(params)
	return requestOptionFunc(func(r *Request) {
		for _, key := range []string{"dc", "tag", "near", "node-meta", "passing", "stale"} {
			if value := cleaned.Get(key); value != "" {
				r.SetQuery(key, value)
			}
		}
	})
}
