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
	"strings"

	"github.com/bufbuild/consulwatch/destination"
	"go.uber.org/zap"
)

const (
	envAddress    = "CONSUL_ADDRESS"
	envDatacenter = "CONSUL_DC"
	envDebug      = "CONSUL_DEBUG"
	envDebugAlias = "DEBUG"
)

// addressesFromEnv splits the comma-separated list of destinations in
// CONSUL_ADDRESS.
func addressesFromEnv(getenv func(string) string) []string {
	var addresses []string
	for _, address := range strings.Split(getenv(envAddress), ",") {
		if address = strings.TrimSpace(address); address != "" {
			addresses = append(addresses, address)
		}
	}
	if len(addresses) == 0 {
		return []string{destination.DefaultAddress}
	}
	return addresses
}

func debugFromEnv(getenv func(string) string) bool {
	return getenv(envDebug) == "true" || getenv(envDebugAlias) == "true"
}

func newDefaultLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	return config.Build()
}
