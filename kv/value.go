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

package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a JSON document stored under a key. Values compare equal when
// their compact JSON encodings are byte-for-byte identical, which is what
// the service returns for an unchanged key.
type Value struct {
	raw []byte
}

// ValueOf encodes v as JSON.
func ValueOf(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encoding value: %w", err)
	}
	return Value{raw: data}, nil
}

// RawValue wraps bytes read from the service. Valid JSON is compacted so
// that insignificant whitespace does not count as a change; anything else is
// kept as is and fails to Decode.
func RawValue(data []byte) Value {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		return Value{raw: compact.Bytes()}
	}
	return Value{raw: append([]byte(nil), data...)}
}

// Decode unmarshals the value into the value pointed to by into.
func (v Value) Decode(into any) error {
	if len(v.raw) == 0 {
		return fmt.Errorf("decoding value: empty value")
	}
	if err := json.Unmarshal(v.raw, into); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	return nil
}

// Bytes returns the JSON encoding of the value.
func (v Value) Bytes() []byte {
	return append([]byte(nil), v.raw...)
}

// Equal reports whether both values have the same encoding.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.raw, other.raw)
}

func (v Value) String() string {
	return string(v.raw)
}

// Decode is a typed shorthand for Value.Decode.
func Decode[T any](v Value) (T, error) {
	var result T
	err := v.Decode(&result)
	return result, err
}
