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

// Package stream provides a single-slot broadcast cell. A Stream holds a
// current and a previous value and notifies registered listeners whenever
// the current value changes. Change detection uses an equality function
// bound at the value type, so a structurally identical value pushed twice
// notifies once.
//
// A Stream starts active. Once destroyed it never becomes active again: it
// drops its value and listeners, and all further updates are ignored.
package stream

import "sync"

// Equaler is implemented by value types that define their own equality.
type Equaler[T any] interface {
	Equal(other T) bool
}

// Stream is a push-style value cell. It is safe for concurrent use, but
// listeners must not call Update or UpdateError on the stream that is
// notifying them.
type Stream[T any] struct {
	equal func(a, b T) bool

	// deliverMu serializes listener notification so that listeners see
	// updates in the order they were made.
	deliverMu sync.Mutex

	mu             sync.Mutex
	active         bool
	current        T
	hasCurrent     bool
	previous       T
	hasPrevious    bool
	version        uint64
	listeners      []func(T)
	errorListeners []func(error)
}

// New returns an active, empty stream that uses equal to detect changes.
func New[T any](equal func(a, b T) bool) *Stream[T] {
	return &Stream[T]{
		equal:  equal,
		active: true,
	}
}

// NewComparable returns a stream for a comparable type, using ==.
func NewComparable[T comparable]() *Stream[T] {
	return New(func(a, b T) bool { return a == b })
}

// NewEqualer returns a stream for a type that implements Equaler.
func NewEqualer[T Equaler[T]]() *Stream[T] {
	return New(func(a, b T) bool { return a.Equal(b) })
}

// Update sets the current value if the stream is active and value differs
// from the current one. The old current value becomes the previous value
// and every listener is called with value, synchronously and in
// registration order, before Update returns.
//
// Update reports whether the stream is still active, so a producer can use
// it as a sink and stop producing once the stream is destroyed.
func (s *Stream[T]) Update(value T) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	if s.hasCurrent && s.equal(s.current, value) {
		s.mu.Unlock()
		return true
	}
	s.previous, s.hasPrevious = s.current, s.hasCurrent
	s.current, s.hasCurrent = value, true
	s.version++
	listeners := append(([]func(T))(nil), s.listeners...)
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, listener := range listeners {
		if !s.Active() {
			return false
		}
		listener(value)
	}
	return s.Active()
}

// UpdateError notifies every error listener, if the stream is active. The
// current and previous values are not affected.
func (s *Stream[T]) UpdateError(err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	listeners := append(([]func(error))(nil), s.errorListeners...)
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, listener := range listeners {
		if !s.Active() {
			return
		}
		listener(err)
	}
}

// OnValue registers a listener for value changes. If the stream already has
// a value, the listener is also called once with it, asynchronously. That
// late delivery is skipped if the value changes or the stream is destroyed
// first, since the listener is then notified of the newer value directly.
func (s *Stream[T]) OnValue(listener func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.listeners = append(s.listeners, listener)
	if !s.hasCurrent {
		return
	}
	value, version := s.current, s.version
	go func() {
		s.deliverMu.Lock()
		defer s.deliverMu.Unlock()
		s.mu.Lock()
		stale := !s.active || s.version != version
		s.mu.Unlock()
		if !stale {
			listener(value)
		}
	}()
}

// OnError registers a listener for errors. It is a no-op if the stream is
// no longer active.
func (s *Stream[T]) OnError(listener func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.errorListeners = append(s.errorListeners, listener)
}

// Current returns the current value, if any.
func (s *Stream[T]) Current() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasCurrent
}

// Previous returns the value that preceded the current one, if any.
func (s *Stream[T]) Previous() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous, s.hasPrevious
}

// Active reports whether the stream has not been destroyed.
func (s *Stream[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Destroy deactivates the stream, clearing its current value and all
// listeners. It is idempotent and may be called from a listener.
func (s *Stream[T]) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.active = false
	s.current, s.hasCurrent = zero, false
	s.listeners = nil
	s.errorListeners = nil
}
