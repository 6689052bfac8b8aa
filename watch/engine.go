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

package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bufbuild/consulwatch/dispatch"
	"github.com/bufbuild/consulwatch/internal"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the number of consecutive failed polls that are
	// retried before a session gives up.
	DefaultMaxRetries = 5
	// DefaultSettleDelay is the delay before re-polling after an unchanged
	// result or a failure.
	DefaultSettleDelay = 5 * time.Second
)

// Result is the outcome of one successful poll.
type Result[T any] struct {
	Value T
	// Index is the change token returned by the service. 0 means the
	// service returned none.
	Index uint64
}

// Poller issues a single blocking query for one subject. Poll must return
// an error wrapping dispatch.ErrNotFound when the subject does not exist.
type Poller[T any] interface {
	Poll(ctx context.Context, index uint64) (Result[T], error)
}

// PollerFunc adapts a function to the Poller interface.
type PollerFunc[T any] func(ctx context.Context, index uint64) (Result[T], error)

// Poll implements Poller.
func (f PollerFunc[T]) Poll(ctx context.Context, index uint64) (Result[T], error) {
	return f(ctx, index)
}

// run is the polling loop of one session. It returns when the session is
// cancelled, its stream rejects a value, or retries are exhausted.
func (r *Registry[T]) run(ctx context.Context, sess *session[T], poller Poller[T], index uint64) {
	defer close(sess.done)
	defer sess.cancel()

	logger := r.logger.With(
		zap.String("subject", sess.subject),
		zap.Stringer("session", sess.id),
	)
	var retries int
	for {
		result, err := poller.Poll(ctx, index)
		if !r.live(ctx, sess) {
			logger.Debug("watch cancelled, discarding poll result")
			return
		}
		switch {
		case err == nil && result.Index != index:
			retries = 0
			logger.Debug("change detected",
				zap.Uint64("previous_index", index),
				zap.Uint64("index", result.Index),
			)
			if !sess.stream.Update(result.Value) {
				return
			}
			index = result.Index
			continue
		case err == nil:
			retries = 0
			logger.Debug("no change", zap.Uint64("index", index))
		case retries < r.maxRetries:
			retries++
			if errors.Is(err, dispatch.ErrNotFound) {
				logger.Warn("watched subject not found, retrying", zap.Int("retry", retries))
			} else {
				logger.Warn("poll failed, retrying", zap.Int("retry", retries), zap.Error(err))
			}
		default:
			logger.Error("poll failed, giving up", zap.Int("retries", retries), zap.Error(err))
			r.expire(sess)
			sess.stream.UpdateError(fmt.Errorf("watching %s: %w", sess.subject, err))
			return
		}
		if err := internal.Sleep(ctx, r.clock, r.settleDelay); err != nil {
			return
		}
	}
}
