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
	"sync"
	"time"

	"github.com/bufbuild/consulwatch/internal"
	"github.com/bufbuild/consulwatch/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Option configures a Registry.
type Option interface {
	apply(*registryOptions)
}

// WithMaxRetries configures how many consecutive failed polls are retried
// before a session reports the error and stops. If not specified,
// DefaultMaxRetries is used. Zero reports the first failure.
func WithMaxRetries(retries int) Option {
	return optionFunc(func(opts *registryOptions) {
		opts.maxRetries = retries
	})
}

// WithSettleDelay configures the delay before re-polling after an unchanged
// result or a failure. If not specified, DefaultSettleDelay is used.
func WithSettleDelay(delay time.Duration) Option {
	return optionFunc(func(opts *registryOptions) {
		opts.settleDelay = delay
	})
}

// WithLogger configures the logger used by watch sessions.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *registryOptions) {
		opts.logger = logger
	})
}

// WithRootContext configures the parent context of every session. When it
// is cancelled, all sessions stop. If not specified, [context.Background]
// is used.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *registryOptions) {
		opts.rootCtx = ctx
	})
}

type optionFunc func(*registryOptions)

func (f optionFunc) apply(opts *registryOptions) {
	f(opts)
}

type registryOptions struct {
	maxRetries  int
	settleDelay time.Duration
	logger      *zap.Logger
	rootCtx     context.Context //nolint:containedctx
}

// Registry tracks the active watch session of each subject. It is safe for
// concurrent use.
type Registry[T any] struct {
	newStream   func() *stream.Stream[T]
	rootCtx     context.Context //nolint:containedctx
	maxRetries  int
	settleDelay time.Duration
	logger      *zap.Logger
	clock       internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	sessions map[string]*session[T]
	// running holds every session whose goroutine has not exited yet,
	// including sessions replaced by a later Watch of the same subject.
	// +checklocks:mu
	running map[*session[T]]struct{}
}

type session[T any] struct {
	id      uuid.UUID
	subject string
	stream  *stream.Stream[T]
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRegistry returns an empty registry. newStream creates the stream of
// each new session and decides how values are compared.
func NewRegistry[T any](newStream func() *stream.Stream[T], options ...Option) *Registry[T] {
	opts := registryOptions{
		maxRetries:  DefaultMaxRetries,
		settleDelay: DefaultSettleDelay,
	}
	for _, opt := range options {
		opt.apply(&opts)
	}
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.maxRetries < 0 {
		opts.maxRetries = 0
	}
	return &Registry[T]{
		newStream:   newStream,
		rootCtx:     opts.rootCtx,
		maxRetries:  opts.maxRetries,
		settleDelay: opts.settleDelay,
		logger:      opts.logger,
		clock:       internal.NewRealClock(),
		sessions:    map[string]*session[T]{},
		running:     map[*session[T]]struct{}{},
	}
}

// Watch starts a session for subject and returns its stream. The first poll
// carries no change token, so the current value is pushed as soon as the
// service answers.
//
// Watching a subject that is already watched starts a second, independent
// session which replaces the first in the registry. The first session keeps
// running until the subject is ignored.
func (r *Registry[T]) Watch(subject string, poller Poller[T]) *stream.Stream[T] {
	return r.WatchFrom(subject, 0, poller)
}

// WatchFrom is like Watch, but the first poll carries the given change
// token. Only values newer than index are pushed.
func (r *Registry[T]) WatchFrom(subject string, index uint64, poller Poller[T]) *stream.Stream[T] {
	ctx, cancel := context.WithCancel(r.rootCtx)
	sess := &session[T]{
		id:      uuid.New(),
		subject: subject,
		stream:  r.newStream(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[subject] = sess
	r.running[sess] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug("watch started",
		zap.String("subject", subject),
		zap.Stringer("session", sess.id),
		zap.Uint64("index", index),
	)
	go func() {
		defer r.forget(sess)
		r.run(ctx, sess, poller, index)
	}()
	return sess.stream
}

// Ignore stops watching subject. The streams of every session of subject,
// including sessions replaced by a later Watch, are destroyed, so their
// listeners are never called again, and polling stops. Ignoring a subject
// that is not watched is a no-op.
func (r *Registry[T]) Ignore(subject string) {
	r.mu.Lock()
	delete(r.sessions, subject)
	var sessions []*session[T]
	for running := range r.running {
		if running.subject == subject {
			sessions = append(sessions, running)
		}
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.stream.Destroy()
		sess.cancel()
		r.logger.Debug("watch ignored",
			zap.String("subject", subject),
			zap.Stringer("session", sess.id),
		)
	}
}

// Has reports whether subject is currently watched.
func (r *Registry[T]) Has(subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[subject]
	return ok
}

// Len returns the number of watched subjects.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close ignores every subject and waits for all polling goroutines to exit.
func (r *Registry[T]) Close() error {
	r.mu.Lock()
	subjects := make([]string, 0, len(r.sessions))
	for subject := range r.sessions {
		subjects = append(subjects, subject)
	}
	running := make([]*session[T], 0, len(r.running))
	for sess := range r.running {
		running = append(running, sess)
	}
	r.mu.Unlock()

	for _, subject := range subjects {
		r.Ignore(subject)
	}
	var grp errgroup.Group
	for _, sess := range running {
		grp.Go(func() error {
			sess.cancel()
			<-sess.done
			return nil
		})
	}
	return grp.Wait()
}

// live reports whether sess may still act on a poll result: its subject is
// still registered, its stream is active and it has not been cancelled.
func (r *Registry[T]) live(ctx context.Context, sess *session[T]) bool {
	if ctx.Err() != nil || !sess.stream.Active() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sess.subject]
	return ok
}

// expire removes sess from the registry after it gave up, unless the
// subject has since been watched again by another session.
func (r *Registry[T]) expire(sess *session[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.subject] == sess {
		delete(r.sessions, sess.subject)
	}
}

func (r *Registry[T]) forget(sess *session[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, sess)
}
