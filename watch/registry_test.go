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
	"net/http"
	"testing"
	"time"

	"github.com/bufbuild/consulwatch/dispatch"
	"github.com/bufbuild/consulwatch/internal/clocktest"
	"github.com/bufbuild/consulwatch/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWatchTokenProgression(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, testClock := newTestRegistry(t)
	poller := newScriptedPoller()
	values := make(chan string, 10)
	registry.WatchFrom("str", 5, poller).OnValue(func(v string) { values <- v })

	settle := func() {
		t.Helper()
		require.NoError(t, testClock.BlockUntilContext(ctx, 1))
		poller.expectNoPoll(t)
		testClock.Advance(DefaultSettleDelay)
	}

	poller.expectPoll(ctx, t, 5)
	poller.respond(5, "v5", nil)
	settle()
	poller.expectPoll(ctx, t, 5)
	poller.respond(5, "v5", nil)
	settle()
	poller.expectPoll(ctx, t, 5)
	poller.respond(9, "v9", nil)
	// A new token is polled right away.
	poller.expectPoll(ctx, t, 9)
	poller.respond(9, "v9", nil)
	settle()
	poller.expectPoll(ctx, t, 9)
	poller.respond(14, "v14", nil)
	poller.expectPoll(ctx, t, 14)

	assert.Equal(t, "v9", <-values)
	assert.Equal(t, "v14", <-values)
	assert.Empty(t, values)
	require.NoError(t, registry.Close())
}

func TestWatchFirstValueIsPushed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, _ := newTestRegistry(t)
	poller := newScriptedPoller()
	s := registry.Watch("str", poller)

	poller.expectPoll(ctx, t, 0)
	poller.respond(3, "hello", nil)
	poller.expectPoll(ctx, t, 3)
	current, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, "hello", current)
	require.NoError(t, registry.Close())
}

func TestWatchRetryBound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	const maxRetries = 3
	registry, testClock := newTestRegistry(t, WithMaxRetries(maxRetries))
	poller := newScriptedPoller()
	errs := make(chan error, 10)
	s := registry.Watch("str", poller)
	s.OnError(func(err error) { errs <- err })

	boom := errors.New("boom")
	for range maxRetries {
		poller.expectPoll(ctx, t, 0)
		poller.respond(0, "", boom)
		require.NoError(t, testClock.BlockUntilContext(ctx, 1))
		assert.Empty(t, errs)
		testClock.Advance(DefaultSettleDelay)
	}
	poller.expectPoll(ctx, t, 0)
	poller.respond(0, "", boom)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, boom)
	case <-ctx.Done():
		t.Fatal("error was not reported")
	}
	require.NoError(t, registry.Close())
	poller.expectNoPoll(t)
	assert.Empty(t, errs)
	assert.False(t, registry.Has("str"))
	// The stream is not destroyed, it simply receives nothing more.
	assert.True(t, s.Active())
}

func TestWatchNotFoundConsumesRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, testClock := newTestRegistry(t, WithMaxRetries(1))
	poller := newScriptedPoller()
	errs := make(chan error, 1)
	registry.Watch("missing", poller).OnError(func(err error) { errs <- err })

	notFound := &dispatch.StatusError{Code: http.StatusNotFound, Status: "404 Not Found"}
	poller.expectPoll(ctx, t, 0)
	poller.respond(0, "", notFound)
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(DefaultSettleDelay)
	poller.expectPoll(ctx, t, 0)
	poller.respond(0, "", notFound)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, dispatch.ErrNotFound)
	case <-ctx.Done():
		t.Fatal("error was not reported")
	}
	require.NoError(t, registry.Close())
}

func TestWatchSuccessResetsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, testClock := newTestRegistry(t, WithMaxRetries(1))
	poller := newScriptedPoller()
	errs := make(chan error, 1)
	values := make(chan string, 10)
	s := registry.Watch("str", poller)
	s.OnError(func(err error) { errs <- err })
	s.OnValue(func(v string) { values <- v })

	boom := errors.New("boom")
	var index uint64
	for i := range 3 {
		poller.expectPoll(ctx, t, index)
		poller.respond(0, "", boom)
		require.NoError(t, testClock.BlockUntilContext(ctx, 1))
		testClock.Advance(DefaultSettleDelay)
		poller.expectPoll(ctx, t, index)
		index = uint64(10 + i)
		poller.respond(index, "v", nil)
	}
	poller.expectPoll(ctx, t, index)
	assert.Empty(t, errs)
	assert.Equal(t, "v", <-values)
	assert.Empty(t, values)
	require.NoError(t, registry.Close())
}

func TestIgnoreDiscardsInFlightPoll(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, _ := newTestRegistry(t)
	poller := newScriptedPoller()
	// The poller ignores cancellation, like a request that already reached
	// the server.
	poller.ignoreCancel = true
	values := make(chan string, 10)
	s := registry.Watch("str", poller)
	s.OnValue(func(v string) { values <- v })

	poller.expectPoll(ctx, t, 0)
	poller.respond(1, "a", nil)
	poller.expectPoll(ctx, t, 1)
	registry.Ignore("str")
	registry.Ignore("str")
	assert.False(t, registry.Has("str"))
	assert.False(t, s.Active())

	poller.respond(2, "b", nil)
	require.NoError(t, registry.Close())
	assert.Equal(t, "a", <-values)
	assert.Empty(t, values)
	poller.expectNoPoll(t)
}

func TestIgnoreCancelsInFlightPoll(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, _ := newTestRegistry(t)
	poller := newScriptedPoller()
	registry.Watch("str", poller)
	poller.expectPoll(ctx, t, 0)

	registry.Ignore("str")
	// No response is ever sent; Close only returns because the poll was
	// cancelled.
	require.NoError(t, registry.Close())
	assert.Equal(t, 0, registry.Len())
}

func TestWatchTwiceCreatesIndependentSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, _ := newTestRegistry(t)
	first, second := newScriptedPoller(), newScriptedPoller()
	firstStream := registry.Watch("str", first)
	secondStream := registry.Watch("str", second)
	assert.NotSame(t, firstStream, secondStream)
	assert.Equal(t, 1, registry.Len())

	first.expectPoll(ctx, t, 0)
	second.expectPoll(ctx, t, 0)
	first.respond(1, "one", nil)
	second.respond(1, "two", nil)
	first.expectPoll(ctx, t, 1)
	second.expectPoll(ctx, t, 1)

	current, _ := firstStream.Current()
	assert.Equal(t, "one", current)
	current, _ = secondStream.Current()
	assert.Equal(t, "two", current)

	registry.Ignore("str")
	assert.False(t, firstStream.Active())
	assert.False(t, secondStream.Active())
	require.NoError(t, registry.Close())
}

func TestIgnoreDiscardsReplacedSessionResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	registry, _ := newTestRegistry(t)
	first := newScriptedPoller()
	first.ignoreCancel = true
	firstStream := registry.Watch("str", first)
	values := make(chan string, 10)
	firstStream.OnValue(func(value string) {
		values <- value
	})
	second := newScriptedPoller()
	registry.Watch("str", second)

	first.expectPoll(ctx, t, 0)
	second.expectPoll(ctx, t, 0)
	registry.Ignore("str")
	assert.False(t, firstStream.Active())

	// The replaced session's poll completes after Ignore.
	first.respond(1, "late", nil)
	require.NoError(t, registry.Close())
	assert.Empty(t, values)
	_, ok := firstStream.Current()
	assert.False(t, ok)
}

func TestRootContextStopsSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	registry, _ := newTestRegistry(t, WithRootContext(rootCtx))
	poller := newScriptedPoller()
	registry.Watch("str", poller)
	poller.expectPoll(ctx, t, 0)
	rootCancel()
	require.NoError(t, registry.Close())
}

func newTestRegistry(t *testing.T, options ...Option) (*Registry[string], clocktest.FakeClock) {
	t.Helper()
	testClock := clocktest.NewFakeClock()
	registry := NewRegistry(stream.NewComparable[string], options...)
	registry.clock = testClock
	t.Cleanup(func() {
		_ = registry.Close()
	})
	return registry, testClock
}

type pollResponse struct {
	result Result[string]
	err    error
}

type scriptedPoller struct {
	calls        chan uint64
	responses    chan pollResponse
	ignoreCancel bool
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{
		calls:     make(chan uint64, 1),
		responses: make(chan pollResponse, 1),
	}
}

func (p *scriptedPoller) Poll(ctx context.Context, index uint64) (Result[string], error) {
	p.calls <- index
	if p.ignoreCancel {
		resp := <-p.responses
		return resp.result, resp.err
	}
	select {
	case resp := <-p.responses:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result[string]{}, ctx.Err()
	}
}

func (p *scriptedPoller) respond(index uint64, value string, err error) {
	p.responses <- pollResponse{result: Result[string]{Value: value, Index: index}, err: err}
}

func (p *scriptedPoller) expectPoll(ctx context.Context, t *testing.T, index uint64) {
	t.Helper()
	select {
	case got := <-p.calls:
		assert.Equal(t, index, got)
	case <-ctx.Done():
		t.Fatalf("expected a poll with index %d", index)
	}
}

func (p *scriptedPoller) expectNoPoll(t *testing.T) {
	t.Helper()
	// Real time, not fake clock time: gives the session goroutine a chance
	// to issue a poll it should not issue.
	select {
	case got := <-p.calls:
		t.Fatalf("unexpected poll with index %d", got)
	case <-time.After(20 * time.Millisecond):
	}
}
