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

package kv_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bufbuild/consulwatch/destination"
	"github.com/bufbuild/consulwatch/dispatch"
	"github.com/bufbuild/consulwatch/internal/consultest"
	"github.com/bufbuild/consulwatch/kv"
	"github.com/bufbuild/consulwatch/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestGetSetDelete(t *testing.T) {
	t.Parallel()
	server := consultest.NewServer(t)
	store := newTestStore(t, server)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "config/app")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := store.Set(ctx, "/config/app/", map[string]any{"replicas": 3})
	require.NoError(t, err)
	assert.True(t, ok)
	raw, stored := server.Value("config/app")
	require.True(t, stored)
	assert.JSONEq(t, `{"replicas":3}`, string(raw))

	value, found, err := store.Get(ctx, "config/app")
	require.NoError(t, err)
	require.True(t, found)
	var decoded struct {
		Replicas int `json:"replicas"`
	}
	require.NoError(t, value.Decode(&decoded))
	assert.Equal(t, 3, decoded.Replicas)

	ok, err = store.Delete(ctx, "config/app")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, "config/app")
	require.NoError(t, err)
	assert.False(t, ok)
	_, found, err = store.Get(ctx, "config/app")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetReportsServerErrors(t *testing.T) {
	t.Parallel()
	server := consultest.NewServer(t)
	store := newTestStore(t, server)

	server.FailNext(http.StatusInternalServerError)
	_, _, err := store.Get(context.Background(), "key")
	var statusErr *dispatch.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
}

func TestSetNotFound(t *testing.T) {
	t.Parallel()
	server := consultest.NewServer(t)
	store := newTestStore(t, server)

	server.FailNext(http.StatusNotFound)
	ok, err := store.Set(context.Background(), "key", "value")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestOptionsAreMerged(t *testing.T) {
	t.Parallel()
	server := consultest.NewServer(t)
	store := newTestStore(t, server, kv.WithRequestOptions(dispatch.WithToken("base")))
	ctx := context.Background()

	_, _, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "base", server.LastHeader().Get(dispatch.TokenHeader))

	_, _, err = store.Get(ctx, "key", dispatch.WithToken("override"))
	require.NoError(t, err)
	assert.Equal(t, "override", server.LastHeader().Get(dispatch.TokenHeader))
}

func TestWatch(t *testing.T) {
	t.Parallel()
	server := consultest.NewServer(t)
	store := newTestStore(t, server)
	server.SetValue("greeting", []byte(`"hello"`))

	values := make(chan string, 10)
	stream := store.Watch("greeting")
	stream.OnValue(func(value kv.Value) {
		decoded, err := kv.Decode[string](value)
		assert.NoError(t, err)
		values <- decoded
	})
	assert.Equal(t, "hello", receive(t, values))

	// Same JSON with different whitespace is not a change.
	server.SetValue("greeting", []byte(` "hello" `))
	server.SetValue("greeting", []byte(`"world"`))
	assert.Equal(t, "world", receive(t, values))

	store.Ignore("greeting")
	assert.False(t, stream.Active())
	server.SetValue("greeting", []byte(`"again"`))
	require.NoError(t, store.Close())
	assert.Empty(t, values)
}

func TestWatchMissingKeyReportsError(t *testing.T) {
	t.Parallel()
	server := consultest.NewServer(t)
	store := newTestStore(t, server, kv.WithWatchOptions(
		watch.WithMaxRetries(2),
	))

	errs := make(chan error, 1)
	stream := store.Watch("missing")
	stream.OnError(func(err error) {
		errs <- err
	})
	select {
	case err := <-errs:
		require.ErrorIs(t, err, dispatch.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestValue(t *testing.T) {
	t.Parallel()
	compact := kv.RawValue([]byte(`{ "a": [1, 2] }`))
	assert.Equal(t, `{"a":[1,2]}`, compact.String())
	assert.True(t, compact.Equal(kv.RawValue([]byte(`{"a":[1,2]}`))))
	assert.False(t, compact.Equal(kv.RawValue([]byte(`{"a":[2,1]}`))))

	text := kv.RawValue([]byte("not json"))
	assert.Equal(t, "not json", text.String())
	var into any
	require.Error(t, text.Decode(&into))
	require.Error(t, kv.Value{}.Decode(&into))

	encoded, err := kv.ValueOf([]string{"x"})
	require.NoError(t, err)
	assert.Equal(t, []byte(`["x"]`), encoded.Bytes())
}

func newTestStore(t *testing.T, server *consultest.Server, options ...kv.Option) *kv.Store {
	t.Helper()
	set, err := destination.NewSet(server.Address())
	require.NoError(t, err)
	dispatcher := dispatch.New(set, dispatch.WithRetryInterval(0))
	options = append([]kv.Option{
		kv.WithWaitTime(time.Second),
		kv.WithWatchOptions(watch.WithSettleDelay(10 * time.Millisecond)),
	}, options...)
	store := kv.NewStore(dispatcher, options...)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
		assert.NoError(t, dispatcher.Close())
	})
	return store
}

func receive[T any](t *testing.T, values <-chan T) T {
	t.Helper()
	select {
	case value := <-values:
		return value
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}
