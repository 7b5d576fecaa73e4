package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	dim     int
	closed  atomic.Bool
	started chan struct{}
	gate    chan struct{}
}

func (h *fakeHandle) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.gate != nil {
		<-h.gate
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, h.dim)
	}
	return out, nil
}

func (h *fakeHandle) Dimensions() int { return h.dim }

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func modelLoader(calls *atomic.Int64, delay time.Duration) Loader {
	return func(ctx context.Context) (*LoadedModel, error) {
		calls.Add(1)
		time.Sleep(delay)
		return &LoadedModel{Handle: &fakeHandle{dim: 4}, Dimension: 4, Device: "cpu"}, nil
	}
}

func TestGetOrLoad_LoadsOnceForConcurrentCallers(t *testing.T) {
	c := New()
	var calls atomic.Int64
	loader := modelLoader(&calls, 50*time.Millisecond)

	const n = 50
	results := make([]*LoadedModel, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.GetOrLoad(context.Background(), "minilm", loader)
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, m := range results {
		require.NotNil(t, m)
		assert.Same(t, results[0], m)
	}
	assert.Equal(t, "minilm", results[0].Alias)
	assert.False(t, results[0].LoadedAt.IsZero())
	assert.Equal(t, []string{"minilm"}, c.Loaded())
}

func TestGetOrLoad_FailureReachesEveryWaiterThenRetries(t *testing.T) {
	c := New()
	boom := errors.New("device unavailable")
	gate := make(chan struct{})
	var calls atomic.Int64
	failing := func(ctx context.Context) (*LoadedModel, error) {
		calls.Add(1)
		<-gate
		return nil, boom
	}

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.GetOrLoad(context.Background(), "minilm", failing)
			errs <- err
		}()
	}
	// Let every caller reach the in-flight slot before the load fails.
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, ok := c.slots["minilm"]
		return ok
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, boom)
	}
	assert.Equal(t, int64(1), calls.Load())
	assert.Empty(t, c.Loaded())

	var okCalls atomic.Int64
	m, err := c.GetOrLoad(context.Background(), "minilm", modelLoader(&okCalls, 0))
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, int64(1), okCalls.Load())
}

func TestGetOrLoad_AliasesLoadIndependently(t *testing.T) {
	c := New()
	gate := make(chan struct{})
	defer close(gate)
	slow := func(ctx context.Context) (*LoadedModel, error) {
		<-gate
		return &LoadedModel{Handle: &fakeHandle{dim: 4}}, nil
	}
	go func() { _, _ = c.GetOrLoad(context.Background(), "slow", slow) }()

	var calls atomic.Int64
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(context.Background(), "fast", modelLoader(&calls, 0))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("load of one alias blocked behind another")
	}
	assert.Equal(t, []string{"fast"}, c.Loaded())
}

func TestGetOrLoad_WaiterCancelDoesNotAbortLoad(t *testing.T) {
	c := New()
	gate := make(chan struct{})
	var calls atomic.Int64
	var loaderCtxErr atomic.Value
	loader := func(ctx context.Context) (*LoadedModel, error) {
		calls.Add(1)
		<-gate
		if err := ctx.Err(); err != nil {
			loaderCtxErr.Store(err)
		}
		return &LoadedModel{Handle: &fakeHandle{dim: 4}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(ctx, "minilm", loader)
		errc <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(gate)
	m, err := c.GetOrLoad(context.Background(), "minilm", loader)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, int64(1), calls.Load())
	assert.Nil(t, loaderCtxErr.Load())
}

func TestGetOrLoad_LoaderPanic(t *testing.T) {
	c := New()
	_, err := c.GetOrLoad(context.Background(), "minilm", func(ctx context.Context) (*LoadedModel, error) {
		panic("corrupt weights")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Empty(t, c.Loaded())

	var calls atomic.Int64
	_, err = c.GetOrLoad(context.Background(), "minilm", modelLoader(&calls, 0))
	assert.NoError(t, err)
}

func TestGetOrLoad_NilModel(t *testing.T) {
	c := New()
	_, err := c.GetOrLoad(context.Background(), "minilm", func(ctx context.Context) (*LoadedModel, error) {
		return nil, nil
	})
	assert.Error(t, err)
	assert.Empty(t, c.Loaded())
}

func TestMaxLoaded_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(WithMaxLoaded(2))
	handles := map[string]*fakeHandle{}
	loaderFor := func(alias string) Loader {
		return func(ctx context.Context) (*LoadedModel, error) {
			h := &fakeHandle{dim: 4}
			handles[alias] = h
			return &LoadedModel{Handle: h}, nil
		}
	}
	ctx := context.Background()
	for _, alias := range []string{"a", "b"} {
		_, err := c.GetOrLoad(ctx, alias, loaderFor(alias))
		require.NoError(t, err)
	}
	// Touch a so b becomes the oldest.
	_, err := c.GetOrLoad(ctx, "a", loaderFor("a"))
	require.NoError(t, err)
	_, err = c.GetOrLoad(ctx, "c", loaderFor("c"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, c.Loaded())
	require.Eventually(t, func() bool { return handles["b"].closed.Load() }, time.Second, time.Millisecond)
	assert.False(t, handles["a"].closed.Load())
}

func TestEvict_WaitsForInFlightEmbed(t *testing.T) {
	c := New()
	h := &fakeHandle{dim: 4, started: make(chan struct{}, 1), gate: make(chan struct{})}
	m, err := c.GetOrLoad(context.Background(), "minilm", func(ctx context.Context) (*LoadedModel, error) {
		return &LoadedModel{Handle: h}, nil
	})
	require.NoError(t, err)

	embedDone := make(chan error, 1)
	go func() {
		_, err := m.Embed(context.Background(), []string{"hello"})
		embedDone <- err
	}()
	<-h.started

	evicted := make(chan bool, 1)
	go func() { evicted <- c.Evict("minilm") }()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.closed.Load(), "handle closed while an embed was running")
	close(h.gate)

	assert.NoError(t, <-embedDone)
	assert.True(t, <-evicted)
	assert.True(t, h.closed.Load())
	assert.Empty(t, c.Loaded())

	_, err = m.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrUnloaded)
}

func TestEvict_NotLoaded(t *testing.T) {
	c := New()
	assert.False(t, c.Evict("missing"))
}

func TestEvict_InvalidatesInFlightLoad(t *testing.T) {
	c := New()
	stale := &fakeHandle{dim: 4}
	release := make(chan struct{})
	started := make(chan struct{})

	waitErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(context.Background(), "minilm", func(ctx context.Context) (*LoadedModel, error) {
			close(started)
			<-release
			return &LoadedModel{Handle: stale, Dimension: 4}, nil
		})
		waitErr <- err
	}()
	<-started

	assert.False(t, c.Evict("minilm"), "nothing was loaded yet")
	close(release)

	assert.ErrorIs(t, <-waitErr, ErrUnloaded)
	require.Eventually(t, stale.closed.Load, time.Second, time.Millisecond)
	assert.Empty(t, c.Loaded())

	fresh := &fakeHandle{dim: 8}
	m, err := c.GetOrLoad(context.Background(), "minilm", func(ctx context.Context) (*LoadedModel, error) {
		return &LoadedModel{Handle: fresh, Dimension: 8}, nil
	})
	require.NoError(t, err)
	assert.Same(t, fresh, m.Handle)
}

func TestClose(t *testing.T) {
	c := New()
	h := &fakeHandle{dim: 4}
	_, err := c.GetOrLoad(context.Background(), "minilm", func(ctx context.Context) (*LoadedModel, error) {
		return &LoadedModel{Handle: h}, nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, h.closed.Load())
	assert.Empty(t, c.Loaded())

	var calls atomic.Int64
	_, err = c.GetOrLoad(context.Background(), "minilm", modelLoader(&calls, 0))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, calls.Load())
}

func TestGet(t *testing.T) {
	c := New()
	_, ok := c.Get("minilm")
	assert.False(t, ok)

	var calls atomic.Int64
	want, err := c.GetOrLoad(context.Background(), "minilm", modelLoader(&calls, 0))
	require.NoError(t, err)
	got, ok := c.Get("minilm")
	assert.True(t, ok)
	assert.Same(t, want, got)
}
