package regencache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenlab/regencache/config"
	"github.com/regenlab/regencache/types"
)

type countingRenderer struct {
	mu      sync.Mutex
	calls   int64
	payload string
	delay   time.Duration
	err     error
}

func (r *countingRenderer) Render(_ context.Context, key string, _ map[string]string) (*types.RenderOutput, error) {
	atomic.AddInt64(&r.calls, 1)

	r.mu.Lock()
	payload, delay, err := r.payload, r.delay, r.err
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if err != nil {
		return nil, err
	}

	return &types.RenderOutput{
		Payload:     []byte(fmt.Sprintf("%s:%s", key, payload)),
		ContentType: "text/html",
	}, nil
}

func (r *countingRenderer) renders() int64 {
	return atomic.LoadInt64(&r.calls)
}

func (r *countingRenderer) setPayload(payload string) {
	r.mu.Lock()
	r.payload = payload
	r.mu.Unlock()
}

func (r *countingRenderer) setDelay(delay time.Duration) {
	r.mu.Lock()
	r.delay = delay
	r.mu.Unlock()
}

func newTestService(t *testing.T, renderer types.Renderer) *Service {
	t.Helper()

	cfg := config.NewLoader().Defaults()
	cfg.Name = "test"
	cfg.Logger.Type = "nop"
	cfg.Scheduler.RenderTimeout = 2 * time.Second

	svc, err := NewServiceWithConfig(context.Background(), cfg, renderer)
	require.NoError(t, err)
	require.NoError(t, svc.Start())

	t.Cleanup(func() {
		if svc.IsRunning() {
			require.NoError(t, svc.Stop())
		}
	})

	return svc
}

func pageRequest(key string, revalidate time.Duration, tags ...string) *types.RenderRequest {
	return &types.RenderRequest{
		Key:        key,
		Params:     map[string]string{"locale": "en"},
		Revalidate: revalidate,
		Tags:       tags,
	}
}

func TestService_ServeMissingRendersBlocking(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	result, err := svc.Serve(context.Background(), pageRequest("/products/1", time.Minute))
	require.NoError(t, err)

	assert.Equal(t, types.ServedGenerated, result.ServedFrom)
	assert.Equal(t, []byte("/products/1:v1"), result.Payload)
	assert.Equal(t, "text/html", result.ContentType)
	assert.EqualValues(t, 1, renderer.renders())
}

func TestService_ServeFreshHitsCache(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	req := pageRequest("/products/1", time.Minute)

	_, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	result, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, types.ServedFresh, result.ServedFrom)
	assert.Equal(t, []byte("/products/1:v1"), result.Payload)
	assert.EqualValues(t, 1, renderer.renders(), "fresh serve must not render")
	assert.GreaterOrEqual(t, result.Age, time.Duration(0))
}

func TestService_ServeStaleTriggersBackgroundRefresh(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	req := pageRequest("/products/1", 30*time.Millisecond)

	_, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	renderer.setPayload("v2")
	time.Sleep(50 * time.Millisecond)

	result, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	// the stale payload is served one more time
	assert.Equal(t, types.ServedStale, result.ServedFrom)
	assert.Equal(t, []byte("/products/1:v1"), result.Payload)

	require.Eventually(t, func() bool {
		entry, err := svc.Store().Get(context.Background(), "/products/1")
		return err == nil && string(entry.Payload) == "/products/1:v2"
	}, 2*time.Second, 10*time.Millisecond, "background refresh must land")

	entry, err := svc.Store().Get(context.Background(), "/products/1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, entry.Generation)
}

func TestService_ConcurrentMissesRenderOnce(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	req := pageRequest("/products/1", time.Minute)

	const workers = 25
	var wg sync.WaitGroup
	results := make([]*types.ServeResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Serve(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("/products/1:v1"), results[i].Payload)
	}

	assert.EqualValues(t, 1, renderer.renders(), "concurrent misses must collapse into one render")
}

func TestService_ConcurrentStaleServesRenderOnce(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	req := pageRequest("/products/1", 30*time.Millisecond)

	_, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	renderer.setPayload("v2")
	renderer.setDelay(300 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	const workers = 50
	var wg sync.WaitGroup
	results := make([]*types.ServeResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Serve(context.Background(), req)
		}(i)
	}
	wg.Wait()

	// nobody blocks on the slow refresh, everybody gets the old payload
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, types.ServedStale, results[i].ServedFrom)
		assert.Equal(t, []byte("/products/1:v1"), results[i].Payload)
	}

	require.Eventually(t, func() bool {
		entry, err := svc.Store().Get(context.Background(), "/products/1")
		return err == nil && string(entry.Payload) == "/products/1:v2"
	}, 2*time.Second, 10*time.Millisecond, "background refresh must land")

	assert.EqualValues(t, 2, renderer.renders(), "concurrent stale serves must collapse into one refresh")
}

func TestService_RevalidateNeverStaysFresh(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	req := pageRequest("/about", types.RevalidateNever)

	_, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	result, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, types.ServedFresh, result.ServedFrom)
	assert.EqualValues(t, 1, renderer.renders())
}

func TestService_InvalidateBlocksNextServe(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	req := pageRequest("/products/1", time.Minute)

	_, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	renderer.setPayload("v2")
	require.NoError(t, svc.Invalidate(context.Background(), []string{"/products/1"}, false))

	result, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, types.ServedGenerated, result.ServedFrom)
	assert.Equal(t, []byte("/products/1:v2"), result.Payload)
	assert.EqualValues(t, 2, renderer.renders())
}

func TestService_InvalidateTag(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	_, err := svc.Serve(context.Background(), pageRequest("/products/1", time.Minute, "products"))
	require.NoError(t, err)
	_, err = svc.Serve(context.Background(), pageRequest("/products/2", time.Minute, "products"))
	require.NoError(t, err)
	_, err = svc.Serve(context.Background(), pageRequest("/about", time.Minute, "static"))
	require.NoError(t, err)

	count, err := svc.InvalidateTag(context.Background(), "products", true)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// untagged entry stays fresh
	result, err := svc.Serve(context.Background(), pageRequest("/about", time.Minute, "static"))
	require.NoError(t, err)
	assert.Equal(t, types.ServedFresh, result.ServedFrom)

	// tagged entry regenerates
	result, err = svc.Serve(context.Background(), pageRequest("/products/1", time.Minute, "products"))
	require.NoError(t, err)
	assert.Equal(t, types.ServedGenerated, result.ServedFrom)
}

func TestService_InvalidateValidation(t *testing.T) {
	svc := newTestService(t, &countingRenderer{payload: "v1"})

	assert.Error(t, svc.Invalidate(context.Background(), nil, false))

	_, err := svc.InvalidateTag(context.Background(), "", false)
	assert.Error(t, err)
}

func TestService_ServeRequiresRunning(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	require.NoError(t, svc.Stop())

	_, err := svc.Serve(context.Background(), pageRequest("/products/1", time.Minute))
	assert.True(t, types.IsError(err, types.ErrServiceIsNotRunning))
}

func TestService_ServeValidation(t *testing.T) {
	svc := newTestService(t, &countingRenderer{payload: "v1"})

	_, err := svc.Serve(context.Background(), nil)
	assert.True(t, types.IsError(err, types.ErrEntryKeyEmpty))

	_, err = svc.Serve(context.Background(), &types.RenderRequest{})
	assert.True(t, types.IsError(err, types.ErrEntryKeyEmpty))
}

func TestService_FirstRenderFailureCreatesNoEntry(t *testing.T) {
	renderer := &countingRenderer{err: types.ErrRenderFailed}
	svc := newTestService(t, renderer)

	_, err := svc.Serve(context.Background(), pageRequest("/products/1", time.Minute))
	require.Error(t, err)

	_, err = svc.Store().Get(context.Background(), "/products/1")
	assert.True(t, types.IsError(err, types.ErrEntryNotFound))
}

func TestService_RenderErrorSurfacesAndStoreUntouched(t *testing.T) {
	renderer := &countingRenderer{payload: "v1"}
	svc := newTestService(t, renderer)

	req := pageRequest("/products/1", time.Minute)

	_, err := svc.Serve(context.Background(), req)
	require.NoError(t, err)

	before, err := svc.Store().Get(context.Background(), "/products/1")
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(context.Background(), []string{"/products/1"}, false))

	renderer.mu.Lock()
	renderer.err = types.ErrRenderFailed
	renderer.mu.Unlock()

	_, err = svc.Serve(context.Background(), req)
	require.Error(t, err)

	after, err := svc.Store().Get(context.Background(), "/products/1")
	require.NoError(t, err)
	assert.Equal(t, before.GeneratedAt, after.GeneratedAt, "failed render must not touch the stored entry")
}

func TestService_DoubleStartAndStop(t *testing.T) {
	svc := newTestService(t, &countingRenderer{payload: "v1"})

	assert.True(t, types.IsError(svc.Start(), types.ErrServiceIsRunning))
	require.NoError(t, svc.Stop())
	assert.True(t, types.IsError(svc.Stop(), types.ErrServiceIsNotRunning))
}
