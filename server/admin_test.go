package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/regenlab/regencache/health"
	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

type fakeInvalidator struct {
	keys []string
	tag  string
	hard bool
	err  error
}

func (f *fakeInvalidator) Invalidate(_ context.Context, keys []string, hard bool) error {
	f.keys = keys
	f.hard = hard
	return f.err
}

func (f *fakeInvalidator) InvalidateTag(_ context.Context, tag string, hard bool) (int, error) {
	f.tag = tag
	f.hard = hard
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func newTestAdmin(t *testing.T, token string, inv Invalidator) *AdminServer {
	t.Helper()

	healthMgr := health.NewManager(context.Background(), logger.NewNopLogger())

	a, err := NewAdminServer(
		context.Background(),
		&types.AdminConfig{Enabled: true, Host: "localhost", Port: 0, Token: token},
		logger.NewNopLogger(),
		inv,
		healthMgr,
		nil,
	)
	require.NoError(t, err)

	return a
}

func doRequest(a *AdminServer, method, path, token string, body []byte) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	if token != "" {
		req.Header.Set("Token", token)
	}
	if body != nil {
		req.SetBody(body)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)

	a.Handler()(ctx)

	return ctx
}

func TestAdminServer_Revalidate(t *testing.T) {
	inv := &fakeInvalidator{}
	a := newTestAdmin(t, "", inv)

	ctx := doRequest(a, "POST", "/revalidate", "", []byte(`{"keys":["/a","/b"],"hard":true}`))

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, []string{"/a", "/b"}, inv.keys)
	assert.True(t, inv.hard)

	var resp revalidateResponse
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, 2, resp.Revalidated)
}

func TestAdminServer_RevalidateRequiresKeys(t *testing.T) {
	a := newTestAdmin(t, "", &fakeInvalidator{})

	ctx := doRequest(a, "POST", "/revalidate", "", []byte(`{"keys":[]}`))

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestAdminServer_RevalidateTag(t *testing.T) {
	inv := &fakeInvalidator{}
	a := newTestAdmin(t, "", inv)

	ctx := doRequest(a, "POST", "/revalidate/tag", "", []byte(`{"tag":"products"}`))

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "products", inv.tag)

	var resp revalidateResponse
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, 3, resp.Revalidated)
}

func TestAdminServer_TokenRequired(t *testing.T) {
	a := newTestAdmin(t, "secret", &fakeInvalidator{})

	ctx := doRequest(a, "POST", "/revalidate", "", []byte(`{"keys":["/a"]}`))
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = doRequest(a, "POST", "/revalidate", "secret", []byte(`{"keys":["/a"]}`))
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestAdminServer_Health(t *testing.T) {
	a := newTestAdmin(t, "", &fakeInvalidator{})

	ctx := doRequest(a, "GET", "/healthz", "", nil)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)
}

func TestAdminServer_Version(t *testing.T) {
	a := newTestAdmin(t, "", &fakeInvalidator{})

	ctx := doRequest(a, "GET", "/version", "", nil)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var info health.BuildInfo
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &info))
	assert.NotEmpty(t, info.GoVersion)
}

func TestAdminServer_NotFound(t *testing.T) {
	a := newTestAdmin(t, "", &fakeInvalidator{})

	ctx := doRequest(a, "GET", "/nope", "", nil)

	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestAdminServer_Lifecycle(t *testing.T) {
	a := newTestAdmin(t, "", &fakeInvalidator{})

	require.NoError(t, a.Start())
	assert.True(t, a.IsRunning())
	assert.Error(t, a.Start())

	require.NoError(t, a.Stop())
	assert.False(t, a.IsRunning())
}
