package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/regenlab/regencache/health"
	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Invalidator is the slice of the cache service the admin endpoint drives.
type Invalidator interface {
	Invalidate(ctx context.Context, keys []string, hard bool) error
	InvalidateTag(ctx context.Context, tag string, hard bool) (int, error)
}

type revalidateRequest struct {
	Keys []string `json:"keys"`
	Tag  string   `json:"tag"`
	Hard bool     `json:"hard"`
}

type revalidateResponse struct {
	Revalidated int  `json:"revalidated"`
	Hard        bool `json:"hard"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AdminServer exposes the operational surface: invalidation, health,
// metrics and build info. Page traffic never passes through it.
type AdminServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.AdminConfig
	logger          types.Logger
	invalidator     Invalidator
	healthMgr       types.HealthManager
	metrics         types.MetricsManager
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewAdminServer(
	ctx context.Context,
	config *types.AdminConfig,
	logger types.Logger,
	invalidator Invalidator,
	healthMgr types.HealthManager,
	metrics types.MetricsManager,
) (*AdminServer, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrServerNotRunning
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := 5 * time.Second
	if config.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(config.ShutdownTimeout) * time.Second
	}

	a := &AdminServer{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		invalidator:     invalidator,
		healthMgr:       healthMgr,
		metrics:         metrics,
		shutdownTimeout: shutdownTimeout,
	}

	a.state.Store(StateStopped)

	return a, nil
}

func (a *AdminServer) Start() error {
	if !a.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if a.getState() == StateStarting {
			a.setState(StateRunning)
		}
	}()

	a.server = &fasthttp.Server{
		Handler:               a.Handler(),
		ReadTimeout:           time.Duration(a.config.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(a.config.WriteTimeout) * time.Second,
		NoDefaultServerHeader: true,
		CloseOnShutdown:       true,
	}

	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		a.setState(StateStopped)
		return types.WrapError(err, "admin listener failed")
	}
	a.listener = listener

	go func() {
		if err := a.server.Serve(a.listener); err != nil {
			a.logger.Error("Admin server failed", zap.Error(err))
			a.setState(StateStopped)
		}
	}()

	a.logger.Info("Admin server started successfully",
		zap.String("address", addr))

	return nil
}

func (a *AdminServer) Stop() error {
	if !a.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		a.setState(StateStopped)
		a.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if a.server != nil {
			if a.listener != nil {
				if err := a.listener.Close(); err != nil {
					a.logger.Error("Failed to close admin listener", zap.Error(err))
				}
			}
			if err := a.server.ShutdownWithContext(ctx); err != nil {
				return nil
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			a.logger.Warn("Admin server stop timeout")
		default:
			a.logger.Error("Error during admin server shutdown", zap.Error(err))
		}
	} else {
		a.logger.Info("Admin server stopped gracefully")
	}

	return nil
}

func (a *AdminServer) IsRunning() bool {
	return a.getState() == StateRunning
}

// Handler returns the request handler. Exposed for tests.
func (a *AdminServer) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !a.authorize(ctx) {
			a.writeError(ctx, fasthttp.StatusUnauthorized, types.ErrAdminTokenInvalid)
			return
		}

		method := string(ctx.Method())
		path := string(ctx.Path())

		switch {
		case method == fasthttp.MethodPost && path == "/revalidate":
			a.handleRevalidate(ctx)
		case method == fasthttp.MethodPost && path == "/revalidate/tag":
			a.handleRevalidateTag(ctx)
		case method == fasthttp.MethodGet && path == "/healthz":
			a.handleHealth(ctx)
		case method == fasthttp.MethodGet && path == "/metrics":
			a.handleMetrics(ctx)
		case method == fasthttp.MethodGet && path == "/version":
			a.handleVersion(ctx)
		default:
			ctx.Error("Not found", fasthttp.StatusNotFound)
		}
	}
}

func (a *AdminServer) authorize(ctx *fasthttp.RequestCtx) bool {
	if a.config.Token == "" {
		return true
	}
	return string(ctx.Request.Header.Peek("Token")) == a.config.Token
}

func (a *AdminServer) handleRevalidate(ctx *fasthttp.RequestCtx) {
	var req revalidateRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		a.writeError(ctx, fasthttp.StatusBadRequest, types.WrapError(err, "invalid request body"))
		return
	}

	if len(req.Keys) == 0 {
		a.writeError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrInvalidParameter, "keys required"))
		return
	}

	if err := a.invalidator.Invalidate(ctx, req.Keys, req.Hard); err != nil {
		a.logger.Error("Revalidate request failed",
			zap.Strings("keys", req.Keys),
			zap.Error(err))
		a.writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}

	a.writeJSON(ctx, fasthttp.StatusOK, &revalidateResponse{
		Revalidated: len(req.Keys),
		Hard:        req.Hard,
	})
}

func (a *AdminServer) handleRevalidateTag(ctx *fasthttp.RequestCtx) {
	var req revalidateRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		a.writeError(ctx, fasthttp.StatusBadRequest, types.WrapError(err, "invalid request body"))
		return
	}

	if req.Tag == "" {
		a.writeError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrInvalidParameter, "tag required"))
		return
	}

	count, err := a.invalidator.InvalidateTag(ctx, req.Tag, req.Hard)
	if err != nil {
		a.logger.Error("Tag revalidate request failed",
			zap.String("tag", req.Tag),
			zap.Error(err))
		a.writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}

	a.writeJSON(ctx, fasthttp.StatusOK, &revalidateResponse{
		Revalidated: count,
		Hard:        req.Hard,
	})
}

func (a *AdminServer) handleHealth(ctx *fasthttp.RequestCtx) {
	if a.healthMgr == nil {
		ctx.Error("Not found", fasthttp.StatusNotFound)
		return
	}

	report := a.healthMgr.Check(ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	a.writeJSON(ctx, status, &report)
}

func (a *AdminServer) handleMetrics(ctx *fasthttp.RequestCtx) {
	if a.metrics == nil {
		ctx.Error("Not found", fasthttp.StatusNotFound)
		return
	}

	data, err := a.metrics.GetMetrics()
	if err != nil {
		a.writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(data)
}

func (a *AdminServer) handleVersion(ctx *fasthttp.RequestCtx) {
	a.writeJSON(ctx, fasthttp.StatusOK, health.GetBuildInfo())
}

func (a *AdminServer) writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := utils.Marshal(body)
	if err != nil {
		ctx.Error("Internal server error", fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(data)
}

func (a *AdminServer) writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	a.writeJSON(ctx, status, &errorResponse{Error: err.Error()})
}

func (a *AdminServer) getState() State {
	return a.state.Load().(State)
}

func (a *AdminServer) setState(newState State) bool {
	currentState := a.getState()
	return a.state.CompareAndSwap(currentState, newState)
}

func (a *AdminServer) transitionState(from, to State) bool {
	return a.state.CompareAndSwap(from, to)
}
