package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the chat routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// Streams may run for the whole stream deadline.
		WriteTimeout: g.streamTimeout + 30*time.Second,
	}
	g.srvMu.Lock()
	g.srv = srv
	g.srvMu.Unlock()
	return srv.ListenAndServe(addr)
}

// Shutdown stops the server started by Start, waiting for open requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.srv
	g.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

// Handler builds the full HTTP handler with middleware applied.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat", g.instrument("chat", g.handleChat))
	r.POST("/v1/chat/stream", g.instrument("chat_stream", g.handleChatStream))
	r.POST("/v1/chat/completions", g.instrument("chat_completions", g.handleChatCompletions))

	r.GET("/v1/providers", g.instrument("providers", g.handleProviders))
	r.GET("/v1/providers/active", g.instrument("providers_active", g.handleActiveProvider))

	r.GET("/v1/custom-providers", g.instrument("custom_catalog", g.handleCustomCatalog))
	r.GET("/v1/custom-providers/{id}", g.instrument("custom_catalog", g.handleCustomInfo))
	r.POST("/v1/custom-providers/{id}/validate", g.instrument("custom_validate", g.handleValidateKey))

	r.GET("/v1/users/{user}/provider", g.instrument("user_provider", g.handleGetUserProvider))
	r.PUT("/v1/users/{user}/provider", g.instrument("user_provider", g.handleSetupUserProvider))
	r.DELETE("/v1/users/{user}/provider", g.instrument("user_provider", g.handleRemoveUserProvider))
	r.POST("/v1/users/{user}/provider/toggle", g.instrument("user_provider", g.handleToggleUserProvider))
	r.PUT("/v1/users/{user}/provider/model", g.instrument("user_provider", g.handleSetUserModel))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		accessLog(g.log),
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSONStatus(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	writeJSONStatus(ctx, fasthttp.StatusOK, v)
}

func writeJSONStatus(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
