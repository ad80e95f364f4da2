package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/service"
)

// Server wraps the HTTP server and mux for the Weft API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the API server listening on all interfaces. With a nil cp
// only the read-only system endpoints mount; everything else 404s until a
// control plane is wired in.
func NewServer(
	port int,
	adminToken string,
	systemInfo service.SystemInfo,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	envCfg *config.EnvConfig,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	fabric FabricDeps,
) *Server {
	return NewServerWithAddress(
		"",
		port,
		adminToken,
		systemInfo,
		runtimeCfg,
		envCfg,
		cp,
		apiMaxBodyBytes,
		fabric,
	)
}

// NewServerWithAddress is NewServer with an explicit bind address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	adminToken string,
	systemInfo service.SystemInfo,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	envCfg *config.EnvConfig,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	fabric FabricDeps,
) *Server {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /api/ai-engine/health", HandleFabricHealth(fabric))
	mux.Handle("POST /api/ai-engine/token/refresh",
		RequestBodyLimitMiddleware(apiMaxBodyBytes, HandleTokenRefresh(fabric.Tokens)))

	// Fabric data plane. The node-token guard applies when signing is
	// configured; these are the endpoints peers call on each other.
	fabricRoutes := http.NewServeMux()
	fabricRoutes.Handle("POST /api/ai-engine/search", HandleFabricSearch(fabric))
	fabricRoutes.Handle("POST /api/ai-engine/chat", HandleFabricChat(fabric))
	fabricRoutes.Handle("POST /api/ai-engine/actions", HandleFabricAction(fabric))
	fabricRoutes.Handle("POST /api/ai-engine/aggregate", HandleFabricAggregate(fabric))
	limitedFabric := RequestBodyLimitMiddleware(apiMaxBodyBytes, fabricRoutes)
	mux.Handle("/api/ai-engine/", NodeAuthMiddleware(fabric.Tokens, limitedFabric))

	// Admin surface behind the bearer-token guard.
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(systemInfo))
	authed.Handle("GET /api/v1/system/config", HandleSystemConfig(runtimeCfg))
	authed.Handle("GET /api/v1/system/config/default", HandleSystemDefaultConfig())
	authed.Handle("GET /api/v1/system/config/env", HandleSystemEnvConfig(envCfg))

	if cp != nil {
		// Runtime config updates.
		authed.Handle("PATCH /api/v1/system/config", HandlePatchSystemConfig(cp))

		// Node registry.
		authed.Handle("GET /api/v1/nodes", HandleListNodes(cp))
		authed.Handle("POST /api/v1/nodes", HandleCreateNode(cp))
		authed.Handle("GET /api/v1/nodes/{id}", HandleGetNode(cp))
		authed.Handle("PATCH /api/v1/nodes/{id}", HandleUpdateNode(cp))
		authed.Handle("DELETE /api/v1/nodes/{id}", HandleDeleteNode(cp))
		authed.Handle("POST /api/v1/nodes/{id}/ping", HandlePingNode(cp))
		authed.Handle("POST /api/v1/nodes/{id}/token", HandleIssueNodeToken(cp))
		authed.Handle("POST /api/v1/nodes/{id}/token/revoke", HandleRevokeNodeToken(cp))

		// Circuit breakers.
		authed.Handle("GET /api/v1/breakers", HandleListBreakers(cp))
		authed.Handle("GET /api/v1/breakers/{id}", HandleGetBreaker(cp))
		authed.Handle("POST /api/v1/breakers/{id}/reset", HandleResetBreaker(cp))

		// Query cache.
		authed.Handle("GET /api/v1/cache/stats", HandleCacheStats(cp))
		authed.Handle("POST /api/v1/cache/invalidate", HandleInvalidateCache(cp))

		// Routing.
		authed.Handle("POST /api/v1/routing/explain", HandleExplainRouting(cp))

		// Search log.
		authed.Handle("GET /api/v1/searches", HandleListSearches(cp))

		// Metrics.
		authed.Handle("GET /api/v1/metrics/nodes", HandleNodeMetrics(cp))
	}

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe serves until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the root mux so tests can drive requests directly.
func (s *Server) Handler() http.Handler {
	return s.mux
}
