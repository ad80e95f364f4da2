package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/auth"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/fedsearch"
	"github.com/weftworks/weft/internal/forward"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/routing"
	"github.com/weftworks/weft/internal/service"
)

// Fabric endpoints speak the inter-node wire format: camelCase bodies
// under /api/ai-engine, guarded by X-Node-Token except for health and
// the refresh exchange.

const fabricDefaultLimit = 20

// ChatRequest is the fabric chat body.
type ChatRequest struct {
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// ActionRequest is the fabric action body.
type ActionRequest struct {
	ActionType string         `json:"actionType"`
	Data       map[string]any `json:"data"`
	SessionID  string         `json:"sessionId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
}

// LocalChat answers chat turns that route local. Implementations come
// from the host process; a nil backend turns local turns into an
// explicit no-backend error rather than a guessed reply.
type LocalChat interface {
	Chat(ctx context.Context, req ChatRequest) (json.RawMessage, error)
}

// LocalAction executes actions that route local.
type LocalAction interface {
	Execute(ctx context.Context, req ActionRequest) (json.RawMessage, error)
}

// FabricDeps collects the collaborators behind the node-facing
// endpoints. Nil fields degrade their endpoint cleanly instead of
// panicking: no router means every call runs local, no backend means an
// explicit error response.
type FabricDeps struct {
	Registry *registry.Registry
	Search   *fedsearch.Service
	Local    fedsearch.LocalSearcher
	Forward  *forward.Forwarder
	Router   *routing.Router
	Catalog  *discovery.Catalog
	Tokens   *auth.Service
	Chat     LocalChat
	Action   LocalAction
	Info     service.SystemInfo
}

type fabricHealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	model.NodeMetadata
}

// HandleFabricHealth returns a handler for GET /api/ai-engine/health.
// Masters ping it and merge the advertised metadata into their registry
// record; the route stays open so a peer can probe before it holds a
// token.
func HandleFabricHealth(deps FabricDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := fabricHealthResponse{Status: "healthy", Version: deps.Info.Version}
		if deps.Catalog != nil {
			resp.NodeMetadata = deps.Catalog.LocalMetadata()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

type searchRequest struct {
	Query   string         `json:"query"`
	Limit   int            `json:"limit"`
	Options map[string]any `json:"options"`
	UserID  string         `json:"userId"`
}

// HandleFabricSearch returns a handler for POST /api/ai-engine/search.
// One handler serves both roles: with active children registered the
// query federates across the fabric and the merged shape comes back;
// without any the node answers from its local corpus in the plain peer
// shape.
func HandleFabricSearch(deps FabricDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body searchRequest
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		query := strings.TrimSpace(body.Query)
		if query == "" {
			writeInvalidArgument(w, "query: is required")
			return
		}
		if body.Limit < 0 {
			writeInvalidArgument(w, "limit: must be non-negative")
			return
		}
		userID := body.UserID
		if userID == "" {
			userID = optionString(body.Options, "userId")
		}

		if deps.Search != nil && hasActiveChildren(deps.Registry) {
			resp := deps.Search.Search(r.Context(), fedsearch.Request{
				Query:   query,
				NodeIDs: optionStrings(body.Options, "nodeIds"),
				Limit:   body.Limit,
				Options: body.Options,
				UserID:  userID,
				Inbound: r,
			})
			WriteJSON(w, http.StatusOK, resp)
			return
		}

		// Child serving: answer from the local corpus only.
		start := time.Now()
		limit := body.Limit
		if limit <= 0 {
			limit = fabricDefaultLimit
		}
		results := []model.SearchResult{}
		if deps.Local != nil {
			found, err := deps.Local.Search(r.Context(), query, limit, body.Options)
			if err != nil {
				log.Printf("[api] local search failed: %v", err)
				WriteError(w, http.StatusInternalServerError, "SEARCH_FAILED", "local search failed")
				return
			}
			if found != nil {
				results = found
			}
		}
		WriteJSON(w, http.StatusOK, model.PeerSearchResponse{
			Results:    results,
			Count:      len(results),
			DurationMs: time.Since(start).Milliseconds(),
		})
	}
}

// HandleFabricChat returns a handler for POST /api/ai-engine/chat. The
// router picks the owning node; remote turns forward with failover and
// fall back to the local backend when every alternate fails.
func HandleFabricChat(deps FabricDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeInvalidArgument(w, "message: is required")
			return
		}
		if strings.TrimSpace(req.SessionID) == "" {
			writeInvalidArgument(w, "sessionId: is required")
			return
		}

		decision := routeFabric(r.Context(), deps, req.Message, optionStrings(req.Options, "collections"), routing.Options{
			PreferredNode: optionString(req.Options, "preferredNode"),
		})
		if decision.IsLocal || deps.Forward == nil {
			writeLocalChat(w, r, deps, req)
			return
		}

		res := deps.Forward.ForwardChat(r.Context(), decision.Node, req, forward.Options{
			Collection: firstCollection(decision.Collections),
			Inbound:    r,
		})
		if !res.Success {
			if deps.Chat != nil {
				log.Printf("[api] chat forward to %s failed (%s), answering locally", decision.Slug, res.Error)
				writeLocalChat(w, r, deps, req)
				return
			}
			WriteError(w, http.StatusBadGateway, "UPSTREAM_FAILED", "chat forwarding failed")
			return
		}
		writeRawJSON(w, http.StatusOK, res.Payload)
	}
}

func writeLocalChat(w http.ResponseWriter, r *http.Request, deps FabricDeps, req ChatRequest) {
	if deps.Chat == nil {
		WriteError(w, http.StatusNotImplemented, "NO_CHAT_BACKEND", "no local chat backend configured")
		return
	}
	payload, err := deps.Chat.Chat(r.Context(), req)
	if err != nil {
		log.Printf("[api] local chat failed: %v", err)
		WriteError(w, http.StatusInternalServerError, "CHAT_FAILED", "local chat failed")
		return
	}
	writeRawJSON(w, http.StatusOK, payload)
}

// HandleFabricAction returns a handler for POST /api/ai-engine/actions.
// Actions route on keywords alone and never fail over: they may be
// side-effectful, so an LLM verdict or a retry on an alternate node
// could run them twice or on the wrong system.
func HandleFabricAction(deps FabricDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ActionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if strings.TrimSpace(req.ActionType) == "" {
			writeInvalidArgument(w, "actionType: is required")
			return
		}
		if req.Data == nil {
			writeInvalidArgument(w, "data: is required")
			return
		}

		decision := routeFabric(r.Context(), deps, req.ActionType, nil, routing.Options{KeywordOnly: true})
		if decision.IsLocal || deps.Forward == nil {
			writeLocalAction(w, r, deps, req)
			return
		}

		res := deps.Forward.ForwardAction(r.Context(), decision.Node, req, forward.Options{Inbound: r})
		if !res.Success {
			log.Printf("[api] action %s on %s failed: %s", req.ActionType, decision.Slug, res.Error)
			WriteError(w, http.StatusBadGateway, "UPSTREAM_FAILED", "action dispatch failed")
			return
		}
		writeRawJSON(w, http.StatusOK, res.Payload)
	}
}

func writeLocalAction(w http.ResponseWriter, r *http.Request, deps FabricDeps, req ActionRequest) {
	if deps.Action == nil {
		WriteError(w, http.StatusNotImplemented, "NO_ACTION_BACKEND", "no local action backend configured")
		return
	}
	payload, err := deps.Action.Execute(r.Context(), req)
	if err != nil {
		log.Printf("[api] local action %s failed: %v", req.ActionType, err)
		WriteError(w, http.StatusInternalServerError, "ACTION_FAILED", "local action failed")
		return
	}
	writeRawJSON(w, http.StatusOK, payload)
}

type aggregateRequest struct {
	Collections []string `json:"collections"`
	UserID      string   `json:"userId,omitempty"`
}

// HandleFabricAggregate returns a handler for POST /api/ai-engine/aggregate.
func HandleFabricAggregate(deps FabricDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req aggregateRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		data := map[string]model.CollectionStats{}
		if deps.Search != nil {
			if got := deps.Search.Aggregate(r.Context(), req.Collections, req.UserID, r); got != nil {
				data = got
			}
		}
		WriteJSON(w, http.StatusOK, model.AggregateResponse{AggregateData: data})
	}
}

type tokenRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenRefreshResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresAt   string `json:"expiresAt"`
}

// HandleTokenRefresh returns a handler for POST /api/ai-engine/token/refresh.
// The refresh token itself is the credential, so the route sits outside
// the node-token guard: a node with an expired access token must still
// be able to exchange.
func HandleTokenRefresh(tokens *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRefreshRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.RefreshToken == "" {
			writeInvalidArgument(w, "refreshToken: is required")
			return
		}
		if tokens == nil {
			WriteError(w, http.StatusNotImplemented, "NO_TOKEN_SERVICE", "token signing is not configured")
			return
		}
		res := tokens.RefreshAccessToken(req.RefreshToken)
		if res == nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired refresh token")
			return
		}
		WriteJSON(w, http.StatusOK, tokenRefreshResponse{
			AccessToken: res.Token,
			TokenType:   "Bearer",
			ExpiresAt:   res.ExpiresAt.UTC().Format(time.RFC3339Nano),
		})
	}
}

func routeFabric(ctx context.Context, deps FabricDeps, query string, collections []string, opts routing.Options) routing.Decision {
	if deps.Router == nil {
		return routing.Decision{IsLocal: true, Reason: "no router configured"}
	}
	return deps.Router.Route(ctx, query, collections, opts)
}

func hasActiveChildren(reg *registry.Registry) bool {
	if reg == nil {
		return false
	}
	for _, e := range reg.ActiveNodes() {
		if e.Type() == model.NodeTypeChild {
			return true
		}
	}
	return false
}

// writeRawJSON passes a peer or backend payload through verbatim.
func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	if len(payload) == 0 {
		WriteJSON(w, status, struct{}{})
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func optionString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func optionStrings(opts map[string]any, key string) []string {
	if opts == nil {
		return nil
	}
	raw, ok := opts[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstCollection(collections []string) string {
	if len(collections) == 0 {
		return ""
	}
	return collections[0]
}
