package api

import (
	"net/http"
	"strconv"

	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/service"
)

// HandleListBreakers returns a handler for GET /api/v1/breakers.
func HandleListBreakers(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.ListBreakers())
	}
}

// HandleGetBreaker returns a handler for GET /api/v1/breakers/{id}.
func HandleGetBreaker(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := cp.GetBreaker(PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// HandleResetBreaker returns a handler for POST /api/v1/breakers/{id}/reset.
func HandleResetBreaker(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.ResetBreaker(PathParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

// HandleCacheStats returns a handler for GET /api/v1/cache/stats.
func HandleCacheStats(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.CacheStats(r.Context()))
	}
}

type invalidateCacheRequest struct {
	// Node selects the entries to drop by node ID or slug. Empty flushes
	// the whole cache.
	Node string `json:"node"`
}

// HandleInvalidateCache returns a handler for POST /api/v1/cache/invalidate.
func HandleInvalidateCache(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invalidateCacheRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := cp.InvalidateCache(r.Context(), req.Node); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
	}
}

type explainRoutingRequest struct {
	Query       string   `json:"query"`
	Collections []string `json:"collections"`
}

// HandleExplainRouting returns a handler for POST /api/v1/routing/explain.
func HandleExplainRouting(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req explainRoutingRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		exp, err := cp.ExplainRouting(r.Context(), req.Query, req.Collections)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exp)
	}
}

// HandleListSearches returns a handler for GET /api/v1/searches.
// Query params: q (substring filter), limit, offset.
func HandleListSearches(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		rows, total, err := cp.ListSearches(r.URL.Query().Get("q"), pg.Limit, pg.Offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, PageResponse[model.SearchLogRecord]{
			Items:  rows,
			Total:  total,
			Limit:  pg.Limit,
			Offset: pg.Offset,
		})
	}
}

// HandleNodeMetrics returns a handler for GET /api/v1/metrics/nodes.
// Query params: from, to (unix seconds; default last hour).
func HandleNodeMetrics(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, ok := parseUnixQuery(w, r, "from")
		if !ok {
			return
		}
		to, ok := parseUnixQuery(w, r, "to")
		if !ok {
			return
		}
		result, err := cp.QueryNodeMetrics(from, to)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func parseUnixQuery(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		writeInvalidArgument(w, key+": must be a unix timestamp in seconds")
		return 0, false
	}
	return n, true
}
