package api

import (
	"cmp"
	"net/http"
	"slices"
	"strings"

	"github.com/weftworks/weft/internal/service"
)

func compareNodeSummaries(sortBy string, a, b service.NodeSummary) int {
	order := 0
	switch sortBy {
	case "name":
		order = strings.Compare(a.Name, b.Name)
	case "created_at":
		order = strings.Compare(a.CreatedAt, b.CreatedAt)
	case "status":
		order = strings.Compare(string(a.Status), string(b.Status))
	case "weight":
		order = cmp.Compare(a.Weight, b.Weight)
	default:
		order = strings.Compare(a.Slug, b.Slug)
	}
	if order != 0 {
		return order
	}
	return strings.Compare(a.Slug, b.Slug)
}

func sortNodeSummaries(nodes []service.NodeSummary, sorting Sorting) {
	slices.SortStableFunc(nodes, func(a, b service.NodeSummary) int {
		return applySortOrder(compareNodeSummaries(sorting.SortBy, a, b), sorting.SortOrder)
	})
}

type nodeListPageResponse struct {
	Items   []service.NodeSummary `json:"items"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
	Healthy int                   `json:"healthy"`
}

func countHealthy(nodes []service.NodeSummary) int {
	n := 0
	for _, s := range nodes {
		if s.Healthy {
			n++
		}
	}
	return n
}

// HandleListNodes returns a handler for GET /api/v1/nodes.
func HandleListNodes(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := service.NodeFilters{}

		if v := q.Get("status"); v != "" {
			filters.Status = &v
		}
		if v := q.Get("type"); v != "" {
			filters.Type = &v
		}
		if v := strings.TrimSpace(q.Get("collection")); v != "" {
			filters.Collection = &v
		}
		if v := strings.TrimSpace(q.Get("keyword")); v != "" {
			filters.Keyword = &v
		}

		nodes, err := cp.ListNodes(filters)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		sorting, ok := parseSortingOrWriteInvalid(w, r, []string{"slug", "name", "created_at", "status", "weight"}, "slug", "asc")
		if !ok {
			return
		}
		sortNodeSummaries(nodes, sorting)

		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, nodeListPageResponse{
			Items:   PaginateSlice(nodes, pg),
			Total:   len(nodes),
			Limit:   pg.Limit,
			Offset:  pg.Offset,
			Healthy: countHealthy(nodes),
		})
	}
}

// HandleCreateNode returns a handler for POST /api/v1/nodes.
func HandleCreateNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.CreateNodeRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		n, err := cp.CreateNode(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, n)
	}
}

// HandleGetNode returns a handler for GET /api/v1/nodes/{id}.
// The path parameter accepts a node ID or slug.
func HandleGetNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := cp.GetNode(PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

// HandleUpdateNode returns a handler for PATCH /api/v1/nodes/{id}.
func HandleUpdateNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		n, err := cp.UpdateNode(PathParam(r, "id"), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

// HandleDeleteNode returns a handler for DELETE /api/v1/nodes/{id}.
func HandleDeleteNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteNode(PathParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// HandlePingNode returns a handler for POST /api/v1/nodes/{id}/ping.
// A failed probe still returns 200; the result carries the error.
func HandlePingNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := cp.PingNode(r.Context(), PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// HandleIssueNodeToken returns a handler for POST /api/v1/nodes/{id}/token.
func HandleIssueNodeToken(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grant, err := cp.IssueNodeToken(PathParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, grant)
	}
}

// HandleRevokeNodeToken returns a handler for POST /api/v1/nodes/{id}/token/revoke.
func HandleRevokeNodeToken(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.RevokeNodeToken(PathParam(r, "id")); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}
