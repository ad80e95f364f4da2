package api

import "net/http"

// HandleHealthz returns the handler for GET /healthz, the liveness probe for
// load balancers and container supervisors. It is mounted outside the auth
// middleware and says nothing about fleet health; per-node status lives under
// /api/v1/nodes.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
