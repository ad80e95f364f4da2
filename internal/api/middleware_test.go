package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthz_NoAuthRequired(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeJSONMap(t, rec)["status"]; got != "ok" {
		t.Fatalf("status field = %v, want ok", got)
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{})

	rec := doJSONRequest(t, h.srv, http.MethodGet, "/api/v1/system/info", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	assertErrorCode(t, rec, "UNAUTHORIZED")
	if !strings.Contains(rec.Body.String(), "missing Authorization header") {
		t.Fatalf("body %q does not name the missing header", rec.Body.String())
	}
}

func TestAuthMiddleware_BadFormat(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/info", nil)
	req.Header.Set("Authorization", "Token "+testAdminToken)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid Authorization header format") {
		t.Fatalf("body %q does not flag the header format", rec.Body.String())
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/info", nil)
	req.Header.Set("Authorization", "Bearer not-the-token")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid admin token") {
		t.Fatalf("body %q does not flag the token", rec.Body.String())
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{})

	rec := doJSONRequest(t, h.srv, http.MethodGet, "/api/v1/system/info", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestNodeAuthMiddleware_GuardsFabricWhenSigning(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{withSigner: true})

	rec := doFabricRequest(t, h.srv, http.MethodPost, "/api/ai-engine/search",
		map[string]any{"query": "anything"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a node token", rec.Code)
	}
	assertErrorCode(t, rec, "UNAUTHORIZED")
	if !strings.Contains(rec.Body.String(), "X-Node-Token") {
		t.Fatalf("body %q does not name the token header", rec.Body.String())
	}

	rec = doFabricRequest(t, h.srv, http.MethodPost, "/api/ai-engine/search",
		map[string]any{"query": "anything"}, "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a garbage token", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid node token") {
		t.Fatalf("body %q does not flag the token", rec.Body.String())
	}
}

func TestNodeAuthMiddleware_FabricOpenWithoutSigner(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{local: &fakeLocalSearcher{}})

	rec := doFabricRequest(t, h.srv, http.MethodPost, "/api/ai-engine/search",
		map[string]any{"query": "anything"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when no JWT secret is configured (body=%s)",
			rec.Code, rec.Body.String())
	}
}

func TestNodeAuthMiddleware_HealthRouteStaysOpen(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{withSigner: true})

	rec := doFabricRequest(t, h.srv, http.MethodGet, "/api/ai-engine/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200 without a token", rec.Code)
	}
}

func TestRequestBodyLimit_AdminAndFabric(t *testing.T) {
	h := newAPIHarness(t, harnessConfig{bodyLimit: 128})

	big := `{"name":"` + strings.Repeat("x", 256) + `"}`
	rec := doJSONRequest(t, h.srv, http.MethodPost, "/api/v1/nodes", big, true)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("admin status = %d, want 413", rec.Code)
	}
	assertErrorCode(t, rec, "PAYLOAD_TOO_LARGE")

	rec = doFabricRequest(t, h.srv, http.MethodPost, "/api/ai-engine/search",
		map[string]any{"query": strings.Repeat("y", 256)}, "")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("fabric status = %d, want 413", rec.Code)
	}
	assertErrorCode(t, rec, "PAYLOAD_TOO_LARGE")
}
