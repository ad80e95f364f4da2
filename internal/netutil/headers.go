package netutil

import (
	"net/http"
	"strings"
)

// Header names with fabric-specific meaning.
const (
	HeaderNodeToken     = "X-Node-Token"
	HeaderRequestID     = "X-Request-Id"
	HeaderUserAuth      = "X-User-Authorization"
	HeaderAuthorization = "Authorization"
)

// propagatedHeaders is the whitelist of caller headers copied onto peer
// requests. Everything else from the inbound request is dropped.
var propagatedHeaders = []string{
	HeaderRequestID,
	"X-Trace-Id",
	"X-Correlation-Id",
	"X-User-Id",
	"X-Tenant-Id",
	"X-Workspace-Id",
	"Active-Workspace",
	"Accept-Language",
	"User-Agent",
	"Referer",
}

// PropagateHeaders copies the whitelisted caller headers from inbound onto
// dst. A caller Bearer token moves to X-User-Authorization so it cannot be
// mistaken for node-to-node credentials downstream.
func PropagateHeaders(dst http.Header, inbound *http.Request) {
	if inbound == nil {
		return
	}
	for _, name := range propagatedHeaders {
		if v := inbound.Header.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
	if auth := inbound.Header.Get(HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
		dst.Set(HeaderUserAuth, auth)
	}
}
