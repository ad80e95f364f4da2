// Package testutil provides an in-process fabric peer for tests: an
// httptest server speaking the node wire protocol with canned data and
// injectable failures.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/netutil"
)

// StubPeer answers the fabric paths (health, search, chat, actions,
// aggregate) with configurable responses. All mutators are safe to call
// while the server is receiving requests.
type StubPeer struct {
	srv *httptest.Server

	mu           sync.Mutex
	version      string
	meta         model.NodeMetadata
	results      []model.SearchResult
	chatBody     map[string]any
	actionBody   map[string]any
	aggregate    map[string]model.CollectionStats
	status       map[string]int
	failNext     map[string]int
	failCode     map[string]int
	delay        map[string]time.Duration
	hits         map[string]int
	lastBody     map[string][]byte
	requireToken string
}

// NewStubPeer starts a stub node. Callers own Close.
func NewStubPeer() *StubPeer {
	p := &StubPeer{
		version:    "1.0.0",
		chatBody:   map[string]any{"response": "ok", "creditsUsed": 1},
		actionBody: map[string]any{"success": true},
		status:     map[string]int{},
		failNext:   map[string]int{},
		failCode:   map[string]int{},
		delay:      map[string]time.Duration{},
		hits:       map[string]int{},
		lastBody:   map[string][]byte{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(netutil.PathHealth, p.handleHealth)
	mux.HandleFunc(netutil.PathSearch, p.handleSearch)
	mux.HandleFunc(netutil.PathChat, p.handleChat)
	mux.HandleFunc(netutil.PathActions, p.handleActions)
	mux.HandleFunc(netutil.PathAggregate, p.handleAggregate)
	p.srv = httptest.NewServer(mux)
	return p
}

// URL returns the peer's base URL.
func (p *StubPeer) URL() string { return p.srv.URL }

// Close shuts the server down.
func (p *StubPeer) Close() { p.srv.Close() }

// SetVersion sets the version advertised on the health endpoint.
func (p *StubPeer) SetVersion(v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = v
}

// SetMetadata sets the capability payload advertised on health.
func (p *StubPeer) SetMetadata(meta model.NodeMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta = meta
}

// SetResults sets the hits returned from the search endpoint.
func (p *StubPeer) SetResults(results ...model.SearchResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = results
}

// SetChatBody sets the chat response body.
func (p *StubPeer) SetChatBody(body map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatBody = body
}

// SetActionBody sets the action response body.
func (p *StubPeer) SetActionBody(body map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actionBody = body
}

// SetAggregate sets the per-collection stats returned from aggregate.
func (p *StubPeer) SetAggregate(data map[string]model.CollectionStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aggregate = data
}

// SetStatus forces a status code for a path; 0 restores normal handling.
func (p *StubPeer) SetStatus(path string, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[path] = code
}

// FailNext makes the next n requests on a path answer with code, then
// restores normal handling. Used to test retry and failover paths.
func (p *StubPeer) FailNext(path string, n, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[path] = n
	p.failCode[path] = code
}

// SetDelay holds responses on a path for d before answering.
func (p *StubPeer) SetDelay(path string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay[path] = d
}

// RequireToken makes the peer reject requests whose X-Node-Token header
// does not match token. Empty disables the check.
func (p *StubPeer) RequireToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requireToken = token
}

// Hits returns how many requests the path has received.
func (p *StubPeer) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// LastBody returns the most recent request body seen on the path.
func (p *StubPeer) LastBody(path string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBody[path]
}

// enter records the request and applies token, delay and status
// injection. It reports whether the handler should continue.
func (p *StubPeer) enter(w http.ResponseWriter, r *http.Request) bool {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.hits[r.URL.Path]++
	p.lastBody[r.URL.Path] = body
	token := p.requireToken
	delay := p.delay[r.URL.Path]
	code := p.status[r.URL.Path]
	if code == 0 && p.failNext[r.URL.Path] > 0 {
		p.failNext[r.URL.Path]--
		code = p.failCode[r.URL.Path]
	}
	p.mu.Unlock()

	if token != "" && r.Header.Get(netutil.HeaderNodeToken) != token {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return false
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return false
		}
	}
	if code != 0 {
		http.Error(w, `{"error":"injected failure"}`, code)
		return false
	}
	return true
}

func (p *StubPeer) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (p *StubPeer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !p.enter(w, r) {
		return
	}
	p.mu.Lock()
	wire := struct {
		Status  string `json:"status"`
		Version string `json:"version,omitempty"`
		model.NodeMetadata
	}{Status: "healthy", Version: p.version, NodeMetadata: p.meta}
	p.mu.Unlock()
	p.writeJSON(w, wire)
}

func (p *StubPeer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !p.enter(w, r) {
		return
	}
	p.mu.Lock()
	resp := model.PeerSearchResponse{
		Results:    append([]model.SearchResult(nil), p.results...),
		Count:      len(p.results),
		DurationMs: 5,
	}
	p.mu.Unlock()
	p.writeJSON(w, resp)
}

func (p *StubPeer) handleChat(w http.ResponseWriter, r *http.Request) {
	if !p.enter(w, r) {
		return
	}
	p.mu.Lock()
	body := p.chatBody
	p.mu.Unlock()
	p.writeJSON(w, body)
}

func (p *StubPeer) handleActions(w http.ResponseWriter, r *http.Request) {
	if !p.enter(w, r) {
		return
	}
	p.mu.Lock()
	body := p.actionBody
	p.mu.Unlock()
	p.writeJSON(w, body)
}

func (p *StubPeer) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if !p.enter(w, r) {
		return
	}
	p.mu.Lock()
	resp := model.AggregateResponse{AggregateData: p.aggregate}
	p.mu.Unlock()
	p.writeJSON(w, resp)
}
