package netutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fabric wire paths exposed by every node.
const (
	PathHealth    = "/api/ai-engine/health"
	PathSearch    = "/api/ai-engine/search"
	PathChat      = "/api/ai-engine/chat"
	PathActions   = "/api/ai-engine/actions"
	PathAggregate = "/api/ai-engine/aggregate"
)

// maxPeerResponseBytes caps how much of a peer response body is read.
const maxPeerResponseBytes = 16 << 20 // 16 MiB

// HTTPStatusError indicates the peer responded, but with a non-2xx status
// code. This is a non-network failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("peer request: unexpected status %d from %s", e.StatusCode, e.URL)
}

// FactoryConfig wires the runtime knobs a Factory pulls on every request.
type FactoryConfig struct {
	// TimeoutFn returns the overall budget for search/chat/action requests.
	TimeoutFn func() time.Duration
	// HealthTimeoutFn returns the (shorter) budget for health probes.
	HealthTimeoutFn func() time.Duration
	// VerifyTLSFn reports whether peer TLS certificates are verified.
	VerifyTLSFn func() bool
	// TokenFn supplies the node token attached to outbound peer requests.
	// It may return an empty string when the fabric runs without auth.
	TokenFn func() (string, error)
}

// Factory builds authenticated HTTP requests for peer calls. Timeouts and
// TLS verification come from callbacks so runtime config changes apply
// without rebuilding the factory.
type Factory struct {
	cfg FactoryConfig

	mu        sync.Mutex
	transport *http.Transport
	insecure  bool
}

// NewFactory creates a request factory that pulls timeouts, TLS mode and
// the peer token from callbacks on each request.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.TimeoutFn == nil {
		panic("netutil: NewFactory requires non-nil TimeoutFn")
	}
	if cfg.HealthTimeoutFn == nil {
		panic("netutil: NewFactory requires non-nil HealthTimeoutFn")
	}
	if cfg.VerifyTLSFn == nil {
		cfg.VerifyTLSFn = func() bool { return true }
	}
	if cfg.TokenFn == nil {
		cfg.TokenFn = func() (string, error) { return "", nil }
	}
	return &Factory{cfg: cfg}
}

// transportFor returns the shared transport, rebuilding it when the TLS
// verification setting flipped since the last request.
func (f *Factory) transportFor(insecure bool) *http.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transport != nil && f.insecure == insecure {
		return f.transport
	}
	if f.transport != nil {
		f.transport.CloseIdleConnections()
	}
	f.transport = &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if insecure {
		f.transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	f.insecure = insecure
	return f.transport
}

// Client returns an HTTP client backed by the shared transport. The
// returned client carries no timeout; callers bound requests via context.
func (f *Factory) Client() *http.Client {
	return &http.Client{Transport: f.transportFor(!f.cfg.VerifyTLSFn())}
}

// Do executes the request on the shared transport.
func (f *Factory) Do(req *http.Request) (*http.Response, error) {
	return f.Client().Do(req)
}

// NewHealthRequest builds a GET against the node's health endpoint. The
// returned cancel func releases the request deadline and must be called.
func (f *Factory) NewHealthRequest(ctx context.Context, baseURL string) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.HealthTimeoutFn())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+PathHealth, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if err := f.attachToken(req); err != nil {
		cancel()
		return nil, nil, err
	}
	return req, cancel, nil
}

// NewFabricRequest builds a POST carrying a JSON payload to one of the
// fabric paths. Caller headers from inbound (when non-nil) are propagated,
// and a trace id is injected when the caller supplied none. The returned
// cancel func releases the request deadline and must be called.
func (f *Factory) NewFabricRequest(ctx context.Context, baseURL, path string, payload any, inbound *http.Request) (*http.Request, context.CancelFunc, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode peer payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.TimeoutFn())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := f.attachToken(req); err != nil {
		cancel()
		return nil, nil, err
	}
	PropagateHeaders(req.Header, inbound)
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}
	return req, cancel, nil
}

func (f *Factory) attachToken(req *http.Request) error {
	token, err := f.cfg.TokenFn()
	if err != nil {
		return fmt.Errorf("peer token: %w", err)
	}
	if token != "" {
		req.Header.Set(HeaderNodeToken, token)
	}
	return nil
}

// ReadResponse drains and closes the response body, enforcing the peer
// response size cap. Non-2xx statuses fail with an HTTPStatusError carrying
// a body snippet.
func ReadResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read peer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := data
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			URL:        resp.Request.URL.String(),
			Body:       string(snippet),
		}
	}
	return data, nil
}
