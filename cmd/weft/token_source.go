package main

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/auth"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
)

// nodeTokenSource self-signs the token presented on outbound peer calls.
// The fabric shares one HS256 secret, so a master signs for itself the
// same way it signs grants for children. The token is cached and
// re-signed after 80% of the access TTL.
type nodeTokenSource struct {
	auth       *auth.Service
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]
	local      model.Node
	now        func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

func newNodeTokenSource(svc *auth.Service, runtimeCfg *atomic.Pointer[config.RuntimeConfig], local model.Node) *nodeTokenSource {
	return &nodeTokenSource{
		auth:       svc,
		runtimeCfg: runtimeCfg,
		local:      local,
		now:        time.Now,
	}
}

// Token returns the cached token, signing a fresh one when stale. With
// no signer configured it reports an empty token so outbound requests go
// out unauthenticated.
func (s *nodeTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.renewAt) {
		return s.token, nil
	}

	ttl := s.accessTTL()
	token, err := s.auth.GenerateToken(&s.local, ttl)
	if err != nil {
		if errors.Is(err, auth.ErrNoSigner) {
			return "", nil
		}
		return "", err
	}
	s.token = token
	s.renewAt = now.Add(ttl * 8 / 10)
	return token, nil
}

func (s *nodeTokenSource) accessTTL() time.Duration {
	if cfg := s.runtimeCfg.Load(); cfg != nil {
		if d := time.Duration(cfg.AccessTokenTTL); d > 0 {
			return d
		}
	}
	return time.Hour
}
