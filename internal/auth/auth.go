// Package auth issues, validates, and refreshes the tokens that
// authenticate node-to-node calls in the fabric.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
)

// ErrNoSigner is returned by token issuance when no signing secret is
// configured. Validation treats the same condition as "every token invalid".
var ErrNoSigner = errors.New("no signing secret configured")

// NodeStore is the slice of the registry the auth service needs: a snapshot
// of node records for refresh-token lookup, and persistence of the
// refresh-hash mutation.
type NodeStore interface {
	Snapshot() []model.Node
	SetRefreshToken(nodeID, hash string, expiresAtNs int64) error
}

// RefreshResult is the outcome of a successful refresh-token exchange.
type RefreshResult struct {
	Token     string
	ExpiresAt time.Time
	Node      model.Node
}

// Service issues access tokens for registered nodes and runs the
// refresh-token exchange. All failure modes of validation and refresh
// collapse to nil results; callers never see an error cross this boundary.
type Service struct {
	signer   Signer
	store    NodeStore
	issuer   string
	audience string
	cfg      *atomic.Pointer[config.RuntimeConfig]

	now func() time.Time
}

// NewService creates the auth service. signer may be nil, which disables
// token issuance (GenerateToken returns ErrNoSigner) and makes every
// validation fail.
func NewService(
	signer Signer,
	store NodeStore,
	issuer, audience string,
	cfg *atomic.Pointer[config.RuntimeConfig],
) *Service {
	return &Service{
		signer:   signer,
		store:    store,
		issuer:   issuer,
		audience: audience,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) accessTTL() time.Duration {
	if cfg := s.cfg.Load(); cfg != nil {
		return time.Duration(cfg.AccessTokenTTL)
	}
	return time.Hour
}

func (s *Service) refreshTTL() time.Duration {
	if cfg := s.cfg.Load(); cfg != nil {
		return time.Duration(cfg.RefreshTokenTTL)
	}
	return 24 * time.Hour
}

// GenerateToken issues an access token for the node. ttl <= 0 selects the
// configured default.
func (s *Service) GenerateToken(n *model.Node, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", ErrNoSigner
	}
	if ttl <= 0 {
		ttl = s.accessTTL()
	}
	now := s.now()
	claims := &TokenClaims{
		Slug:         n.Slug,
		Name:         n.Name,
		Capabilities: append([]string(nil), n.Capabilities...),
		Type:         string(n.Type),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   n.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	token, err := s.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ValidateToken returns the claims of a valid token, or nil when the token
// is expired, malformed, carries a bad signature, or no secret is
// configured.
func (s *Service) ValidateToken(token string) *TokenClaims {
	if s.signer == nil || token == "" {
		return nil
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil
	}
	return claims
}

// GenerateRefreshToken mints a random refresh token for the node, stores
// only its hash and expiry, and returns the plaintext. The plaintext is not
// recoverable afterwards. ttl <= 0 selects the configured default.
func (s *Service) GenerateRefreshToken(n *model.Node, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.refreshTTL()
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	plaintext := hex.EncodeToString(buf)
	expiresAt := s.now().Add(ttl).UnixNano()
	if err := s.store.SetRefreshToken(n.ID, HashRefreshToken(plaintext), expiresAt); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return plaintext, nil
}

// RefreshAccessToken exchanges a refresh-token plaintext for a new access
// token. Returns nil unless the hash matches a node whose refresh token is
// unexpired and whose status is active.
func (s *Service) RefreshAccessToken(plaintext string) *RefreshResult {
	if plaintext == "" {
		return nil
	}
	hash := HashRefreshToken(plaintext)
	now := s.now()
	for _, n := range s.store.Snapshot() {
		if n.RefreshTokenHash == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(n.RefreshTokenHash), []byte(hash)) != 1 {
			continue
		}
		if n.RefreshTokenExpiresAt <= now.UnixNano() {
			return nil
		}
		if n.Status != model.NodeStatusActive {
			return nil
		}
		token, err := s.GenerateToken(&n, 0)
		if err != nil {
			return nil
		}
		return &RefreshResult{
			Token:     token,
			ExpiresAt: now.Add(s.accessTTL()),
			Node:      n,
		}
	}
	return nil
}

// RevokeRefreshToken clears the node's refresh-token hash and expiry.
func (s *Service) RevokeRefreshToken(n *model.Node) error {
	return s.store.SetRefreshToken(n.ID, "", 0)
}

// VerifyCapability reports whether the node advertises the capability.
func (s *Service) VerifyCapability(n *model.Node, capability string) bool {
	return n.HasCapability(capability)
}

// HashRefreshToken derives the stored form of a refresh token.
func HashRefreshToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
