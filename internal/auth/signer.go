package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload carried by a fabric access token.
type TokenClaims struct {
	Slug         string   `json:"slug"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Type         string   `json:"type"`
	jwt.RegisteredClaims
}

// NodeID returns the subject claim, which carries the node ID.
func (c *TokenClaims) NodeID() string {
	return c.Subject
}

// Signer signs and verifies access tokens. Everything above this interface
// is independent of the JWT library.
type Signer interface {
	Sign(claims *TokenClaims) (string, error)
	Verify(token string) (*TokenClaims, error)
}

// HS256Signer implements Signer with HMAC-SHA256 over a shared secret.
type HS256Signer struct {
	secret []byte
}

func NewHS256Signer(secret string) *HS256Signer {
	return &HS256Signer{secret: []byte(secret)}
}

func (s *HS256Signer) Sign(claims *TokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *HS256Signer) Verify(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
