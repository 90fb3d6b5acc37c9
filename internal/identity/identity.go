// Package identity supplies the current user for message attribution and the
// bearer token the backend expects.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSession    = errors.New("no signed-in user")
	ErrInvalidToken = errors.New("invalid id token")
)

// Provider is implemented by the auth collaborator.
type Provider interface {
	CurrentUserID() (string, error)
	IDToken() (string, error)
}

// TokenProvider derives the user from a JWT ID token. When a secret is set the
// HMAC signature is verified; otherwise the token is trusted as issued by the
// external auth provider and only its claims are read.
type TokenProvider struct {
	mu     sync.RWMutex
	token  string
	userID string
	secret []byte
}

// NewTokenProvider parses token and returns a provider for its subject.
func NewTokenProvider(token, secret string) (*TokenProvider, error) {
	p := &TokenProvider{}
	if secret != "" {
		p.secret = []byte(secret)
	}
	if err := p.SetToken(token); err != nil {
		return nil, err
	}
	return p, nil
}

// SetToken swaps in a refreshed token.
func (p *TokenProvider) SetToken(token string) error {
	userID, err := p.subject(token)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
	p.userID = userID
	return nil
}

func (p *TokenProvider) CurrentUserID() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.userID == "" {
		return "", ErrNoSession
	}
	return p.userID, nil
}

func (p *TokenProvider) IDToken() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNoSession
	}
	return p.token, nil
}

func (p *TokenProvider) subject(token string) (string, error) {
	if token == "" {
		return "", ErrNoSession
	}
	claims, err := p.parse(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return UserIDFromClaims(claims)
}

func (p *TokenProvider) parse(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if p.secret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, err
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
			return nil, jwt.ErrTokenExpired
		}
		return claims, nil
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// UserIDFromClaims prefers the user_id claim ID tokens carry and falls back
// to sub.
func UserIDFromClaims(claims jwt.MapClaims) (string, error) {
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		return uid, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return sub, nil
}

// Issuer signs HMAC ID tokens. The development backend and tests use it in
// place of the real auth provider.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue creates a token for userID.
func (i *Issuer) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     userID,
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(i.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify validates a token and returns its user id.
func (i *Issuer) Verify(token string) (string, error) {
	p := &TokenProvider{secret: i.secret}
	return p.subject(token)
}

// Static is a fixed identity, for embedding the library behind an auth layer
// that already resolved the user.
type Static struct {
	UserID string
	Token  string
}

func (s Static) CurrentUserID() (string, error) {
	if s.UserID == "" {
		return "", ErrNoSession
	}
	return s.UserID, nil
}

func (s Static) IDToken() (string, error) {
	return s.Token, nil
}
