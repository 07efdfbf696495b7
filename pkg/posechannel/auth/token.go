// Package auth issues and verifies the HS256 bearer tokens that pose channel
// clients present on the WebSocket handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is used when no issuer is configured.
const DefaultIssuer = "posechannel"

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 5 * time.Minute

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the verified contents of a token.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// TokenSource mints short-lived tokens for one subject.
type TokenSource struct {
	secret  []byte
	subject string
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenSource creates a TokenSource signing with secret.
func NewTokenSource(secret []byte, subject string) *TokenSource {
	return &TokenSource{
		secret:  secret,
		subject: subject,
		issuer:  DefaultIssuer,
		ttl:     DefaultTokenTTL,
		now:     time.Now,
	}
}

// WithIssuer sets the iss claim.
func (s *TokenSource) WithIssuer(issuer string) *TokenSource {
	if issuer != "" {
		s.issuer = issuer
	}
	return s
}

// WithTTL sets the token lifetime.
func (s *TokenSource) WithTTL(ttl time.Duration) *TokenSource {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// Token returns a freshly signed token.
func (s *TokenSource) Token() (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("token secret is required")
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   s.subject,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// AuthorizationProvider returns a function yielding "Bearer <token>"
// suitable for transport.TransportBuilder.WithAuthorizationProvider.
func (s *TokenSource) AuthorizationProvider() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		token, err := s.Token()
		if err != nil {
			return "", err
		}
		return "Bearer " + token, nil
	}
}

// Verifier validates tokens issued by a TokenSource sharing the same secret.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier for secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		issuer: DefaultIssuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// WithIssuer sets the required iss claim.
func (v *Verifier) WithIssuer(issuer string) *Verifier {
	if issuer != "" {
		v.issuer = issuer
	}
	return v
}

// WithLeeway sets the clock skew tolerated on exp and nbf.
func (v *Verifier) WithLeeway(leeway time.Duration) *Verifier {
	if leeway >= 0 {
		v.leeway = leeway
	}
	return v
}

// Verify checks the signature and registered claims of tokenString.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &jwt.RegisteredClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	result := &Claims{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

// VerifyHeader extracts a bearer token from an Authorization header value and
// verifies it.
func (v *Verifier) VerifyHeader(header string) (*Claims, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return v.Verify(strings.TrimSpace(token))
}
