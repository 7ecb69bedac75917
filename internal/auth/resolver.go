// Package auth validates bearer credentials and maps them to principals.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"carebridge/pkg/types"
)

// Claims are the JWT claims carebridge reads. The subject is the identity.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Config selects the verification key and optional issuer/audience checks.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Resolver validates HS256 tokens. It implements
// interfaces.IdentityResolver.
type Resolver struct {
	cfg    Config
	key    []byte
	parser *jwt.Parser
	now    func() time.Time
}

// NewResolver creates a resolver for cfg.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	r := &Resolver{cfg: cfg, key: []byte(cfg.Secret), now: time.Now}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(func() time.Time { return r.now() }),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	r.parser = jwt.NewParser(opts...)
	return r, nil
}

// Resolve verifies credential and returns its principal. Anonymous is
// never a valid token role: anonymous callers present no token at all.
func (r *Resolver) Resolve(credential string) (types.Principal, error) {
	var claims Claims
	_, err := r.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return r.key, nil
	})
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: %s", ErrInvalidToken, reason(err))
	}

	if !types.IsValidIdentity(claims.Subject) {
		return types.Principal{}, ErrMissingIdentity
	}
	role, ok := types.ParseRole(claims.Role)
	if !ok || role == types.RoleAnonymous {
		return types.Principal{}, ErrInvalidRole
	}
	return types.Principal{Identity: claims.Subject, Role: role, Name: claims.Name}, nil
}

// Issue signs a token for identity. Used by tooling and tests; production
// tokens come from the platform's login service.
func (r *Resolver) Issue(identity string, role types.Role, name string, ttl time.Duration) (string, error) {
	now := r.now()
	claims := Claims{
		Role: string(role),
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    r.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if r.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{r.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.key)
}

func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "wrong issuer or audience"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "rejected"
	}
}
