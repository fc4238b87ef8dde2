package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/tenant"
)

// Claims is the token payload: standard registered claims plus the
// tenant the token was minted for.
type Claims struct {
	TenantID string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// JWT issues and verifies HS256 tokens. Tokens are tenant-bound: a token
// minted for one tenant never authenticates on another.
type JWT struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

type JWTOption func(*JWT)

// WithTTL sets the issued-token lifetime. Defaults to 15 minutes.
func WithTTL(d time.Duration) JWTOption {
	return func(s *JWT) { s.ttl = d }
}

// WithIssuer stamps the iss claim on issued tokens.
func WithIssuer(issuer string) JWTOption {
	return func(s *JWT) { s.issuer = issuer }
}

// WithIssueClock injects the time source for issuing, test seam.
func WithIssueClock(now func() time.Time) JWTOption {
	return func(s *JWT) { s.now = now }
}

func NewJWT(secret string, opts ...JWTOption) *JWT {
	s := &JWT{
		secret: []byte(secret),
		ttl:    15 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *JWT) Name() string { return "jwt" }

// Issue mints a token for the actor on the given tenant.
func (s *JWT) Issue(tc tenant.Context, actorID string) (string, error) {
	now := s.now()
	claims := Claims{
		TenantID: tc.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *JWT) Authenticate(ctx context.Context, tc tenant.Context, creds map[string]string) (*Identity, error) {
	tokenString := creds["token"]
	if tokenString == "" {
		return nil, errdefs.NotAuthenticated("missing or invalid token")
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, errdefs.NotAuthenticated("invalid or expired token").WithSource(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errdefs.NotAuthenticated("invalid or expired token")
	}
	if claims.Subject == "" {
		return nil, errdefs.NotAuthenticated("token carries no subject")
	}
	if claims.TenantID != "" && claims.TenantID != tc.TenantID {
		return nil, errdefs.NotAuthenticated("token tenant mismatch")
	}
	return &Identity{
		ActorID: claims.Subject,
		Claims:  map[string]any{"strategy": s.Name(), "tid": claims.TenantID},
	}, nil
}
