package auth

import (
	"context"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Claims is the token body: sub is the user, org the tenant.
type Claims struct {
	Organization string `json:"org"`
	Role         string `json:"role,omitempty"`
	gojwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *gojwt.Parser
}

type JWTOption func(*JWTVerifier)

func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

func WithAudience(aud string) JWTOption {
	return func(v *JWTVerifier) { v.audience = aud }
}

func NewJWTVerifier(secret []byte, opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{secret: secret}
	for _, o := range opts {
		o(v)
	}

	parserOpts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithLeeway(5 * time.Second),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, gojwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, gojwt.WithAudience(v.audience))
	}
	v.parser = gojwt.NewParser(parserOpts...)
	return v
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Principal, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(credential, claims, func(*gojwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("auth: %w: %w", ErrInvalidCredential, err)
	}

	if claims.Subject == "" || claims.Organization == "" {
		return Principal{}, fmt.Errorf("auth: %w: missing sub or org claim", ErrInvalidCredential)
	}
	role := Role(claims.Role)
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return Principal{}, fmt.Errorf("auth: %w: unknown role %q", ErrInvalidCredential, claims.Role)
	}

	return Principal{
		UserID:         claims.Subject,
		OrganizationID: claims.Organization,
		Role:           role,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}

// Sign mints a token for p. The daemon uses it for local development tokens;
// production tokens come from the identity provider.
func (v *JWTVerifier) Sign(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Organization: p.OrganizationID,
		Role:         string(p.Role),
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    v.issuer,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = gojwt.ClaimStrings{v.audience}
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return token, nil
}
