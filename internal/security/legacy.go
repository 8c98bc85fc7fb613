package security

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyClaims are the claims minted by the legacy identity provider.
type LegacyClaims struct {
	jwt.RegisteredClaims
	Email      string   `json:"email"`
	GivenName  string   `json:"given_name"`
	FamilyName string   `json:"family_name"`
	Roles      []string `json:"roles"`
}

type LegacyTokenVerifier struct {
	secret []byte
	issuer string
}

func NewLegacyTokenVerifier(secret, issuer string) *LegacyTokenVerifier {
	return &LegacyTokenVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *LegacyTokenVerifier) Verify(token string) (*LegacyClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &LegacyClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, fmt.Errorf("%w: missing subject or email", ErrInvalidToken)
	}
	return claims, nil
}
