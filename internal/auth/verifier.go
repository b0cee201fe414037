package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated covers every bad-token case: missing, malformed,
// expired, or signed with the wrong key.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims defines the token structure issued by the external account service.
// The gateway verifies signature and expiry locally; it never issues tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks connection tokens against the shared HMAC secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates the token and returns the subject user id.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: token missing 'sub' claim", ErrUnauthenticated)
	}
	return claims.Subject, nil
}
