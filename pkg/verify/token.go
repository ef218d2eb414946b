package verify

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims binds the opaque verification token to one session and
// one Discord identity. The token alone is not enough to verify: the
// server-side session must also exist, be unused and unexpired.
type tokenClaims struct {
	ServerID  string `json:"gid"`
	MemberID  string `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func signToken(secret []byte, serverID, memberID, sessionID string, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		ServerID:  serverID,
		MemberID:  memberID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, token string) (*tokenClaims, error) {
	claims := new(tokenClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.SessionID == "" || claims.ServerID == "" || claims.MemberID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
