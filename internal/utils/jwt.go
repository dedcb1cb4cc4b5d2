package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const resumeIssuer = "duet-relay"

var ErrInvalidResumeToken = errors.New("invalid resume token")

// ResumeClaims identify a session that may reconnect under its previous id
type ResumeClaims struct {
	jwt.RegisteredClaims
}

// ResumeTokens issues and verifies session resume tokens
type ResumeTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewResumeTokens(secret string, ttl time.Duration) *ResumeTokens {
	return &ResumeTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for sessionID valid for the configured grace period
func (r *ResumeTokens) Issue(sessionID string) (string, error) {
	now := r.now()
	claims := ResumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    resumeIssuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign resume token: %w", err)
	}
	return token, nil
}

// Verify returns the session id a valid token was issued for
func (r *ResumeTokens) Verify(token string) (string, error) {
	claims := &ResumeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(resumeIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidResumeToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidResumeToken)
	}
	return claims.Subject, nil
}
