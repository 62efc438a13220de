package matcha

import (
	"fmt"
	"strconv"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the fields the client reads from the access_token cookie.
type SessionClaims struct {
	Subject   string
	UserID    int
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry that is in the past.
func (s *SessionClaims) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ParseSessionToken decodes the session JWT without verifying its signature.
// The server is the only party that can verify it; the client only needs the
// subject and expiry to decide whether a push channel is worth opening.
func ParseSessionToken(token string) (*SessionClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	claims := parsed.Claims.(gojwt.MapClaims)

	s := &SessionClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		s.Subject = sub
		if id, err := strconv.Atoi(sub); err == nil {
			s.UserID = id
		}
	}
	if v, ok := claims["id"].(float64); ok && s.UserID == 0 {
		s.UserID = int(v)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}
