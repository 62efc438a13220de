package matcha

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestParseSessionToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signTestToken(t, gojwt.MapClaims{"sub": "42", "exp": exp.Unix()})

	claims, err := ParseSessionToken(token)
	if err != nil {
		t.Fatalf("ParseSessionToken: %v", err)
	}
	assert.Equal(t, claims.Subject, "42")
	assert.Equal(t, claims.UserID, 42)
	assert.Equal(t, claims.ExpiresAt.Unix(), exp.Unix())
	assert.Equal(t, claims.Expired(time.Now()), false)
	assert.Equal(t, claims.Expired(exp.Add(time.Second)), true)
}

func TestParseSessionToken_NumericIDClaim(t *testing.T) {
	token := signTestToken(t, gojwt.MapClaims{"id": 7, "username": "ada"})

	claims, err := ParseSessionToken(token)
	if err != nil {
		t.Fatalf("ParseSessionToken: %v", err)
	}
	assert.Equal(t, claims.UserID, 7)
	// No exp claim never expires client side.
	assert.Equal(t, claims.Expired(time.Now().Add(24*time.Hour)), false)
}

func TestParseSessionToken_Garbage(t *testing.T) {
	if _, err := ParseSessionToken("not-a-jwt"); err == nil {
		t.Fatal("expected parse error")
	}
}
