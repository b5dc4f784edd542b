package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func validClaims(nonce string) *Claims {
	return &Claims{
		UserID: "u1",
		Name:   "alice",
		Nonce:  nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerify(t *testing.T) {
	v := NewVerifier("current-secret", "")

	claims, err := v.Verify(sign(t, "current-secret", validClaims("")))
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "u1" || claims.Name != "alice" {
		t.Errorf("claims: %+v", claims)
	}

	if _, err := v.Verify(sign(t, "wrong-secret", validClaims(""))); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key accepted: %v", err)
	}
	if _, err := v.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage accepted: %v", err)
	}
}

func TestVerifyAcceptsPreviousKeyDuringRotation(t *testing.T) {
	v := NewVerifier("new-secret", "old-secret")

	if _, err := v.Verify(sign(t, "old-secret", validClaims(""))); err != nil {
		t.Errorf("previous-key token rejected during rotation: %v", err)
	}
	if _, err := v.Verify(sign(t, "new-secret", validClaims(""))); err != nil {
		t.Errorf("current-key token rejected: %v", err)
	}

	// Outside a rotation window the old key is dead.
	v2 := NewVerifier("new-secret", "")
	if _, err := v2.Verify(sign(t, "old-secret", validClaims(""))); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("retired key still accepted: %v", err)
	}
}

func TestVerifyRejectsExpiredAndBoundary(t *testing.T) {
	v := NewVerifier("s", "")
	now := time.Now()
	v.nowFn = func() time.Time { return now }

	expired := validClaims("")
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	if _, err := v.Verify(sign(t, "s", expired)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token accepted: %v", err)
	}

	// Expiry at the current instant counts as expired.
	boundary := validClaims("")
	boundary.ExpiresAt = jwt.NewNumericDate(now)
	if _, err := v.Verify(sign(t, "s", boundary)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expiry-at-now token accepted: %v", err)
	}

	missing := validClaims("")
	missing.ExpiresAt = nil
	if _, err := v.Verify(sign(t, "s", missing)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token without expiry accepted: %v", err)
	}
}

func TestConsumeNonceSingleUse(t *testing.T) {
	v := NewVerifier("s", "")

	c := validClaims("n-123")
	if err := v.ConsumeNonce(c); err != nil {
		t.Fatal(err)
	}
	if err := v.ConsumeNonce(c); !errors.Is(err, ErrNonceReused) {
		t.Errorf("nonce reuse allowed: %v", err)
	}

	if err := v.ConsumeNonce(validClaims("")); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing nonce accepted for upgrade: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if tok, err := TokenFromRequest(r); err != nil || tok != "abc" {
		t.Errorf("header extraction: %q %v", tok, err)
	}

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	if tok, err := TokenFromRequest(r); err != nil || tok != "xyz" {
		t.Errorf("query extraction: %q %v", tok, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if _, err := TokenFromRequest(r); !errors.Is(err, ErrNoToken) {
		t.Errorf("missing token: %v", err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, err := TokenFromRequest(r); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("non-bearer scheme accepted: %v", err)
	}
}
