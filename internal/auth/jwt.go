package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no bearer token supplied")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNonceReused  = errors.New("token nonce already used")
)

// Claims is the identity payload this service trusts. Tokens are issued by
// the external identity service; this side only verifies.
type Claims struct {
	UserID string `json:"uid"`
	Name   string `json:"name"`
	// Nonce makes a token single-use for the WebSocket upgrade.
	Nonce string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens. Two keys are accepted so token
// issuance can rotate secrets without a hard cutover.
type Verifier struct {
	current  []byte
	previous []byte

	mu    sync.Mutex
	used  map[string]time.Time // nonce -> token expiry, for pruning
	nowFn func() time.Time
}

// NewVerifier creates a Verifier. previous may be empty outside rotation
// windows.
func NewVerifier(current, previous string) *Verifier {
	v := &Verifier{
		current: []byte(current),
		used:    make(map[string]time.Time),
		nowFn:   time.Now,
	}
	if previous != "" {
		v.previous = []byte(previous)
	}
	return v
}

// Verify parses and validates a token against the current key, falling back
// to the previous key during rotation.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims, err := v.parse(token, v.current)
	if err != nil && v.previous != nil {
		claims, err = v.parse(token, v.previous)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Verifier) parse(token string, key []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(v.nowFn))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ConsumeNonce marks the token's nonce used; a second consumption fails.
// Upgrade tokens must carry a nonce.
func (v *Verifier) ConsumeNonce(c *Claims) error {
	if c.Nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrInvalidToken)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.nowFn()
	for n, exp := range v.used {
		if exp.Before(now) {
			delete(v.used, n)
		}
	}

	if _, ok := v.used[c.Nonce]; ok {
		return ErrNonceReused
	}
	exp := now.Add(time.Hour)
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	v.used[c.Nonce] = exp
	return nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// or from the token query parameter for WebSocket upgrades where browsers
// cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", fmt.Errorf("%w: malformed Authorization header", ErrInvalidToken)
		}
		return parts[1], nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrNoToken
}
