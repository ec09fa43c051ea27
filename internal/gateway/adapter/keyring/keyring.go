// Package keyring issues and verifies locally signed tokens. Keys are
// identified by kid so a secret can be rotated without invalidating tokens
// signed with the previous one.
package keyring

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenantgate/internal/domain"
)

const maxClockSkew = 30 * time.Second

// Key is an HMAC signing secret with its key id.
type Key struct {
	ID     string
	Secret []byte
}

// Claims are the claims of a locally issued token.
type Claims struct {
	UserID     int64  `json:"userId"`
	Username   string `json:"username"`
	TenantCode string `json:"tenant"`
	jwt.RegisteredClaims
}

// Keyring signs with the current key and verifies with current or previous keys.
type Keyring struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	current Key
	keys    map[string][]byte
}

// New creates a Keyring. Tokens are valid for ttl.
func New(current Key, previous []Key, ttl time.Duration) (*Keyring, error) {
	if len(current.Secret) == 0 {
		return nil, errors.New("keyring: empty signing secret")
	}
	k := &Keyring{
		ttl:     ttl,
		now:     time.Now,
		current: current,
		keys:    make(map[string][]byte, len(previous)+1),
	}
	for _, p := range previous {
		if p.ID != "" && len(p.Secret) > 0 {
			k.keys[p.ID] = p.Secret
		}
	}
	k.keys[current.ID] = current.Secret
	return k, nil
}

// WithClock overrides the clock used for issuing and validating tokens.
func (k *Keyring) WithClock(now func() time.Time) *Keyring {
	k.now = now
	return k
}

// Rotate makes next the signing key; the old key keeps verifying.
func (k *Keyring) Rotate(next Key) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current = next
	k.keys[next.ID] = next.Secret
}

// Issue signs a token for user in tenant.
func (k *Keyring) Issue(user domain.User, tenantCode string) (domain.TokenPair, error) {
	k.mu.RLock()
	cur := k.current
	k.mu.RUnlock()

	now := k.now()
	claims := Claims{
		UserID:     user.ID,
		Username:   user.Username,
		TenantCode: tenantCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = cur.ID

	signed, err := tok.SignedString(cur.Secret)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("signing token: %w", err)
	}
	return domain.TokenPair{
		AccessToken: signed,
		ExpiresIn:   int(k.ttl.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

// Verify parses and validates token. Only HS256 is accepted. Tokens without
// a kid are checked against the current key.
func (k *Keyring) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return k.secret(kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(maxClockSkew),
		jwt.WithTimeFunc(k.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, domain.Wrap(domain.ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return Claims{}, domain.ErrInvalidToken
	}
	return claims, nil
}

func (k *Keyring) secret(kid string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == "" {
		return k.current.Secret, nil
	}
	s, ok := k.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key ID %q not found", kid)
	}
	return s, nil
}
