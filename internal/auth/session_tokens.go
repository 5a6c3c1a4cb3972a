package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Sentinel errors for token validation.
var (
	ErrAuthDisabled = errors.New("auth: no master token configured")
	ErrInvalidToken = errors.New("auth: invalid or expired session token")
)

// SessionTokens issues and verifies HMAC-signed, TTL-bounded session tokens
// keyed by the process master token. Regenerating the master token changes
// the signing secret, which invalidates every outstanding token.
type SessionTokens struct {
	mu      sync.RWMutex
	master  string
	revoked map[string]time.Time // jti -> expiry, pruned lazily
}

// NewSessionTokens constructs a SessionTokens service keyed by masterToken.
func NewSessionTokens(masterToken string) *SessionTokens {
	return &SessionTokens{master: masterToken, revoked: make(map[string]time.Time)}
}

// SetMasterToken rotates the master token, invalidating every token signed
// under the previous one.
func (s *SessionTokens) SetMasterToken(masterToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = masterToken
}

func (s *SessionTokens) secret() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := sha256.Sum256([]byte(s.master))
	return sum[:]
}

// VerifyMaster reports whether candidate matches the configured master
// token, using a constant-time comparison.
func (s *SessionTokens) VerifyMaster(candidate string) bool {
	s.mu.RLock()
	master := s.master
	s.mu.RUnlock()
	if master == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(master)) == 1
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Create issues a new session token valid for ttl.
func (s *SessionTokens) Create(ttl time.Duration) (token string, expiresAt time.Time, err error) {
	if s.master == "" {
		return "", time.Time{}, ErrAuthDisabled
	}
	now := time.Now()
	expiresAt = now.Add(ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret())
	return token, expiresAt, err
}

// Verify reports whether token is a valid, unexpired, unrevoked session
// token.
func (s *SessionTokens) Verify(token string) bool {
	if s.master == "" {
		return false
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret(), nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	return !s.isRevoked(claims.ID)
}

// Revoke invalidates token immediately, before its natural expiry. Logout
// calls this so a stolen token stops working the moment the legitimate
// holder signs out, rather than waiting out its TTL.
func (s *SessionTokens) Revoke(token string) error {
	claims := &sessionClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return ErrInvalidToken
	}
	if claims.ID == "" {
		return ErrInvalidToken
	}
	expiresAt := time.Now().Add(time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneRevokedLocked()
	s.revoked[claims.ID] = expiresAt
	return nil
}

func (s *SessionTokens) isRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiresAt, ok := s.revoked[jti]
	if !ok {
		return false
	}
	return time.Now().Before(expiresAt)
}

// pruneRevokedLocked drops entries past their token's own expiry: once a
// token would fail Verify on TTL grounds alone, tracking its revocation is
// pointless. Callers must hold s.mu for writing.
func (s *SessionTokens) pruneRevokedLocked() {
	now := time.Now()
	for jti, expiresAt := range s.revoked {
		if now.After(expiresAt) {
			delete(s.revoked, jti)
		}
	}
}
