package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	authCodeTTL    = 10 * time.Minute
	accessTokenTTL = time.Hour
)

// Errors surfaced by the authorization code and token exchange flow.
var (
	ErrUnknownClient        = errors.New("auth: unknown authorization code")
	ErrCodeExpired          = errors.New("auth: authorization code expired")
	ErrCodeAlreadyUsed      = errors.New("auth: authorization code already used")
	ErrClientMismatch       = errors.New("auth: client_id or redirect_uri mismatch")
	ErrPKCEVerification     = errors.New("auth: code_verifier does not match code_challenge")
	ErrUnknownToken         = errors.New("auth: unknown token")
	ErrTokenRevoked         = errors.New("auth: token revoked")
	ErrUnsupportedChallenge = errors.New("auth: unsupported code_challenge_method")
)

// AuthorizationCode is a short-lived PKCE grant issued by the /oauth/authorize
// endpoint and redeemed once at /oauth/token.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Used                bool      `json:"used"`
	CreatedAt           time.Time `json:"created_at"`
}

func (c *AuthorizationCode) expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > authCodeTTL
}

// OAuthToken is an issued access/refresh token pair.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	Revoked      bool      `json:"revoked"`
}

func (t *OAuthToken) expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// OAuthServer implements a minimal PKCE-only OAuth2 authorization server:
// authorization codes live in memory for their 10-minute window, tokens are
// persisted to disk so a restart does not invalidate sessions already in
// progress.
type OAuthServer struct {
	mu           sync.Mutex
	tokenPath    string
	codes        map[string]*AuthorizationCode
	accessIndex  map[string]*OAuthToken
	refreshIndex map[string]*OAuthToken
	nowFunc      func() time.Time
}

// NewOAuthServer constructs a server, loading any previously persisted
// tokens from tokenPath.
func NewOAuthServer(tokenPath string) (*OAuthServer, error) {
	s := &OAuthServer{
		tokenPath:    tokenPath,
		codes:        map[string]*AuthorizationCode{},
		accessIndex:  map[string]*OAuthToken{},
		refreshIndex: map[string]*OAuthToken{},
		nowFunc:      time.Now,
	}
	data, err := os.ReadFile(tokenPath)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: read oauth token store: %w", err)
	}
	var tokens []*OAuthToken
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("auth: parse oauth token store: %w", err)
	}
	for _, tok := range tokens {
		s.accessIndex[tok.AccessToken] = tok
		s.refreshIndex[tok.RefreshToken] = tok
	}
	return s, nil
}

func (s *OAuthServer) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

func randomToken(prefix string, n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// IssueAuthorizationCode creates a PKCE authorization code for the given
// client, redirect URI, and scope, bound to the supplied code_challenge.
func (s *OAuthServer) IssueAuthorizationCode(clientID, redirectURI, scope, codeChallenge, codeChallengeMethod string) (string, error) {
	if codeChallengeMethod == "" {
		codeChallengeMethod = "S256"
	}
	if codeChallengeMethod != "S256" && codeChallengeMethod != "plain" {
		return "", ErrUnsupportedChallenge
	}
	code, err := randomToken("ppac_", 24)
	if err != nil {
		return "", fmt.Errorf("auth: generate authorization code: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = &AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           s.now(),
	}
	return code, nil
}

func verifyChallenge(method, verifier, challenge string) bool {
	switch method {
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default: // S256
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	}
}

// ExchangeCode redeems a single-use authorization code for an OAuthToken.
// A code that has already been redeemed is rejected even if every other
// parameter matches.
func (s *OAuthServer) ExchangeCode(code, clientID, redirectURI, codeVerifier string) (*OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.codes[code]
	if !ok {
		return nil, ErrUnknownClient
	}
	if grant.Used {
		return nil, ErrCodeAlreadyUsed
	}
	if grant.expired(s.now()) {
		delete(s.codes, code)
		return nil, ErrCodeExpired
	}
	if grant.ClientID != clientID || grant.RedirectURI != redirectURI {
		return nil, ErrClientMismatch
	}
	if !verifyChallenge(grant.CodeChallengeMethod, codeVerifier, grant.CodeChallenge) {
		return nil, ErrPKCEVerification
	}
	grant.Used = true

	access, err := randomToken("ppat_", 24)
	if err != nil {
		return nil, fmt.Errorf("auth: generate access token: %w", err)
	}
	refresh, err := randomToken("pprt_", 24)
	if err != nil {
		return nil, fmt.Errorf("auth: generate refresh token: %w", err)
	}
	now := s.now()
	tok := &OAuthToken{
		AccessToken:  access,
		RefreshToken: refresh,
		ClientID:     clientID,
		Scope:        grant.Scope,
		ExpiresAt:    now.Add(accessTokenTTL),
		CreatedAt:    now,
	}
	s.accessIndex[access] = tok
	s.refreshIndex[refresh] = tok
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return tok, nil
}

// RefreshToken mints a new access token for an unrevoked refresh token,
// rotating the refresh token itself. Refresh tokens carry no expiry of
// their own; only revocation stops them.
func (s *OAuthServer) RefreshToken(refreshToken string) (*OAuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.refreshIndex[refreshToken]
	if !ok {
		return nil, ErrUnknownToken
	}
	if tok.Revoked {
		return nil, ErrTokenRevoked
	}

	newAccess, err := randomToken("ppat_", 24)
	if err != nil {
		return nil, fmt.Errorf("auth: generate access token: %w", err)
	}
	newRefresh, err := randomToken("pprt_", 24)
	if err != nil {
		return nil, fmt.Errorf("auth: generate refresh token: %w", err)
	}

	delete(s.accessIndex, tok.AccessToken)
	delete(s.refreshIndex, tok.RefreshToken)

	now := s.now()
	rotated := &OAuthToken{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		ClientID:     tok.ClientID,
		Scope:        tok.Scope,
		ExpiresAt:    now.Add(accessTokenTTL),
		CreatedAt:    now,
	}
	s.accessIndex[newAccess] = rotated
	s.refreshIndex[newRefresh] = rotated
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return rotated, nil
}

// Validate reports whether accessToken is a live, unexpired, unrevoked
// access token, returning its record.
func (s *OAuthServer) Validate(accessToken string) (*OAuthToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.accessIndex[accessToken]
	if !ok || tok.Revoked || tok.expired(s.now()) {
		return nil, false
	}
	clone := *tok
	return &clone, true
}

// Revoke invalidates both halves of the token pair identified by either its
// access or refresh token value.
func (s *OAuthServer) Revoke(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.accessIndex[token]
	if !ok {
		tok, ok = s.refreshIndex[token]
	}
	if !ok {
		return ErrUnknownToken
	}
	tok.Revoked = true
	return s.persistLocked()
}

func (s *OAuthServer) persistLocked() error {
	seen := make(map[string]bool, len(s.accessIndex))
	list := make([]*OAuthToken, 0, len(s.accessIndex))
	for _, tok := range s.accessIndex {
		if seen[tok.AccessToken] {
			continue
		}
		seen[tok.AccessToken] = true
		list = append(list, tok)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.tokenPath), 0o700); err != nil {
		return err
	}
	tmp := s.tokenPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.tokenPath)
}
