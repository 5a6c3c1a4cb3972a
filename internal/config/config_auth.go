package config

import "time"

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
	OAuth       OAuthConfig    `yaml:"oauth"`

	// MasterToken is the process's root bearer secret: presenting it at
	// /auth/session exchanges it for a session token, and presenting it
	// directly as a Bearer credential grants full access outright. Left
	// empty, the gateway mints a random one at startup and logs it once.
	MasterToken string `yaml:"master_token"`

	// SessionTokenTTL bounds how long a token minted by /auth/session
	// stays valid.
	SessionTokenTTL time.Duration `yaml:"session_token_ttl"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

type OAuthConfig struct {
	Google OAuthProviderConfig `yaml:"google"`
	GitHub OAuthProviderConfig `yaml:"github"`
}

type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}
