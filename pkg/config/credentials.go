package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/logger"
)

// AuthType tags the credentials variant.
type AuthType string

const (
	AuthOAuth2 AuthType = "oauth2"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
	AuthJWT    AuthType = "jwt"
)

// Credentials is a closed sum type: *OAuth2Credentials, *APIKeyCredentials,
// *BasicCredentials or *JWTCredentials. The unexported methods keep other
// packages from adding variants.
type Credentials interface {
	AuthType() AuthType
	clone() Credentials
	envelope() *credentialEnvelope
}

// OAuth2Credentials configures the client credentials and refresh token
// grants. Token fields are refreshed in place by the auth handler; read and
// write them through Token and SetToken.
type OAuth2Credentials struct {
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	TokenURL     string `yaml:"token_url" validate:"required,url"`
	Scope        string `yaml:"scope"`

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewOAuth2Credentials builds OAuth2 credentials without a cached token.
func NewOAuth2Credentials(clientID, clientSecret, tokenURL, scope string) *OAuth2Credentials {
	return &OAuth2Credentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scope:        scope,
	}
}

func (c *OAuth2Credentials) AuthType() AuthType { return AuthOAuth2 }

// Token returns the cached token triple.
func (c *OAuth2Credentials) Token() (access, refresh string, expiresAt time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken, c.refreshToken, c.expiresAt
}

// SetToken replaces the cached token. An empty refresh token keeps the old one.
func (c *OAuth2Credentials) SetToken(access, refresh string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = access
	if refresh != "" {
		c.refreshToken = refresh
	}
	c.expiresAt = expiresAt
}

func (c *OAuth2Credentials) clone() Credentials {
	access, refresh, exp := c.Token()
	out := NewOAuth2Credentials(c.ClientID, c.ClientSecret, c.TokenURL, c.Scope)
	out.SetToken(access, refresh, exp)
	return out
}

func (c *OAuth2Credentials) String() string {
	return fmt.Sprintf("oauth2(client_id=%s, token_url=%s, secret=%s)", c.ClientID, c.TokenURL, logger.Mask(c.ClientSecret))
}

// APIKeyCredentials sends a static key in a configurable header.
type APIKeyCredentials struct {
	Key        string `yaml:"key" validate:"required"`
	HeaderName string `yaml:"header_name"`
	Prefix     string `yaml:"prefix"`
}

func (c *APIKeyCredentials) AuthType() AuthType { return AuthAPIKey }

func (c *APIKeyCredentials) clone() Credentials {
	out := *c
	return &out
}

func (c *APIKeyCredentials) String() string {
	return fmt.Sprintf("api_key(header=%s, key=%s)", c.HeaderName, logger.Mask(c.Key))
}

// BasicCredentials is HTTP basic authentication.
type BasicCredentials struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
}

func (c *BasicCredentials) AuthType() AuthType { return AuthBasic }

func (c *BasicCredentials) clone() Credentials {
	out := *c
	return &out
}

func (c *BasicCredentials) String() string {
	return fmt.Sprintf("basic(username=%s, password=%s)", c.Username, logger.Mask(c.Password))
}

// JWTCredentials is an externally issued bearer token.
type JWTCredentials struct {
	Token        string    `yaml:"token" validate:"required"`
	ExpiresAt    time.Time `yaml:"expires_at"`
	RefreshToken string    `yaml:"refresh_token"`
}

func (c *JWTCredentials) AuthType() AuthType { return AuthJWT }

func (c *JWTCredentials) clone() Credentials {
	out := *c
	return &out
}

func (c *JWTCredentials) String() string {
	return fmt.Sprintf("jwt(token=%s)", logger.Mask(c.Token))
}

// credentialEnvelope is the wire form of Credentials: a flat object tagged
// by type.
type credentialEnvelope struct {
	Type AuthType `yaml:"type" json:"type"`

	ClientID     string     `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string     `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	TokenURL     string     `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	Scope        string     `yaml:"scope,omitempty" json:"scope,omitempty"`
	AccessToken  string     `yaml:"access_token,omitempty" json:"access_token,omitempty"`
	RefreshToken string     `yaml:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`

	Key        string `yaml:"key,omitempty" json:"key,omitempty"`
	HeaderName string `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	Prefix     string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	Token string `yaml:"token,omitempty" json:"token,omitempty"`
}

// decode turns the envelope into its variant, rejecting unknown tags.
func (e *credentialEnvelope) decode() (Credentials, error) {
	switch e.Type {
	case AuthOAuth2:
		c := NewOAuth2Credentials(e.ClientID, e.ClientSecret, e.TokenURL, e.Scope)
		var exp time.Time
		if e.ExpiresAt != nil {
			exp = *e.ExpiresAt
		}
		if e.AccessToken != "" || e.RefreshToken != "" {
			c.SetToken(e.AccessToken, e.RefreshToken, exp)
		}
		return c, nil
	case AuthAPIKey:
		return &APIKeyCredentials{Key: e.Key, HeaderName: e.HeaderName, Prefix: e.Prefix}, nil
	case AuthBasic:
		return &BasicCredentials{Username: e.Username, Password: e.Password}, nil
	case AuthJWT:
		c := &JWTCredentials{Token: e.Token, RefreshToken: e.RefreshToken}
		if e.ExpiresAt != nil {
			c.ExpiresAt = *e.ExpiresAt
		}
		return c, nil
	case "":
		return nil, errors.MissingField("credentials.type")
	default:
		return nil, errors.Configuration("credentials.type",
			fmt.Sprintf("unsupported credentials type %q", e.Type)).
			WithReason(errors.ReasonUnsupportedType)
	}
}

func (c *OAuth2Credentials) envelope() *credentialEnvelope {
	access, refresh, exp := c.Token()
	e := &credentialEnvelope{
		Type:         AuthOAuth2,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
		Scope:        c.Scope,
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if !exp.IsZero() {
		e.ExpiresAt = &exp
	}
	return e
}

func (c *APIKeyCredentials) envelope() *credentialEnvelope {
	return &credentialEnvelope{Type: AuthAPIKey, Key: c.Key, HeaderName: c.HeaderName, Prefix: c.Prefix}
}

func (c *BasicCredentials) envelope() *credentialEnvelope {
	return &credentialEnvelope{Type: AuthBasic, Username: c.Username, Password: c.Password}
}

func (c *JWTCredentials) envelope() *credentialEnvelope {
	e := &credentialEnvelope{Type: AuthJWT, Token: c.Token, RefreshToken: c.RefreshToken}
	if !c.ExpiresAt.IsZero() {
		exp := c.ExpiresAt
		e.ExpiresAt = &exp
	}
	return e
}
