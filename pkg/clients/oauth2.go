package clients

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/metrics"
)

// DefaultTokenLifetime is assumed when a token response has no expires_in.
const DefaultTokenLifetime = time.Hour

// OAuth2Handler manages an OAuth2 access token: it reuses a cached token
// while it is valid, refreshes it with the refresh token grant when one is
// available and falls back to the client credentials grant otherwise.
// Tokens are written back into the connector's credentials.
type OAuth2Handler struct {
	connectorID string
	creds       *config.OAuth2Credentials
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	client *http.Client

	group singleflight.Group

	// Stats
	tokenRequests  int64
	tokenRefreshes int64
	authFailures   int64
}

// NewOAuth2Handler creates a handler for creds.
func NewOAuth2Handler(connectorID string, creds *config.OAuth2Credentials, logger *zap.Logger) *OAuth2Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuth2Handler{
		connectorID: connectorID,
		creds:       creds,
		logger:      logger.With(zap.String("auth_type", "oauth2")),
		now:         time.Now,
	}
}

func (h *OAuth2Handler) Type() config.AuthType { return config.AuthOAuth2 }

// Authenticate is a no-op while the cached token is valid. Otherwise it
// refreshes when a refresh token exists and runs the client credentials
// grant when none does.
func (h *OAuth2Handler) Authenticate(ctx context.Context, client *http.Client) error {
	if client != nil {
		h.mu.Lock()
		h.client = client
		h.mu.Unlock()
	}

	access, refresh, _ := h.creds.Token()
	if access != "" && !h.IsTokenExpired() {
		return nil
	}
	if refresh != "" {
		return h.RefreshToken(ctx)
	}
	return h.obtain(ctx, "client_credentials", h.clientCredentialsGrant)
}

// IsTokenExpired applies ExpiryBuffer. A missing token counts as expired.
func (h *OAuth2Handler) IsTokenExpired() bool {
	access, _, exp := h.creds.Token()
	if access == "" {
		return true
	}
	return expiredWithin(h.now(), exp, ExpiryBuffer)
}

// AuthHeaders returns a bearer header. It fails when there is no token or
// the token is past its actual expiry.
func (h *OAuth2Handler) AuthHeaders() (http.Header, error) {
	access, _, exp := h.creds.Token()
	if access == "" {
		return nil, errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "no access token, authenticate first", nil)
	}
	if expiredWithin(h.now(), exp, 0) {
		return nil, errors.Authentication(h.connectorID, errors.ReasonTokenExpired, "access token has expired", nil)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+access)
	return hdr, nil
}

// RefreshToken obtains a new token. Concurrent callers share one grant.
func (h *OAuth2Handler) RefreshToken(ctx context.Context) error {
	_, refresh, _ := h.creds.Token()
	if refresh == "" {
		return h.obtain(ctx, "client_credentials", h.clientCredentialsGrant)
	}
	return h.obtain(ctx, "refresh_token", h.refreshGrant)
}

// obtain runs grant once per key across concurrent callers and stores the
// resulting token.
func (h *OAuth2Handler) obtain(ctx context.Context, key string, grant func(context.Context) (*oauth2.Token, error)) error {
	_, err, _ := h.group.Do(key, func() (interface{}, error) {
		h.mu.Lock()
		h.tokenRequests++
		client := h.client
		h.mu.Unlock()

		if client != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		}

		tok, err := grant(ctx)
		if err != nil {
			h.mu.Lock()
			h.authFailures++
			h.mu.Unlock()
			metrics.TokenRefreshes.WithLabelValues(h.connectorID, "failure").Inc()
			h.logger.Warn("oauth2 token request failed", zap.String("grant", key), zap.Error(err))
			return nil, h.classify(key, err)
		}

		expiresAt := tok.Expiry
		if expiresAt.IsZero() {
			expiresAt = h.now().Add(DefaultTokenLifetime)
		}
		h.creds.SetToken(tok.AccessToken, tok.RefreshToken, expiresAt)
		metrics.TokenRefreshes.WithLabelValues(h.connectorID, "success").Inc()

		if key == "refresh_token" {
			h.mu.Lock()
			h.tokenRefreshes++
			h.mu.Unlock()
		}
		h.logger.Debug("oauth2 token obtained", zap.String("grant", key), zap.Time("expires_at", expiresAt))
		return nil, nil
	})
	return err
}

func (h *OAuth2Handler) clientCredentialsGrant(ctx context.Context) (*oauth2.Token, error) {
	if h.creds.ClientID == "" || h.creds.TokenURL == "" {
		return nil, errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "client_id and token_url are required", nil)
	}
	cc := &clientcredentials.Config{
		ClientID:     h.creds.ClientID,
		ClientSecret: h.creds.ClientSecret,
		TokenURL:     h.creds.TokenURL,
		Scopes:       strings.Fields(h.creds.Scope),
	}
	return cc.Token(ctx)
}

func (h *OAuth2Handler) refreshGrant(ctx context.Context) (*oauth2.Token, error) {
	_, refresh, _ := h.creds.Token()
	conf := &oauth2.Config{
		ClientID:     h.creds.ClientID,
		ClientSecret: h.creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: h.creds.TokenURL},
		Scopes:       strings.Fields(h.creds.Scope),
	}
	// An empty access token forces the source to use the refresh token.
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
}

// classify maps grant failures onto authentication sub-kinds.
func (h *OAuth2Handler) classify(grant string, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	reason := errors.ReasonRefreshFailed
	msg := "token refresh failed"
	if grant == "client_credentials" {
		reason = errors.ReasonInvalidCredentials
		msg = "client credentials grant failed"
	}

	e := errors.Authentication(h.connectorID, reason, msg, err)
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) && re.Response != nil {
		e.WithDetail("status", re.Response.StatusCode)
		if re.ErrorCode != "" {
			e.WithDetail("error_code", re.ErrorCode)
		}
	} else if code := errors.NetworkCode(err); code != "" {
		e.WithDetail("network_code", code)
	}
	return e
}

// OAuth2Stats reports token endpoint usage.
type OAuth2Stats struct {
	TokenRequests  int64 `json:"token_requests"`
	TokenRefreshes int64 `json:"token_refreshes"`
	AuthFailures   int64 `json:"auth_failures"`
}

// Stats returns token endpoint counters.
func (h *OAuth2Handler) Stats() OAuth2Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return OAuth2Stats{
		TokenRequests:  h.tokenRequests,
		TokenRefreshes: h.tokenRefreshes,
		AuthFailures:   h.authFailures,
	}
}
