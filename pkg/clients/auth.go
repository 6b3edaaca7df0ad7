package clients

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/json"
)

// ExpiryBuffer is how long before its expiry a token is already treated as
// expired.
const ExpiryBuffer = 5 * time.Minute

// DefaultAPIKeyHeader is used when API key credentials name no header.
const DefaultAPIKeyHeader = "X-API-Key"

// AuthHandler produces authentication headers for one credentials variant.
type AuthHandler interface {
	// Type returns the credentials variant handled
	Type() config.AuthType

	// Authenticate prepares the credential, performing a token grant when
	// needed. It is idempotent.
	Authenticate(ctx context.Context, client *http.Client) error

	// IsTokenExpired reports whether the token is expired or about to be
	IsTokenExpired() bool

	// AuthHeaders returns the headers to attach to a request. It does no I/O.
	AuthHeaders() (http.Header, error)
}

// TokenRefresher is implemented by handlers that can obtain a new token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// NewAuthHandler builds the handler for creds.
func NewAuthHandler(connectorID string, creds config.Credentials, logger *zap.Logger) (AuthHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "auth"))

	switch c := creds.(type) {
	case *config.OAuth2Credentials:
		return NewOAuth2Handler(connectorID, c, logger), nil
	case *config.APIKeyCredentials:
		return &APIKeyHandler{connectorID: connectorID, creds: c}, nil
	case *config.BasicCredentials:
		return &BasicHandler{connectorID: connectorID, creds: c}, nil
	case *config.JWTCredentials:
		return &JWTHandler{connectorID: connectorID, creds: c, now: time.Now}, nil
	case nil:
		return nil, errors.Authentication(connectorID, errors.ReasonInvalidCredentials, "no credentials configured", nil)
	default:
		return nil, errors.Authentication(connectorID, errors.ReasonUnsupportedType,
			"unsupported credentials type "+string(creds.AuthType()), nil)
	}
}

// expiredWithin reports whether expiresAt falls before now+buffer. A zero
// expiry never expires.
func expiredWithin(now, expiresAt time.Time, buffer time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(expiresAt)
}

// APIKeyHandler sends a static key in a configurable header.
type APIKeyHandler struct {
	connectorID string
	creds       *config.APIKeyCredentials
}

func (h *APIKeyHandler) Type() config.AuthType { return config.AuthAPIKey }

func (h *APIKeyHandler) Authenticate(ctx context.Context, _ *http.Client) error {
	if h.creds.Key == "" {
		return errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "api key is empty", nil)
	}
	return nil
}

func (h *APIKeyHandler) IsTokenExpired() bool { return false }

func (h *APIKeyHandler) AuthHeaders() (http.Header, error) {
	if h.creds.Key == "" {
		return nil, errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "api key is empty", nil)
	}
	name := h.creds.HeaderName
	if name == "" {
		name = DefaultAPIKeyHeader
	}
	value := h.creds.Key
	if p := strings.TrimSpace(h.creds.Prefix); p != "" {
		value = p + " " + h.creds.Key
	}
	hdr := http.Header{}
	hdr.Set(name, value)
	return hdr, nil
}

// BasicHandler is HTTP basic authentication.
type BasicHandler struct {
	connectorID string
	creds       *config.BasicCredentials
}

func (h *BasicHandler) Type() config.AuthType { return config.AuthBasic }

func (h *BasicHandler) Authenticate(ctx context.Context, _ *http.Client) error {
	if h.creds.Username == "" {
		return errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "username is empty", nil)
	}
	return nil
}

func (h *BasicHandler) IsTokenExpired() bool { return false }

func (h *BasicHandler) AuthHeaders() (http.Header, error) {
	if h.creds.Username == "" {
		return nil, errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "username is empty", nil)
	}
	raw := h.creds.Username + ":" + h.creds.Password
	hdr := http.Header{}
	hdr.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	return hdr, nil
}

// JWTHandler sends an externally issued token. When the credentials carry
// no expiry, the token's exp claim is used if it can be read.
type JWTHandler struct {
	connectorID string
	creds       *config.JWTCredentials
	now         func() time.Time
}

func (h *JWTHandler) Type() config.AuthType { return config.AuthJWT }

func (h *JWTHandler) Authenticate(ctx context.Context, _ *http.Client) error {
	if h.creds.Token == "" {
		return errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "jwt is empty", nil)
	}
	if expiredWithin(h.now(), h.expiresAt(), 0) {
		return errors.Authentication(h.connectorID, errors.ReasonTokenExpired, "jwt has expired", nil)
	}
	return nil
}

func (h *JWTHandler) IsTokenExpired() bool {
	return expiredWithin(h.now(), h.expiresAt(), ExpiryBuffer)
}

func (h *JWTHandler) AuthHeaders() (http.Header, error) {
	if h.creds.Token == "" {
		return nil, errors.Authentication(h.connectorID, errors.ReasonInvalidCredentials, "jwt is empty", nil)
	}
	if expiredWithin(h.now(), h.expiresAt(), 0) {
		return nil, errors.Authentication(h.connectorID, errors.ReasonTokenExpired, "jwt has expired", nil)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+h.creds.Token)
	return hdr, nil
}

func (h *JWTHandler) expiresAt() time.Time {
	if !h.creds.ExpiresAt.IsZero() {
		return h.creds.ExpiresAt
	}
	return jwtExpiry(h.creds.Token)
}

// jwtExpiry reads the exp claim without verifying the token. It returns the
// zero time when the token is not a readable JWT.
func jwtExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}
	}
	var claims struct {
		Exp float64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(claims.Exp), 0)
}
