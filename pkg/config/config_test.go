package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/json"
)

func validConfig() *ConnectorConfig {
	cfg := &ConnectorConfig{
		ID:          "erp-1",
		Name:        "ERP",
		ERPType:     "sap",
		BaseURL:     "https://erp.example.com/odata",
		AuthType:    AuthOAuth2,
		Credentials: NewOAuth2Credentials("client", "secret", "https://login.example.com/token", "read write"),
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidateFirstMissingField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ConnectorConfig)
		field  string
	}{
		{"id", func(c *ConnectorConfig) { c.ID = ""; c.Name = "" }, "id"},
		{"name", func(c *ConnectorConfig) { c.Name = "" }, "name"},
		{"erp type", func(c *ConnectorConfig) { c.ERPType = "" }, "erp_type"},
		{"base url", func(c *ConnectorConfig) { c.BaseURL = "" }, "base_url"},
		{"auth type", func(c *ConnectorConfig) { c.AuthType = "" }, "auth_type"},
		{"credentials", func(c *ConnectorConfig) { c.Credentials = nil }, "credentials"},
		{"client id", func(c *ConnectorConfig) {
			c.Credentials = NewOAuth2Credentials("", "secret", "https://login.example.com/token", "")
		}, "credentials.client_id"},
		{"rate limit", func(c *ConnectorConfig) { c.RateLimit = &RateLimitConfig{Window: time.Second} }, "rate_limit.max_requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			assert.Equal(t, tt.field, errors.Field(err))
		})
	}
}

func TestValidateAuthTypeMismatch(t *testing.T) {
	cfg := validConfig()
	cfg.AuthType = AuthBasic

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "auth_type", errors.Field(err))
	assert.Contains(t, err.Error(), "does not match")
}

func TestValidateOK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestUnknownCredentialTypeRejected(t *testing.T) {
	doc := `
id: x
credentials:
  type: kerberos
`
	var cfg ConnectorConfig
	err := yaml.Unmarshal([]byte(doc), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kerberos")
}

func TestCloneIsolatesCredentials(t *testing.T) {
	cfg := validConfig()
	creds := cfg.Credentials.(*OAuth2Credentials)
	creds.SetToken("tok-1", "ref-1", time.Now().Add(time.Hour))
	cfg.Headers = map[string]string{"sap-client": "100"}

	cp := cfg.Clone()
	cp.Credentials.(*OAuth2Credentials).SetToken("tok-2", "", time.Time{})
	cp.Headers["sap-client"] = "200"

	access, refresh, _ := creds.Token()
	assert.Equal(t, "tok-1", access)
	assert.Equal(t, "ref-1", refresh)
	assert.Equal(t, "100", cfg.Headers["sap-client"])
}

func TestJSONRoundTripKeepsVariant(t *testing.T) {
	cfg := validConfig()
	cfg.AuthType = AuthJWT
	cfg.Credentials = &JWTCredentials{Token: "eyJ.abc.def"}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"jwt"`)

	var out ConnectorConfig
	require.NoError(t, json.Unmarshal(data, &out))
	jwt, ok := out.Credentials.(*JWTCredentials)
	require.True(t, ok)
	assert.Equal(t, "eyJ.abc.def", jwt.Token)
	assert.Equal(t, cfg.BaseURL, out.BaseURL)
}

func TestLoadConnectorSubstitutesEnv(t *testing.T) {
	t.Setenv("ERP_PASSWORD", "s3cret")

	dir := t.TempDir()
	path := filepath.Join(dir, "erp.yaml")
	doc := `
id: erp-basic
name: Basic ERP
erp_type: netsuite
base_url: https://erp.example.com/api
auth_type: basic
timeout: 5s
credentials:
  type: basic
  username: ${ERP_USER:-integration}
  password: ${ERP_PASSWORD}
rate_limit:
  max_requests: 10
  window: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadConnector(path)
	require.NoError(t, err)

	basic := cfg.Credentials.(*BasicCredentials)
	assert.Equal(t, "integration", basic.Username)
	assert.Equal(t, "s3cret", basic.Password)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	assert.Equal(t, ProtocolREST, cfg.Protocol)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := validConfig()

	require.NoError(t, Save(path, cfg))
	loaded, err := LoadConnector(path)
	require.NoError(t, err)

	creds := loaded.Credentials.(*OAuth2Credentials)
	assert.Equal(t, "client", creds.ClientID)
	assert.Equal(t, "read write", creds.Scope)
}
