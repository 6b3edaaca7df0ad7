// Package config defines the connector configuration model: the
// ConnectorConfig every connector is built from, the Credentials sum type,
// validation and YAML loading with ${VAR} substitution.
package config

import (
	"time"
)

// ConnectorConfig describes one logical connection to an enterprise system.
// It is immutable after connector construction, except for token fields of
// the credentials which auth handlers refresh in place.
type ConnectorConfig struct {
	// ID is the connection id the registry caches connectors by
	ID string `yaml:"id" json:"id" validate:"required"`
	// Name is a display name
	Name string `yaml:"name" json:"name" validate:"required"`
	// ERPType names the target system (e.g. "sap", "dynamics", "netsuite")
	ERPType string `yaml:"erp_type" json:"erp_type" validate:"required"`
	// BaseURL is the service root every request path is joined to
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`
	// Protocol selects the connector implementation
	Protocol Protocol `yaml:"protocol" json:"protocol" validate:"omitempty,oneof=rest odata"`
	// AuthType must match the credentials variant
	AuthType AuthType `yaml:"auth_type" json:"auth_type" validate:"required,oneof=oauth2 api_key basic jwt"`
	// Credentials holds exactly one credential variant. It is encoded as a
	// tagged envelope, see credentials.go.
	Credentials Credentials `yaml:"-" json:"-" validate:"required"`

	// Timeout is the default per-request timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	// RetryAttempts is the total number of attempts per request, first included
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" validate:"gte=0"`
	// RetryDelay is the base backoff delay
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"gte=0"`

	// RateLimit is optional; nil means unlimited
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	// CircuitBreaker overrides breaker defaults
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`

	// HealthPath is checked by connect and the connection tester
	HealthPath string `yaml:"health_path" json:"health_path"`
	// AuthTestPath is checked by the authentication test, defaults to HealthPath
	AuthTestPath string `yaml:"auth_test_path" json:"auth_test_path"`
	// HealthCheckInterval enables periodic checks while connected; zero disables them
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gte=0"`
	// Headers are sent with every request
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	OData ODataConfig `yaml:"odata" json:"odata"`
	REST  RESTConfig  `yaml:"rest" json:"rest"`

	// Metadata is free-form and never interpreted by the framework
	Metadata map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Protocol selects the connector implementation.
type Protocol string

const (
	ProtocolREST  Protocol = "rest"
	ProtocolOData Protocol = "odata"
)

// RateLimitConfig is a token bucket policy: MaxRequests per Window.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests" validate:"gt=0"`
	Window      time.Duration `yaml:"window" json:"window" validate:"gt=0"`
}

// CircuitBreakerConfig overrides circuit breaker thresholds. Zero values
// fall back to defaults.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period" json:"monitoring_period" validate:"gte=0"`
}

// ODataConfig holds OData protocol options.
type ODataConfig struct {
	// Version is "v2" or "v4"
	Version string `yaml:"version" json:"version" validate:"omitempty,oneof=v2 v4"`
	// CSRF enables SAP style X-CSRF-Token handling on writes
	CSRF bool `yaml:"csrf" json:"csrf"`
	// MetadataPath is relative to BaseURL
	MetadataPath string `yaml:"metadata_path" json:"metadata_path"`
	// Format adds $format to queries when set (e.g. "json")
	Format string `yaml:"format" json:"format"`
}

// RESTConfig holds REST protocol options.
type RESTConfig struct {
	// ArrayFormat is "bracket", "comma" or "repeat"
	ArrayFormat string `yaml:"array_format" json:"array_format" validate:"omitempty,oneof=bracket comma repeat"`
	PageParam   string `yaml:"page_param" json:"page_param"`
	LimitParam  string `yaml:"limit_param" json:"limit_param"`
	// MetadataPath is fetched best-effort by the full connection test
	MetadataPath string `yaml:"metadata_path" json:"metadata_path"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	DefaultHealthPath    = "/"
	DefaultODataVersion  = "v4"
	DefaultMetadataPath  = "$metadata"
	DefaultArrayFormat   = "bracket"
)

// DefaultConnectorConfig returns a config with every optional field defaulted.
func DefaultConnectorConfig() *ConnectorConfig {
	cfg := &ConnectorConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero valued optional fields.
func (c *ConnectorConfig) ApplyDefaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolREST
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.AuthTestPath == "" {
		c.AuthTestPath = c.HealthPath
	}
	if c.OData.Version == "" {
		c.OData.Version = DefaultODataVersion
	}
	if c.OData.MetadataPath == "" {
		c.OData.MetadataPath = DefaultMetadataPath
	}
	if c.REST.ArrayFormat == "" {
		c.REST.ArrayFormat = DefaultArrayFormat
	}
	if c.REST.PageParam == "" {
		c.REST.PageParam = "page"
	}
	if c.REST.LimitParam == "" {
		c.REST.LimitParam = "limit"
	}
}

// Clone returns a deep copy. Credentials are copied so callers cannot mutate
// the connector's secrets through the result.
func (c *ConnectorConfig) Clone() *ConnectorConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Credentials != nil {
		out.Credentials = c.Credentials.clone()
	}
	if c.RateLimit != nil {
		rl := *c.RateLimit
		out.RateLimit = &rl
	}
	if c.CircuitBreaker != nil {
		cb := *c.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
