// Package core defines the interfaces shared by connector implementations
// and the registry that manages them.
package core

import (
	"context"

	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/connector/base"
)

// Connector is the capability a host drives for one ERP connection. The
// REST and OData connectors satisfy it by embedding base.BaseConnector.
type Connector interface {
	// ID returns the connection id
	ID() string
	// Protocol returns the wire protocol spoken by the connector
	Protocol() config.Protocol

	// Lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context) base.FullTestResult

	// Introspection
	Status() base.Status
	Metrics() base.ConnectorMetrics
	Health() base.HealthStatus
	Config() *config.ConnectorConfig
	AddListener(l base.EventListener) (remove func())
}

// Factory builds a connector from a config. The config has not been
// validated yet; factories return a configuration error when it is invalid.
type Factory func(cfg *config.ConnectorConfig, opts ...base.Option) (Connector, error)

// Info describes a registered protocol.
type Info struct {
	Protocol     config.Protocol `json:"protocol"`
	Description  string          `json:"description"`
	Capabilities []string        `json:"capabilities"`
}
