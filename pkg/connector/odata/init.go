package odata

import (
	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/connector/base"
	"github.com/ajitpratap0/erpconnect/pkg/connector/core"
	"github.com/ajitpratap0/erpconnect/pkg/connector/registry"
)

func init() {
	factory := func(cfg *config.ConnectorConfig, opts ...base.Option) (core.Connector, error) {
		c, err := NewConnector(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	err := registry.RegisterProtocol(config.ProtocolOData, factory, core.Info{
		Protocol:     config.ProtocolOData,
		Description:  "OData v2/v4 connector with metadata, CSRF and $batch support",
		Capabilities: []string{"crud", "query", "pagination", "metadata", "functions", "batch", "csrf"},
	})
	if err != nil {
		panic(err)
	}
}
