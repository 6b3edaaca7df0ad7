package rest

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
	err := registry.RegisterProtocol(config.ProtocolREST, factory, core.Info{
		Protocol:     config.ProtocolREST,
		Description:  "Generic REST/JSON connector",
		Capabilities: []string{"crud", "pagination", "batch", "transform"},
	})
	if err != nil {
		panic(err)
	}
}
