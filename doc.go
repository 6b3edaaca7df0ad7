// Package erpconnect provides REST and OData connectivity for enterprise
// resource planning systems.
//
// Every connector is built from the same resilient request pipeline:
// authentication, a token-bucket rate limiter, a circuit breaker, retry with
// exponential backoff and a shared HTTP client. Protocol connectors add their
// own semantics on top of it.
//
// # Architecture
//
// The module is organized in layers:
//
//   - pkg/errors: typed error taxonomy shared by every layer
//   - pkg/clients: auth handlers, rate limiter, circuit breaker, retry and HTTP client
//   - pkg/connector/base: connection lifecycle, health checks and connection testing
//   - pkg/connector/rest: generic REST connector with pagination and JMESPath transforms
//   - pkg/connector/odata: OData v2/v4 connector with metadata, CSRF and $batch
//   - pkg/connector/registry: protocol registration and connector caching
//
// # Quick Start
//
// Query an OData v4 service:
//
//	import (
//	    "github.com/ajitpratap0/erpconnect/pkg/config"
//	    "github.com/ajitpratap0/erpconnect/pkg/connector/odata"
//	    "github.com/ajitpratap0/erpconnect/pkg/connector/registry"
//	)
//
//	cfg, err := config.LoadConnector("sap.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg := registry.New(logger)
//	defer reg.Close(ctx)
//
//	c, err := reg.GetOrCreate(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	page, err := c.(*odata.Connector).Query(ctx, "Products", &odata.QueryOptions{
//	    Select: []string{"ID", "Name"},
//	    Top:    10,
//	})
//
// # Configuration
//
// Connector files are YAML with ${VAR} environment substitution:
//
//	id: s4-sales
//	name: S/4HANA sales
//	erp_type: sap
//	base_url: https://s4.example.com/sap/opu/odata/sap/ZSALES_SRV
//	protocol: odata
//	auth_type: basic
//	credentials:
//	  type: basic
//	  username: ${SAP_USER}
//	  password: ${SAP_PASSWORD}
//	odata:
//	  version: v2
//	  csrf: true
//
// # Command Line
//
// The erpconnect command tests connections, summarizes OData metadata and
// reads data:
//
//	erpconnect test sap.yaml
//	erpconnect metadata sap.yaml
//	erpconnect query sap.yaml Products --top 10 --select ID,Name
package erpconnect
