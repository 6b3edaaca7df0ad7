// Package registry caches one connector per connection id and builds new
// connectors through protocol factories registered at init time.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/connector/base"
	"github.com/ajitpratap0/erpconnect/pkg/connector/core"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/logger"
	"github.com/ajitpratap0/erpconnect/pkg/metrics"
)

type protocolEntry struct {
	factory core.Factory
	info    core.Info
}

var (
	protocolsMu sync.RWMutex
	protocols   = make(map[config.Protocol]protocolEntry)
)

// RegisterProtocol makes a connector implementation available to every
// Registry. Protocol packages call it from init.
func RegisterProtocol(p config.Protocol, factory core.Factory, info core.Info) error {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()

	if _, exists := protocols[p]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "protocol %s already registered", p)
	}
	protocols[p] = protocolEntry{factory: factory, info: info}
	return nil
}

// Protocols lists registered protocols sorted by name.
func Protocols() []core.Info {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()

	out := make([]core.Info, 0, len(protocols))
	for _, e := range protocols {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

func lookupFactory(p config.Protocol) (core.Factory, error) {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()

	e, ok := protocols[p]
	if !ok {
		return nil, errors.Configuration("protocol", fmt.Sprintf("protocol %q is not registered", p))
	}
	return e.factory, nil
}

// Registry owns the connectors of a host. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]core.Connector
	configs    map[string]*config.ConnectorConfig
	group      singleflight.Group
	opts       []base.Option
	logger     *zap.Logger
}

// New creates an empty registry. opts are passed to every connector it
// builds.
func New(l *zap.Logger, opts ...base.Option) *Registry {
	l = logger.OrGlobal(l).With(zap.String("component", "connector_registry"))
	return &Registry{
		connectors: make(map[string]core.Connector),
		configs:    make(map[string]*config.ConnectorConfig),
		opts:       append([]base.Option{base.WithLogger(l)}, opts...),
		logger:     l,
	}
}

// GetOrCreate returns the cached connector for cfg.ID, or builds and
// connects a new one. Concurrent calls for the same id share one build. A
// connector that fails to connect is not cached.
func (r *Registry) GetOrCreate(ctx context.Context, cfg *config.ConnectorConfig) (core.Connector, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, errors.Configuration("id", "connector config with an id is required")
	}
	if c, ok := r.Get(cfg.ID); ok {
		return c, nil
	}

	v, err, _ := r.group.Do(cfg.ID, func() (interface{}, error) {
		if c, ok := r.Get(cfg.ID); ok {
			return c, nil
		}
		return r.build(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(core.Connector), nil
}

// NewConnector builds an unconnected connector for cfg through the factory
// of its protocol. Nothing is cached.
func NewConnector(cfg *config.ConnectorConfig, opts ...base.Option) (core.Connector, error) {
	if cfg == nil {
		return nil, errors.Configuration("", "connector config is required")
	}
	cfg = cfg.Clone()
	cfg.ApplyDefaults()

	factory, err := lookupFactory(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	return factory(cfg, opts...)
}

func (r *Registry) build(ctx context.Context, cfg *config.ConnectorConfig) (core.Connector, error) {
	c, err := NewConnector(cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	cfg = c.Config()
	if err := c.Connect(ctx); err != nil {
		metrics.DeleteConnector(cfg.ID)
		return nil, err
	}

	r.mu.Lock()
	r.connectors[cfg.ID] = c
	r.configs[cfg.ID] = cfg
	r.mu.Unlock()

	r.logger.Info("connector created",
		zap.String("connector_id", cfg.ID),
		zap.String("protocol", string(cfg.Protocol)))
	return c, nil
}

// Get returns the cached connector for id.
func (r *Registry) Get(id string) (core.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// RemoveConnector disconnects and evicts the connector for id. Removing an
// unknown id is a no-op.
func (r *Registry) RemoveConnector(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.connectors[id]
	delete(r.connectors, id)
	delete(r.configs, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	err := c.Disconnect(ctx)
	metrics.DeleteConnector(id)
	r.logger.Info("connector removed", zap.String("connector_id", id), zap.Error(err))
	return err
}

// UpdateConfig evicts the connector for cfg.ID when its config changed. The
// next GetOrCreate builds a fresh connector from the new config.
func (r *Registry) UpdateConfig(ctx context.Context, cfg *config.ConnectorConfig) error {
	if cfg == nil || cfg.ID == "" {
		return errors.Configuration("id", "connector config with an id is required")
	}
	next := cfg.Clone()
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	current, ok := r.configs[cfg.ID]
	r.mu.RUnlock()
	if ok && sameConfig(current, next) {
		return nil
	}
	return r.RemoveConnector(ctx, cfg.ID)
}

// sameConfig compares the encoded forms, credentials included.
func sameConfig(a, b *config.ConnectorConfig) bool {
	ea, errA := a.MarshalJSON()
	eb, errB := b.MarshalJSON()
	return errA == nil && errB == nil && string(ea) == string(eb)
}

// List returns the cached connection ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every connector concurrently and empties the registry.
// The first disconnect error is returned after all have finished.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	connectors := r.connectors
	r.connectors = make(map[string]core.Connector)
	r.configs = make(map[string]*config.ConnectorConfig)
	r.mu.Unlock()

	var g errgroup.Group
	for id, c := range connectors {
		id, c := id, c
		g.Go(func() error {
			defer metrics.DeleteConnector(id)
			if err := c.Disconnect(ctx); err != nil {
				return fmt.Errorf("disconnect %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("registry closed", zap.Int("connectors", len(connectors)))
	return err
}
