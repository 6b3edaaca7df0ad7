// Package odata implements an OData v2 and v4 connector on top of
// base.BaseConnector.
//
// The connector renders system query options with a version aware
// QueryBuilder, unwraps both response envelopes ({"d":{"results":[...]}} on
// v2, {"value":[...]} on v4), follows next links, reads $metadata into a
// service model and handles SAP style CSRF tokens on modifying requests.
//
// Basic usage:
//
//	c, err := odata.NewConnector(cfg)
//	if err != nil {
//		return err
//	}
//	if err := c.Connect(ctx); err != nil {
//		return err
//	}
//	defer c.Disconnect(ctx)
//
//	page, err := c.Query(ctx, "Products", &odata.QueryOptions{
//		Select: []string{"ID", "Name"},
//		Filter: []odata.Condition{{Field: "Price", Operator: odata.OpGt, Value: 10}},
//		Top:    50,
//	})
package odata

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/erpconnect/pkg/clients"
	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/connector/base"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// DefaultMaxPages bounds GetAll when maxPages is zero.
const DefaultMaxPages = 100

// Connector speaks OData v2 or v4.
type Connector struct {
	*base.BaseConnector

	version      Version
	format       string
	metadataPath string
	builder      *QueryBuilder
	parser       *MetadataParser
	csrf         *csrfManager
	logger       *zap.Logger

	metaMu    sync.RWMutex
	metadata  *Metadata
	metaGroup singleflight.Group
}

// NewConnector creates an OData connector for cfg. The protocol version
// headers are added to the configured headers unless cfg sets them.
func NewConnector(cfg *config.ConnectorConfig, opts ...base.Option) (*Connector, error) {
	if cfg != nil {
		cfg = cfg.Clone()
		cfg.ApplyDefaults()
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		for k, v := range versionHeaders(ParseVersion(cfg.OData.Version)) {
			if _, ok := cfg.Headers[k]; !ok {
				cfg.Headers[k] = v
			}
		}
	}

	bc, err := base.NewBaseConnector(cfg, opts...)
	if err != nil {
		return nil, err
	}
	oc := bc.Config().OData
	version := ParseVersion(oc.Version)
	l := bc.Logger().With(zap.String("odata_version", string(version)))

	c := &Connector{
		BaseConnector: bc,
		version:       version,
		format:        oc.Format,
		metadataPath:  oc.MetadataPath,
		builder:       NewQueryBuilder(version),
		parser:        NewMetadataParser(l),
		logger:        l,
	}
	if oc.CSRF {
		// The token is bound to the session cookie it was issued with.
		hc := bc.Client().HTTPClient()
		if hc.Jar == nil {
			jar, err := cookiejar.New(nil)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create cookie jar")
			}
			hc.Jar = jar
		}
		c.csrf = newCSRFManager(bc.Client(), "", l)
	}
	bc.SetHooks(c)
	return c, nil
}

func versionHeaders(v Version) map[string]string {
	if v == V2 {
		return map[string]string{
			"DataServiceVersion":    "2.0",
			"MaxDataServiceVersion": "2.0",
		}
	}
	return map[string]string{
		"OData-Version":    "4.0",
		"OData-MaxVersion": "4.0",
	}
}

// Version returns the protocol version in use.
func (c *Connector) Version() Version { return c.version }

// QueryBuilder returns the builder for this connector's version.
func (c *Connector) QueryBuilder() *QueryBuilder { return c.builder }

// OnConnect fetches a CSRF token and the service metadata. Both are
// optional; failures are logged and the connection proceeds.
func (c *Connector) OnConnect(ctx context.Context) error {
	if c.csrf != nil {
		if _, err := c.csrf.Token(ctx); err != nil {
			c.logger.Warn("CSRF token fetch failed, will retry on first write", zap.Error(err))
		}
	}
	if _, err := c.loadMetadata(ctx, false); err != nil {
		c.logger.Warn("metadata fetch failed, continuing without metadata", zap.Error(err))
	}
	return nil
}

// OnDisconnect drops the CSRF token and cached metadata.
func (c *Connector) OnDisconnect(context.Context) error {
	if c.csrf != nil {
		c.csrf.Invalidate()
	}
	c.metaMu.Lock()
	c.metadata = nil
	c.metaMu.Unlock()
	return nil
}

// Query reads one page of an entity set.
func (c *Connector) Query(ctx context.Context, set string, opts *QueryOptions) (*QueryResult, error) {
	raw, err := c.encode(opts)
	if err != nil {
		return nil, err
	}
	return c.queryPage(ctx, set, raw)
}

func (c *Connector) queryPage(ctx context.Context, path, raw string) (*QueryResult, error) {
	resp, err := c.Do(ctx, &clients.Request{Method: http.MethodGet, Path: path, RawQuery: raw})
	if err != nil {
		return nil, err
	}
	return parseCollection(resp.Data)
}

// GetAll reads every page of an entity set by following next links, up to
// maxPages pages (DefaultMaxPages when zero).
func (c *Connector) GetAll(ctx context.Context, set string, opts *QueryOptions, maxPages int) ([]map[string]interface{}, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	raw, err := c.encode(opts)
	if err != nil {
		return nil, err
	}

	var all []map[string]interface{}
	path := set
	for pages := 1; ; pages++ {
		page, err := c.queryPage(ctx, path, raw)
		if err != nil {
			return all, err
		}
		all = append(all, page.Value...)

		if page.NextLink == "" {
			break
		}
		if pages >= maxPages {
			c.logger.Warn("pagination stopped at page limit",
				zap.String("entity_set", set),
				zap.Int("max_pages", maxPages))
			break
		}
		// Next links carry their own query.
		path, raw = page.NextLink, ""
	}
	return all, nil
}

// GetEntity reads one entity by key. Only Select and Expand of opts apply.
func (c *Connector) GetEntity(ctx context.Context, set string, key interface{}, opts *QueryOptions) (map[string]interface{}, error) {
	sel := &QueryOptions{Format: c.format}
	if opts != nil {
		sel.Select, sel.Expand = opts.Select, opts.Expand
	}
	raw, err := c.builder.Encode(sel)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, &clients.Request{
		Method:   http.MethodGet,
		Path:     c.builder.EntityPath(set, key),
		RawQuery: raw,
	})
	if err != nil {
		return nil, err
	}
	return unwrapEntity(resp.Data), nil
}

// CreateEntity posts entity to the set and returns the created entity when
// the service sends it back.
func (c *Connector) CreateEntity(ctx context.Context, set string, entity interface{}) (map[string]interface{}, error) {
	resp, err := c.write(ctx, &clients.Request{Method: http.MethodPost, Path: set, Body: entity})
	if err != nil {
		return nil, err
	}
	return unwrapEntity(resp.Data), nil
}

// UpdateEntity replaces an entity with PUT.
func (c *Connector) UpdateEntity(ctx context.Context, set string, key, entity interface{}) error {
	_, err := c.write(ctx, &clients.Request{Method: http.MethodPut, Path: c.builder.EntityPath(set, key), Body: entity})
	return err
}

// PatchEntity updates the given properties of an entity with PATCH.
func (c *Connector) PatchEntity(ctx context.Context, set string, key, changes interface{}) error {
	_, err := c.write(ctx, &clients.Request{Method: http.MethodPatch, Path: c.builder.EntityPath(set, key), Body: changes})
	return err
}

// DeleteEntity deletes an entity.
func (c *Connector) DeleteEntity(ctx context.Context, set string, key interface{}) error {
	_, err := c.write(ctx, &clients.Request{Method: http.MethodDelete, Path: c.builder.EntityPath(set, key)})
	return err
}

// Count returns the number of entities in set matching the filter of opts.
func (c *Connector) Count(ctx context.Context, set string, opts *QueryOptions) (int64, error) {
	var raw string
	if opts != nil {
		var err error
		raw, err = c.builder.Encode(&QueryOptions{
			Filter:    opts.Filter,
			RawFilter: opts.RawFilter,
			Search:    opts.Search,
			Custom:    opts.Custom,
		})
		if err != nil {
			return 0, err
		}
	}
	resp, err := c.Do(ctx, &clients.Request{
		Method:   http.MethodGet,
		Path:     strings.TrimRight(set, "/") + "/$count",
		RawQuery: raw,
		Headers:  http.Header{"Accept": []string{"text/plain"}},
	})
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(resp.Body)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "unexpected $count response").
			WithConnector(c.ID())
	}
	return n, nil
}

// CallFunction invokes a function (v4) or function import (v2). Parameters
// are inlined in the path on v4 and sent as query options on v2. A v2
// function import declared with HttpMethod POST is sent as a write.
func (c *Connector) CallFunction(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	req := &clients.Request{Method: http.MethodGet}
	if c.version == V4 {
		req.Path = name + "(" + c.inlineParams(params) + ")"
	} else {
		req.Path = name
		req.RawQuery = EncodeParams(c.paramList(params))
	}

	if f, ok := c.cachedMetadata().Function(name); ok && strings.EqualFold(f.HTTPMethod, http.MethodPost) {
		req.Method = http.MethodPost
		resp, err := c.write(ctx, req)
		if err != nil {
			return nil, err
		}
		return unwrapResult(resp.Data), nil
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return unwrapResult(resp.Data), nil
}

// CallAction invokes an action with POST. Parameters form the JSON body on
// v4 and query options on v2.
func (c *Connector) CallAction(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	req := &clients.Request{Method: http.MethodPost, Path: name}
	if c.version == V4 {
		if params == nil {
			params = map[string]interface{}{}
		}
		req.Body = params
	} else {
		req.RawQuery = EncodeParams(c.paramList(params))
	}
	resp, err := c.write(ctx, req)
	if err != nil {
		return nil, err
	}
	return unwrapResult(resp.Data), nil
}

func (c *Connector) inlineParams(params map[string]interface{}) string {
	list := c.paramList(params)
	parts := make([]string, len(list))
	for i, p := range list {
		parts[i] = p.Key + "=" + p.Value
	}
	return strings.Join(parts, ",")
}

// paramList formats params as literals, sorted by name.
func (c *Connector) paramList(params map[string]interface{}) []Param {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Param, len(names))
	for i, name := range names {
		out[i] = Param{Key: name, Value: c.builder.FormatValue(params[name])}
	}
	return out
}

// Metadata returns the service model, fetching it on first use.
func (c *Connector) Metadata(ctx context.Context) (*Metadata, error) {
	if err := c.EnsureConnected(); err != nil {
		return nil, err
	}
	return c.loadMetadata(ctx, false)
}

// RefreshMetadata refetches the service model.
func (c *Connector) RefreshMetadata(ctx context.Context) (*Metadata, error) {
	if err := c.EnsureConnected(); err != nil {
		return nil, err
	}
	return c.loadMetadata(ctx, true)
}

func (c *Connector) cachedMetadata() *Metadata {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.metadata
}

// loadMetadata goes through the HTTP client directly so it also works from
// OnConnect, before the connector is marked connected.
func (c *Connector) loadMetadata(ctx context.Context, refresh bool) (*Metadata, error) {
	if md := c.cachedMetadata(); md != nil && !refresh {
		return md, nil
	}

	v, err, _ := c.metaGroup.Do("metadata", func() (interface{}, error) {
		resp, err := c.Client().Do(ctx, &clients.Request{
			Method:  http.MethodGet,
			Path:    c.metadataPath,
			Headers: http.Header{"Accept": []string{"application/xml"}},
		})
		if err != nil {
			return nil, err
		}
		md := c.parser.Parse(resp.Body, c.version)
		if md.Version != c.version {
			c.logger.Warn("service metadata version differs from configured version",
				zap.String("metadata_version", string(md.Version)))
		}

		c.metaMu.Lock()
		c.metadata = md
		c.metaMu.Unlock()
		c.logger.Debug("loaded service metadata",
			zap.Int("entity_types", len(md.EntityTypes)),
			zap.Int("entity_sets", len(md.EntitySets)),
			zap.Int("functions", len(md.Functions)))
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// write sends a modifying request. With CSRF enabled the token is attached,
// and a 403 asking for a token refetches it and retries once.
func (c *Connector) write(ctx context.Context, req *clients.Request) (*clients.Response, error) {
	if c.csrf == nil {
		return c.Do(ctx, req)
	}

	req.Headers = req.Headers.Clone()
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	if token, err := c.csrf.Token(ctx); err == nil {
		req.Headers.Set(csrfHeader, token)
	} else {
		c.logger.Warn("sending write without CSRF token", zap.Error(err))
	}

	resp, err := c.Do(ctx, req)
	if err == nil || !csrfRejected(resp) {
		return resp, err
	}

	c.logger.Debug("CSRF token rejected, refetching")
	c.csrf.Invalidate()
	token, ferr := c.csrf.Token(ctx)
	if ferr != nil {
		return resp, err
	}
	req.Headers.Set(csrfHeader, token)
	return c.Do(ctx, req)
}

// encode renders opts, adding the configured $format when opts has none.
func (c *Connector) encode(opts *QueryOptions) (string, error) {
	if opts == nil {
		opts = &QueryOptions{}
	}
	if opts.Format == "" && c.format != "" {
		o := *opts
		o.Format = c.format
		opts = &o
	}
	return c.builder.Encode(opts)
}

// parseCollection reads a page from either envelope: v2
// {"d":{"results":[...],"__count":"n","__next":"..."}} or {"d":[...]}, and
// v4 {"value":[...],"@odata.count":n,"@odata.nextLink":"..."}.
func parseCollection(data interface{}) (*QueryResult, error) {
	res := &QueryResult{}
	switch v := data.(type) {
	case nil:
		return res, nil
	case []interface{}:
		res.Value = toEntities(v)
		return res, nil
	case map[string]interface{}:
		if d, ok := v["d"]; ok {
			switch dv := d.(type) {
			case []interface{}:
				res.Value = toEntities(dv)
			case map[string]interface{}:
				if results, ok := dv["results"].([]interface{}); ok {
					res.Value = toEntities(results)
					res.Count = parseCount(dv["__count"])
					res.NextLink, _ = dv["__next"].(string)
				} else {
					res.Value = []map[string]interface{}{dv}
				}
			}
			return res, nil
		}
		if values, ok := v["value"].([]interface{}); ok {
			res.Value = toEntities(values)
			res.Count = parseCount(firstOf(v, "@odata.count", "odata.count"))
			res.NextLink, _ = firstOf(v, "@odata.nextLink", "odata.nextLink").(string)
			return res, nil
		}
		res.Value = []map[string]interface{}{v}
		return res, nil
	default:
		return nil, errors.Validation("unexpected OData response payload")
	}
}

func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func toEntities(items []interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]interface{}); ok {
			out = append(out, m)
		} else {
			out = append(out, map[string]interface{}{"value": it})
		}
	}
	return out
}

// parseCount accepts the v4 number and the v2 string form.
func parseCount(v interface{}) *int64 {
	var n int64
	switch x := v.(type) {
	case float64:
		n = int64(x)
	case int64:
		n = x
	case string:
		parsed, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	return &n
}

// unwrapEntity strips the v2 {"d": ...} wrapper.
func unwrapEntity(data interface{}) map[string]interface{} {
	m, ok := data.(map[string]interface{})
	if !ok {
		return nil
	}
	if d, ok := m["d"].(map[string]interface{}); ok && len(m) == 1 {
		return d
	}
	return m
}

// unwrapResult strips function result envelopes: v2 {"d": x} and
// {"d":{"results": x}}, and v4 {"value": x} with optional annotations.
func unwrapResult(data interface{}) interface{} {
	m, ok := data.(map[string]interface{})
	if !ok {
		return data
	}
	if d, ok := m["d"]; ok && len(m) == 1 {
		if dm, ok := d.(map[string]interface{}); ok {
			if results, ok := dm["results"]; ok {
				return results
			}
			if len(dm) == 1 {
				// v2 wraps primitive results as {"FunctionName": value}
				for _, inner := range dm {
					if _, isMap := inner.(map[string]interface{}); !isMap {
						return inner
					}
				}
			}
		}
		return d
	}
	if value, ok := m["value"]; ok {
		for k := range m {
			if k != "value" && !strings.HasPrefix(k, "@") && !strings.HasPrefix(k, "odata.") {
				return data
			}
		}
		return value
	}
	return data
}
