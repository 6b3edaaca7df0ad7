// Package rest implements a generic REST connector on top of
// base.BaseConnector: JSON verbs, structured query encoding, a pagination
// crawler, bounded concurrent batches and JMESPath response transforms.
package rest

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/erpconnect/pkg/clients"
	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/connector/base"
)

const (
	// DefaultPageSize is used by GetAllData when the query sets no limit
	DefaultPageSize = 100
	// DefaultMaxPages bounds GetAllData when MaxPages is zero
	DefaultMaxPages = 100
	// DefaultBatchConcurrency bounds BatchRequest when concurrency is zero
	DefaultBatchConcurrency = 5
)

// RequestOptions tune one REST call.
type RequestOptions struct {
	Headers http.Header
	Timeout time.Duration
	// Transform is a JMESPath expression applied to the decoded body
	Transform string
	SkipRetry bool
}

// PageOptions control GetAllData.
type PageOptions struct {
	// AutoPaginate follows pages until a short page or MaxPages
	AutoPaginate bool
	MaxPages     int
	// Transform is applied to every page before items are extracted
	Transform string
}

// BatchItem is one request of a batch.
type BatchItem struct {
	Method  string
	Path    string
	Query   *Query
	Body    interface{}
	Options *RequestOptions
}

// BatchResult is the outcome of the BatchItem at the same index.
type BatchResult struct {
	Index    int
	Response *clients.Response
	Err      error
}

// Connector speaks plain REST/JSON.
type Connector struct {
	*base.BaseConnector

	builder   *QueryBuilder
	evaluator *Evaluator
	logger    *zap.Logger
}

// NewConnector creates a REST connector for cfg.
func NewConnector(cfg *config.ConnectorConfig, opts ...base.Option) (*Connector, error) {
	bc, err := base.NewBaseConnector(cfg, opts...)
	if err != nil {
		return nil, err
	}
	rc := bc.Config().REST
	return &Connector{
		BaseConnector: bc,
		builder:       NewQueryBuilder(ArrayFormat(rc.ArrayFormat), rc.PageParam, rc.LimitParam),
		evaluator:     NewEvaluator(),
		logger:        bc.Logger().With(zap.String("protocol", "rest")),
	}, nil
}

// QueryBuilder returns the builder configured for this connector.
func (c *Connector) QueryBuilder() *QueryBuilder { return c.builder }

// GetData sends a GET to path with q encoded as parameters.
func (c *Connector) GetData(ctx context.Context, path string, q *Query, opts *RequestOptions) (*clients.Response, error) {
	return c.MakeRequest(ctx, http.MethodGet, path, q, nil, opts)
}

// CreateData sends a POST with body.
func (c *Connector) CreateData(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	return c.MakeRequest(ctx, http.MethodPost, path, nil, body, opts)
}

// UpdateData sends a PUT with body.
func (c *Connector) UpdateData(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	return c.MakeRequest(ctx, http.MethodPut, path, nil, body, opts)
}

// PatchData sends a PATCH with body.
func (c *Connector) PatchData(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	return c.MakeRequest(ctx, http.MethodPatch, path, nil, body, opts)
}

// DeleteData sends a DELETE.
func (c *Connector) DeleteData(ctx context.Context, path string, opts *RequestOptions) (*clients.Response, error) {
	return c.MakeRequest(ctx, http.MethodDelete, path, nil, nil, opts)
}

// MakeRequest sends an arbitrary request. When opts names a transform, the
// response Data is replaced by the transform result.
func (c *Connector) MakeRequest(ctx context.Context, method, path string, q *Query, body interface{}, opts *RequestOptions) (*clients.Response, error) {
	ro := &base.RequestOptions{RawQuery: c.builder.Encode(q)}
	var transform string
	if opts != nil {
		ro.Headers = opts.Headers
		ro.Timeout = opts.Timeout
		ro.SkipRetry = opts.SkipRetry
		transform = opts.Transform
	}

	resp, err := c.Request(ctx, method, path, body, ro)
	if err != nil {
		return resp, err
	}
	if transform != "" {
		out, err := c.evaluator.Evaluate(transform, resp.Data)
		if err != nil {
			return resp, err
		}
		resp.Data = out
	}
	return resp, nil
}

// BatchRequest runs items concurrently, at most concurrency at a time.
// Results are returned in input order and a failed item never cancels the
// others. The returned error is only set when ctx ends before every item ran.
func (c *Connector) BatchRequest(ctx context.Context, items []BatchItem, concurrency int) ([]BatchResult, error) {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	results := make([]BatchResult, len(items))

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i := range items {
		i := i
		item := items[i]
		results[i].Index = i
		if ctx.Err() != nil {
			results[i].Err = ctx.Err()
			continue
		}
		g.Go(func() error {
			method := item.Method
			if method == "" {
				method = http.MethodGet
			}
			resp, err := c.MakeRequest(ctx, method, item.Path, item.Query, item.Body, item.Options)
			results[i].Response = resp
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	c.logger.Debug("batch finished", zap.Int("requests", len(items)), zap.Int("failed", failed))
	return results, ctx.Err()
}

// GetAllData fetches items from path. Without AutoPaginate it returns the
// items of one page. With it, pages are requested until one returns fewer
// items than the limit or MaxPages pages were read.
//
// A page may be a bare array, an object with a "data" array, or a single
// object, which counts as one item.
func (c *Connector) GetAllData(ctx context.Context, path string, q *Query, opts *PageOptions) ([]interface{}, error) {
	if opts == nil {
		opts = &PageOptions{}
	}
	q = q.Clone()
	if q.Pagination == nil {
		q.Pagination = &Pagination{}
	}
	if q.Pagination.Limit <= 0 {
		q.Pagination.Limit = DefaultPageSize
	}
	if q.Pagination.Page <= 0 {
		q.Pagination.Page = 1
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	ro := &RequestOptions{Transform: opts.Transform}

	var all []interface{}
	for pages := 1; ; pages++ {
		resp, err := c.GetData(ctx, path, q, ro)
		if err != nil {
			return all, err
		}
		items := extractItems(resp.Data)
		all = append(all, items...)

		if !opts.AutoPaginate {
			break
		}
		if len(items) < q.Pagination.Limit {
			break
		}
		if pages >= maxPages {
			c.logger.Warn("pagination stopped at page limit",
				zap.String("path", path),
				zap.Int("max_pages", maxPages))
			break
		}
		q.Pagination.Page++
	}
	return all, nil
}

// extractItems normalises the three accepted page shapes.
func extractItems(data interface{}) []interface{} {
	switch v := data.(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	case map[string]interface{}:
		if items, ok := v["data"].([]interface{}); ok {
			return items
		}
		return []interface{}{v}
	case string:
		if v == "" {
			return nil
		}
		return []interface{}{v}
	default:
		return []interface{}{v}
	}
}
