package rest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ArrayFormat selects how multi-valued parameters are encoded.
type ArrayFormat string

const (
	// ArrayBracket encodes k[]=a&k[]=b
	ArrayBracket ArrayFormat = "bracket"
	// ArrayComma encodes k=a,b
	ArrayComma ArrayFormat = "comma"
	// ArrayRepeat encodes k=a&k=b
	ArrayRepeat ArrayFormat = "repeat"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "ne"
	OpGreaterThan Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLessThan    Operator = "lt"
	OpLessEq      Operator = "lte"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "startswith"
	OpEndsWith    Operator = "endswith"
	OpIn          Operator = "in"
	OpNotIn       Operator = "nin"
)

// Filter restricts results on one field.
type Filter struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Pagination selects a page. Page is 1-based; Offset and Cursor are used by
// APIs that page that way instead.
type Pagination struct {
	Page   int    `json:"page,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// Sort orders results by one field.
type Sort struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Query is a protocol neutral description of a list request.
type Query struct {
	Filters    []Filter    `json:"filters,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Fields     []string    `json:"fields,omitempty"`
	Expand     []string    `json:"expand,omitempty"`
	Search     string      `json:"search,omitempty"`
	Sort       []Sort      `json:"sort,omitempty"`
}

// Clone returns a copy safe to modify.
func (q *Query) Clone() *Query {
	if q == nil {
		return &Query{}
	}
	out := *q
	out.Filters = append([]Filter(nil), q.Filters...)
	out.Fields = append([]string(nil), q.Fields...)
	out.Expand = append([]string(nil), q.Expand...)
	out.Sort = append([]Sort(nil), q.Sort...)
	if q.Pagination != nil {
		p := *q.Pagination
		out.Pagination = &p
	}
	return &out
}

// Param is one encoded query parameter.
type Param struct {
	Key   string
	Value string
}

// Params keeps parameters in insertion order.
type Params []Param

// Add appends a parameter.
func (p *Params) Add(key, value string) {
	*p = append(*p, Param{Key: key, Value: value})
}

// Get returns the first value for key.
func (p Params) Get(key string) string {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// Encode renders the parameters. Keys keep their brackets and values keep
// commas; everything else is percent-encoded with spaces as %20.
func (p Params) Encode() string {
	var sb strings.Builder
	for i, kv := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(escapeKey(kv.Key))
		sb.WriteByte('=')
		sb.WriteString(escapeValue(kv.Value))
	}
	return sb.String()
}

var valueReplacer = strings.NewReplacer("+", "%20", "%2C", ",")

func escapeKey(k string) string {
	return strings.NewReplacer("%5B", "[", "%5D", "]").Replace(escapeValue(k))
}

func escapeValue(v string) string {
	return valueReplacer.Replace(url.QueryEscape(v))
}

// QueryBuilder encodes a Query into request parameters.
type QueryBuilder struct {
	format     ArrayFormat
	pageParam  string
	limitParam string
}

// NewQueryBuilder creates a builder. Empty parameter names default to
// "page" and "limit"; an unknown format falls back to bracket.
func NewQueryBuilder(format ArrayFormat, pageParam, limitParam string) *QueryBuilder {
	switch format {
	case ArrayBracket, ArrayComma, ArrayRepeat:
	default:
		format = ArrayBracket
	}
	if pageParam == "" {
		pageParam = "page"
	}
	if limitParam == "" {
		limitParam = "limit"
	}
	return &QueryBuilder{format: format, pageParam: pageParam, limitParam: limitParam}
}

// Build encodes q. Filters come first in the given order, then pagination,
// fields, expand, search and sort.
func (b *QueryBuilder) Build(q *Query) Params {
	var out Params
	if q == nil {
		return out
	}

	for _, f := range q.Filters {
		b.addFilter(&out, f)
	}

	if p := q.Pagination; p != nil {
		if p.Page > 0 {
			out.Add(b.pageParam, strconv.Itoa(p.Page))
		}
		if p.Limit > 0 {
			out.Add(b.limitParam, strconv.Itoa(p.Limit))
		}
		if p.Offset > 0 {
			out.Add("offset", strconv.Itoa(p.Offset))
		}
		if p.Cursor != "" {
			out.Add("cursor", p.Cursor)
		}
	}

	b.addArray(&out, "fields", q.Fields)
	b.addArray(&out, "expand", q.Expand)
	if q.Search != "" {
		out.Add("search", q.Search)
	}

	if len(q.Sort) > 0 {
		sorts := make([]string, 0, len(q.Sort))
		for _, s := range q.Sort {
			if s.Descending {
				sorts = append(sorts, "-"+s.Field)
			} else {
				sorts = append(sorts, s.Field)
			}
		}
		b.addArray(&out, "sort", sorts)
	}
	return out
}

// Encode is Build followed by Params.Encode.
func (b *QueryBuilder) Encode(q *Query) string {
	return b.Build(q).Encode()
}

func (b *QueryBuilder) addFilter(out *Params, f Filter) {
	key := f.Field
	if f.Operator != "" && f.Operator != OpEquals {
		key += "[" + string(f.Operator) + "]"
	}

	if values, ok := listValues(f.Value); ok {
		b.addArray(out, key, values)
		return
	}
	out.Add(key, formatValue(f.Value))
}

func (b *QueryBuilder) addArray(out *Params, key string, values []string) {
	if len(values) == 0 {
		return
	}
	switch b.format {
	case ArrayComma:
		out.Add(key, strings.Join(values, ","))
	case ArrayRepeat:
		for _, v := range values {
			out.Add(key, v)
		}
	default:
		for _, v := range values {
			out.Add(key+"[]", v)
		}
	}
}

// listValues formats slice values; ok is false for scalars.
func listValues(v interface{}) ([]string, bool) {
	switch vs := v.(type) {
	case []string:
		return vs, true
	case []int:
		out := make([]string, len(vs))
		for i, x := range vs {
			out[i] = strconv.Itoa(x)
		}
		return out, true
	case []interface{}:
		out := make([]string, len(vs))
		for i, x := range vs {
			out[i] = formatValue(x)
		}
		return out, true
	}
	return nil, false
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
