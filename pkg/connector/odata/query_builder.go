package odata

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

// QueryBuilder renders keys, literals and system query options for one
// protocol version.
type QueryBuilder struct {
	version Version
}

// NewQueryBuilder creates a builder for v.
func NewQueryBuilder(v Version) *QueryBuilder {
	if v != V2 {
		v = V4
	}
	return &QueryBuilder{version: v}
}

// Version returns the protocol version the builder targets.
func (b *QueryBuilder) Version() Version { return b.version }

// FormatValue renders v as an OData literal.
func (b *QueryBuilder) FormatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case GUID:
		if b.version == V2 {
			return "guid'" + string(x) + "'"
		}
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		if b.version == V2 {
			return "datetime'" + x.UTC().Format("2006-01-02T15:04:05") + "'"
		}
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return "null"
		}
		return b.FormatValue(*x)
	case fmt.Stringer:
		return b.FormatValue(x.String())
	default:
		return b.FormatValue(fmt.Sprint(x))
	}
}

// FormatKey renders an entity key for /Set(key). A map is a composite key
// rendered as name=value pairs sorted by name.
func (b *QueryBuilder) FormatKey(key interface{}) string {
	switch k := key.(type) {
	case map[string]interface{}:
		names := make([]string, 0, len(k))
		for name := range k {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = name + "=" + b.FormatValue(k[name])
		}
		return strings.Join(parts, ",")
	case map[string]string:
		m := make(map[string]interface{}, len(k))
		for name, v := range k {
			m[name] = v
		}
		return b.FormatKey(m)
	default:
		return b.FormatValue(key)
	}
}

// EntityPath returns Set(key), or Set when key is nil.
func (b *QueryBuilder) EntityPath(set string, key interface{}) string {
	if key == nil {
		return set
	}
	return set + "(" + b.FormatKey(key) + ")"
}

// BuildFilter renders conditions joined with and. A v2 IN chain is
// parenthesised when other terms follow or precede it.
func (b *QueryBuilder) BuildFilter(conds []Condition, raw string) (string, error) {
	terms := make([]string, 0, len(conds)+1)
	for _, c := range conds {
		t, err := b.condition(c)
		if err != nil {
			return "", err
		}
		terms = append(terms, t)
	}
	if raw != "" {
		terms = append(terms, raw)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	for i, t := range terms {
		if strings.Contains(t, " or ") && !wrapped(t) {
			terms[i] = "(" + t + ")"
		}
	}
	return strings.Join(terms, " and "), nil
}

// wrapped reports whether one pair of parentheses encloses all of t.
// Parentheses inside quoted literals are ignored.
func wrapped(t string) bool {
	if !strings.HasPrefix(t, "(") || !strings.HasSuffix(t, ")") {
		return false
	}
	depth, quoted := 0, false
	for i := 0; i < len(t); i++ {
		switch c := t[i]; {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i < len(t)-1 {
				return false
			}
		}
	}
	return depth == 0
}

func (b *QueryBuilder) condition(c Condition) (string, error) {
	if c.Field == "" {
		return "", errors.MissingField("filter.field")
	}
	op := c.Operator
	if op == "" {
		op = OpEq
	}

	switch op {
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
		return c.Field + " " + string(op) + " " + b.FormatValue(c.Value), nil
	case OpContains:
		if b.version == V2 {
			return "substringof(" + b.FormatValue(c.Value) + "," + c.Field + ")", nil
		}
		return "contains(" + c.Field + "," + b.FormatValue(c.Value) + ")", nil
	case OpStartsWith, OpEndsWith:
		return string(op) + "(" + c.Field + "," + b.FormatValue(c.Value) + ")", nil
	case OpIn:
		values, ok := sliceValues(c.Value)
		if !ok || len(values) == 0 {
			return "", errors.Validation("in filter on " + c.Field + " needs a non-empty list")
		}
		lits := make([]string, len(values))
		for i, v := range values {
			lits[i] = b.FormatValue(v)
		}
		if b.version == V4 {
			return c.Field + " in (" + strings.Join(lits, ",") + ")", nil
		}
		eqs := make([]string, len(lits))
		for i, l := range lits {
			eqs[i] = c.Field + " eq " + l
		}
		return strings.Join(eqs, " or "), nil
	default:
		return "", errors.Validation("unsupported filter operator " + string(op))
	}
}

func sliceValues(v interface{}) ([]interface{}, bool) {
	switch vs := v.(type) {
	case []interface{}:
		return vs, true
	case []string:
		out := make([]interface{}, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]interface{}, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func orderByString(obs []OrderBy) string {
	parts := make([]string, len(obs))
	for i, o := range obs {
		parts[i] = o.Field
		if o.Descending {
			parts[i] += " desc"
		}
	}
	return strings.Join(parts, ",")
}

// BuildExpand renders the $expand value.
func (b *QueryBuilder) BuildExpand(expands []Expand) string {
	if b.version == V2 {
		var paths []string
		for _, e := range expands {
			paths = appendExpandPaths(paths, "", e)
		}
		return strings.Join(paths, ",")
	}

	parts := make([]string, len(expands))
	for i, e := range expands {
		parts[i] = b.expandV4(e)
	}
	return strings.Join(parts, ",")
}

func appendExpandPaths(paths []string, prefix string, e Expand) []string {
	p := prefix + e.Property
	if len(e.Expand) == 0 {
		return append(paths, p)
	}
	for _, child := range e.Expand {
		paths = appendExpandPaths(paths, p+"/", child)
	}
	return paths
}

func (b *QueryBuilder) expandV4(e Expand) string {
	var opts []string
	if len(e.Select) > 0 {
		opts = append(opts, "$select="+strings.Join(e.Select, ","))
	}
	if e.Filter != "" {
		opts = append(opts, "$filter="+e.Filter)
	}
	if len(e.OrderBy) > 0 {
		opts = append(opts, "$orderby="+orderByString(e.OrderBy))
	}
	if e.Top > 0 {
		opts = append(opts, "$top="+strconv.Itoa(e.Top))
	}
	if len(e.Expand) > 0 {
		opts = append(opts, "$expand="+b.BuildExpand(e.Expand))
	}
	if len(opts) == 0 {
		return e.Property
	}
	return e.Property + "(" + strings.Join(opts, ";") + ")"
}

// Param is one query option.
type Param struct {
	Key   string
	Value string
}

// Build renders opts in a stable order: $select, $expand, $filter,
// $orderby, $top, $skip, $skiptoken, the count option, $search, $format
// and custom parameters sorted by name.
func (b *QueryBuilder) Build(opts *QueryOptions) ([]Param, error) {
	if opts == nil {
		return nil, nil
	}
	var out []Param
	add := func(k, v string) { out = append(out, Param{Key: k, Value: v}) }

	if len(opts.Select) > 0 {
		add("$select", strings.Join(opts.Select, ","))
	}
	if len(opts.Expand) > 0 {
		add("$expand", b.BuildExpand(opts.Expand))
	}
	if len(opts.Filter) > 0 || opts.RawFilter != "" {
		f, err := b.BuildFilter(opts.Filter, opts.RawFilter)
		if err != nil {
			return nil, err
		}
		add("$filter", f)
	}
	if len(opts.OrderBy) > 0 {
		add("$orderby", orderByString(opts.OrderBy))
	}
	if opts.Top > 0 {
		add("$top", strconv.Itoa(opts.Top))
	}
	if opts.Skip > 0 {
		add("$skip", strconv.Itoa(opts.Skip))
	}
	if opts.SkipToken != "" {
		add("$skiptoken", opts.SkipToken)
	}
	if opts.Count {
		if b.version == V2 {
			add("$inlinecount", "allpages")
		} else {
			add("$count", "true")
		}
	}
	if opts.Search != "" {
		if b.version == V2 {
			return nil, errors.Validation("$search requires OData v4")
		}
		add("$search", opts.Search)
	}
	if opts.Format != "" {
		add("$format", opts.Format)
	}

	if len(opts.Custom) > 0 {
		keys := make([]string, 0, len(opts.Custom))
		for k := range opts.Custom {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k, opts.Custom[k])
		}
	}
	return out, nil
}

// Encode renders opts as a query string.
func (b *QueryBuilder) Encode(opts *QueryOptions) (string, error) {
	params, err := b.Build(opts)
	if err != nil {
		return "", err
	}
	return EncodeParams(params), nil
}

// queryEscaper keeps OData punctuation readable. Reserved query characters
// (&, =, +, #) stay escaped.
var queryEscaper = strings.NewReplacer(
	"+", "%20",
	"%24", "$",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2C", ",",
	"%2F", "/",
	"%3A", ":",
	"%3B", ";",
	"%40", "@",
)

// EncodeParams renders params as a query string.
func EncodeParams(params []Param) string {
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(queryEscaper.Replace(url.QueryEscape(p.Key)))
		sb.WriteByte('=')
		sb.WriteString(queryEscaper.Replace(url.QueryEscape(p.Value)))
	}
	return sb.String()
}
