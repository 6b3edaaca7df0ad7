package odata

import (
	"strings"
)

// Version is an OData protocol version.
type Version string

const (
	V2 Version = "v2"
	V4 Version = "v4"
)

// ParseVersion maps config and metadata spellings ("v2", "2.0", "4.01")
// to a Version. Anything not starting with 1, 2 or 3 is treated as v4.
func ParseVersion(s string) Version {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	if s != "" && (s[0] == '1' || s[0] == '2' || s[0] == '3') {
		return V2
	}
	return V4
}

// Operator is a filter comparison or string function.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpIn         Operator = "in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
)

// Condition is one filter term. Value is formatted as an OData literal;
// OpIn expects a slice.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// GUID is formatted as guid'...' on v2 and bare on v4.
type GUID string

// OrderBy sorts by one property.
type OrderBy struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Expand includes a navigation property. Nested options are rendered as
// $expand=Prop($select=...;$filter=...) on v4. v2 has no nested options, so
// only nested Expand paths are kept there (Prop/Child).
type Expand struct {
	Property string    `json:"property"`
	Select   []string  `json:"select,omitempty"`
	Filter   string    `json:"filter,omitempty"`
	OrderBy  []OrderBy `json:"orderby,omitempty"`
	Top      int       `json:"top,omitempty"`
	Expand   []Expand  `json:"expand,omitempty"`
}

// QueryOptions are the system query options of a request.
type QueryOptions struct {
	Select []string    `json:"select,omitempty"`
	Expand []Expand    `json:"expand,omitempty"`
	Filter []Condition `json:"filter,omitempty"`

	// RawFilter is and-ed with Filter verbatim
	RawFilter string `json:"raw_filter,omitempty"`

	OrderBy   []OrderBy `json:"orderby,omitempty"`
	Top       int       `json:"top,omitempty"`
	Skip      int       `json:"skip,omitempty"`
	SkipToken string    `json:"skiptoken,omitempty"`

	// Count asks for the total: $count=true on v4, $inlinecount=allpages on v2
	Count bool `json:"count,omitempty"`

	Search string `json:"search,omitempty"`
	Format string `json:"format,omitempty"`

	// Custom parameters are appended after the system options
	Custom map[string]string `json:"custom,omitempty"`
}

// QueryResult is one page of an entity set.
type QueryResult struct {
	Value    []map[string]interface{} `json:"value"`
	Count    *int64                   `json:"count,omitempty"`
	NextLink string                   `json:"next_link,omitempty"`
}
