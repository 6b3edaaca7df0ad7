package odata

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

func ExampleQueryBuilder_Encode() {
	b := NewQueryBuilder(V4)
	q, _ := b.Encode(&QueryOptions{
		Select: []string{"ID", "Name"},
		Filter: []Condition{
			{Field: "Status", Operator: OpIn, Value: []string{"A", "B"}},
			{Field: "Price", Operator: OpGt, Value: 10},
		},
		OrderBy: []OrderBy{{Field: "Name"}},
		Top:     5,
		Count:   true,
	})
	fmt.Println(q)
	// Output: $select=ID,Name&$filter=Status%20in%20('A','B')%20and%20Price%20gt%2010&$orderby=Name&$top=5&$count=true
}

func ExampleQueryBuilder_Encode_v2() {
	b := NewQueryBuilder(V2)
	q, _ := b.Encode(&QueryOptions{
		Expand: []Expand{{Property: "Orders", Expand: []Expand{{Property: "Items"}}}},
		Filter: []Condition{
			{Field: "Status", Operator: OpIn, Value: []string{"A", "B"}},
			{Field: "Name", Operator: OpContains, Value: "Ltd"},
		},
		Count: true,
	})
	fmt.Println(q)
	// Output: $expand=Orders/Items&$filter=(Status%20eq%20'A'%20or%20Status%20eq%20'B')%20and%20substringof('Ltd',Name)&$inlinecount=allpages
}

func ExampleQueryBuilder_FormatKey() {
	b := NewQueryBuilder(V4)
	fmt.Println(b.EntityPath("Products", "A1"))
	fmt.Println(b.EntityPath("Products", 42))
	fmt.Println(b.EntityPath("OrderItems", map[string]interface{}{"Order": "x", "Item": 1}))
	// Output:
	// Products('A1')
	// Products(42)
	// OrderItems(Item=1,Order='x')
}

func TestQueryBuilder_FormatValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	v2, v4 := NewQueryBuilder(V2), NewQueryBuilder(V4)

	tests := []struct {
		name   string
		value  interface{}
		v2, v4 string
	}{
		{"nil", nil, "null", "null"},
		{"string", "O'Neil", "'O''Neil'", "'O''Neil'"},
		{"bool", true, "true", "true"},
		{"int", 7, "7", "7"},
		{"int64", int64(-3), "-3", "-3"},
		{"float", 1.5, "1.5", "1.5"},
		{"time", ts, "datetime'2024-01-02T03:04:05'", "2024-01-02T03:04:05Z"},
		{"guid", GUID("0f8fad5b-d9cb-469f-a165-70867728950e"),
			"guid'0f8fad5b-d9cb-469f-a165-70867728950e'", "0f8fad5b-d9cb-469f-a165-70867728950e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.v2, v2.FormatValue(tt.value))
			assert.Equal(t, tt.v4, v4.FormatValue(tt.value))
		})
	}
}

func TestQueryBuilder_BuildFilter(t *testing.T) {
	v2, v4 := NewQueryBuilder(V2), NewQueryBuilder(V4)

	t.Run("in with one value is not wrapped", func(t *testing.T) {
		f, err := v2.BuildFilter([]Condition{{Field: "Status", Operator: OpIn, Value: []string{"A"}}}, "")
		require.NoError(t, err)
		assert.Equal(t, "Status eq 'A'", f)
	})

	t.Run("lone v2 in is not wrapped", func(t *testing.T) {
		f, err := v2.BuildFilter([]Condition{{Field: "Status", Operator: OpIn, Value: []interface{}{"A", 1}}}, "")
		require.NoError(t, err)
		assert.Equal(t, "Status eq 'A' or Status eq 1", f)
	})

	t.Run("raw or-chain of parenthesised terms is wrapped", func(t *testing.T) {
		f, err := v4.BuildFilter([]Condition{{Field: "C", Operator: OpEq, Value: 3}}, "(A eq 1) or (B eq 2)")
		require.NoError(t, err)
		assert.Equal(t, "C eq 3 and ((A eq 1) or (B eq 2))", f)
	})

	t.Run("fully parenthesised raw filter is kept", func(t *testing.T) {
		f, err := v4.BuildFilter([]Condition{{Field: "C", Operator: OpEq, Value: 3}}, "(A eq ')' or B eq 2)")
		require.NoError(t, err)
		assert.Equal(t, "C eq 3 and (A eq ')' or B eq 2)", f)
	})

	t.Run("string functions", func(t *testing.T) {
		conds := []Condition{
			{Field: "Name", Operator: OpStartsWith, Value: "Ac"},
			{Field: "Name", Operator: OpEndsWith, Value: "me"},
			{Field: "Name", Operator: OpContains, Value: "c"},
		}
		f, err := v4.BuildFilter(conds, "")
		require.NoError(t, err)
		assert.Equal(t, "startswith(Name,'Ac') and endswith(Name,'me') and contains(Name,'c')", f)
	})

	t.Run("raw filter is and-ed", func(t *testing.T) {
		f, err := v4.BuildFilter([]Condition{{Field: "Qty", Value: 1}}, "Price gt 5 or Price lt 1")
		require.NoError(t, err)
		assert.Equal(t, "Qty eq 1 and (Price gt 5 or Price lt 1)", f)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := v4.BuildFilter([]Condition{{Field: "Status", Operator: OpIn, Value: []string{}}}, "")
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

		_, err = v4.BuildFilter([]Condition{{Field: "Status", Operator: "like", Value: "x"}}, "")
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

		_, err = v4.BuildFilter([]Condition{{Value: "x"}}, "")
		assert.True(t, errors.IsReason(err, errors.ReasonMissingField))
	})
}

func TestQueryBuilder_Expand(t *testing.T) {
	expands := []Expand{
		{
			Property: "Orders",
			Select:   []string{"ID"},
			Filter:   "Total gt 10",
			OrderBy:  []OrderBy{{Field: "Date", Descending: true}},
			Top:      5,
			Expand:   []Expand{{Property: "Items"}, {Property: "Customer"}},
		},
		{Property: "Address"},
	}

	assert.Equal(t,
		"Orders($select=ID;$filter=Total gt 10;$orderby=Date desc;$top=5;$expand=Items,Customer),Address",
		NewQueryBuilder(V4).BuildExpand(expands))
	assert.Equal(t, "Orders/Items,Orders/Customer,Address", NewQueryBuilder(V2).BuildExpand(expands))
}

func TestQueryBuilder_Build(t *testing.T) {
	opts := &QueryOptions{
		Skip:      20,
		SkipToken: "abc",
		Format:    "json",
		Custom:    map[string]string{"sap-client": "100", "a": "1"},
	}
	params, err := NewQueryBuilder(V4).Build(opts)
	require.NoError(t, err)
	assert.Equal(t, []Param{
		{Key: "$skip", Value: "20"},
		{Key: "$skiptoken", Value: "abc"},
		{Key: "$format", Value: "json"},
		{Key: "a", Value: "1"},
		{Key: "sap-client", Value: "100"},
	}, params)

	params, err = NewQueryBuilder(V4).Build(nil)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestQueryBuilder_SearchRequiresV4(t *testing.T) {
	q, err := NewQueryBuilder(V4).Encode(&QueryOptions{Search: "blue bike"})
	require.NoError(t, err)
	assert.Equal(t, "$search=blue%20bike", q)

	_, err = NewQueryBuilder(V2).Encode(&QueryOptions{Search: "blue"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]Version{
		"v2": V2, "2.0": V2, "1.0": V2, "3.0": V2,
		"v4": V4, "4.0": V4, "4.01": V4, "": V4,
	} {
		assert.Equal(t, want, ParseVersion(in), in)
	}
}
