package odata

import "sort"

// Metadata is the service model read from $metadata. EntityTypes is keyed
// by namespace-qualified name; Functions by operation or import name.
type Metadata struct {
	Version     Version                `json:"version"`
	Namespace   string                 `json:"namespace,omitempty"`
	EntityTypes map[string]*EntityType `json:"entity_types"`
	EntitySets  map[string]*EntitySet  `json:"entity_sets"`
	Functions   map[string]*Function   `json:"functions"`
}

func newMetadata(v Version) *Metadata {
	return &Metadata{
		Version:     v,
		EntityTypes: make(map[string]*EntityType),
		EntitySets:  make(map[string]*EntitySet),
		Functions:   make(map[string]*Function),
	}
}

// EntityType is a structured type with a key.
type EntityType struct {
	Name                 string               `json:"name"`
	Namespace            string               `json:"namespace,omitempty"`
	Key                  []string             `json:"key"`
	Properties           []Property           `json:"properties"`
	NavigationProperties []NavigationProperty `json:"navigation_properties,omitempty"`
}

// Property returns the property called name.
func (t *EntityType) Property(name string) (Property, bool) {
	for _, p := range t.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Property is a structural property. Primitive types are qualified
// ("Edm.String", "Edm.Int32").
type Property struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	MaxLength    int    `json:"max_length,omitempty"`
	Precision    int    `json:"precision,omitempty"`
	Scale        int    `json:"scale,omitempty"`
	Unicode      *bool  `json:"unicode,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
	Collection   bool   `json:"collection,omitempty"`
}

// NavigationProperty links two entity types.
type NavigationProperty struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Collection bool   `json:"collection,omitempty"`
	Partner    string `json:"partner,omitempty"`
	// Relationship and roles are only set on v2
	Relationship string                  `json:"relationship,omitempty"`
	FromRole     string                  `json:"from_role,omitempty"`
	ToRole       string                  `json:"to_role,omitempty"`
	Constraints  []ReferentialConstraint `json:"constraints,omitempty"`
}

// ReferentialConstraint maps a dependent property to a principal one.
type ReferentialConstraint struct {
	Property           string `json:"property"`
	ReferencedProperty string `json:"referenced_property"`
}

// EntitySet is an addressable collection of entities.
type EntitySet struct {
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	// Bindings maps a navigation path to its target set (v4 only)
	Bindings map[string]string `json:"bindings,omitempty"`
}

// Function is a v2 function import, or a v4 function or action.
type Function struct {
	Name       string      `json:"name"`
	Action     bool        `json:"action,omitempty"`
	Bound      bool        `json:"bound,omitempty"`
	HTTPMethod string      `json:"http_method,omitempty"`
	ReturnType string      `json:"return_type,omitempty"`
	EntitySet  string      `json:"entity_set,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Parameter is one function parameter.
type Parameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// EntityType looks a type up by its qualified name, falling back to the
// first type, in key order, whose simple name matches.
func (m *Metadata) EntityType(name string) (*EntityType, bool) {
	if m == nil {
		return nil, false
	}
	if t, ok := m.EntityTypes[name]; ok {
		return t, true
	}
	simple := simpleName(name)
	keys := make([]string, 0, len(m.EntityTypes))
	for k := range m.EntityTypes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if t := m.EntityTypes[k]; t.Name == simple {
			return t, true
		}
	}
	return nil, false
}

// EntitySet looks a set up by name.
func (m *Metadata) EntitySet(name string) (*EntitySet, bool) {
	if m == nil {
		return nil, false
	}
	s, ok := m.EntitySets[name]
	return s, ok
}

// Function looks a function, action or function import up by name.
func (m *Metadata) Function(name string) (*Function, bool) {
	if m == nil {
		return nil, false
	}
	f, ok := m.Functions[simpleName(name)]
	return f, ok
}

// EntityTypeOf returns the entity type of the named set.
func (m *Metadata) EntityTypeOf(set string) (*EntityType, bool) {
	s, ok := m.EntitySet(set)
	if !ok {
		return nil, false
	}
	return m.EntityType(s.EntityType)
}
