package odata

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/logger"
)

// EDMX document shapes. Elements and attributes are matched by local name,
// so the edmx, m and edm namespaces of v2 and v4 documents all decode into
// the same structs.
type (
	edmxDoc struct {
		Version      string `xml:"Version,attr"`
		DataServices struct {
			Schemas []edmSchema `xml:"Schema"`
		} `xml:"DataServices"`
	}

	edmSchema struct {
		Namespace    string           `xml:"Namespace,attr"`
		EntityTypes  []edmEntityType  `xml:"EntityType"`
		Associations []edmAssociation `xml:"Association"`
		Functions    []edmOperation   `xml:"Function"`
		Actions      []edmOperation   `xml:"Action"`
		Containers   []edmContainer   `xml:"EntityContainer"`
	}

	edmEntityType struct {
		Name string `xml:"Name,attr"`
		Key  struct {
			Refs []edmPropertyRef `xml:"PropertyRef"`
		} `xml:"Key"`
		Properties []edmProperty    `xml:"Property"`
		Navigation []edmNavProperty `xml:"NavigationProperty"`
	}

	edmPropertyRef struct {
		Name string `xml:"Name,attr"`
	}

	edmProperty struct {
		Name         string `xml:"Name,attr"`
		Type         string `xml:"Type,attr"`
		Nullable     string `xml:"Nullable,attr"`
		MaxLength    string `xml:"MaxLength,attr"`
		Precision    string `xml:"Precision,attr"`
		Scale        string `xml:"Scale,attr"`
		Unicode      string `xml:"Unicode,attr"`
		DefaultValue string `xml:"DefaultValue,attr"`
	}

	edmNavProperty struct {
		Name         string `xml:"Name,attr"`
		Type         string `xml:"Type,attr"`
		Partner      string `xml:"Partner,attr"`
		Relationship string `xml:"Relationship,attr"`
		FromRole     string `xml:"FromRole,attr"`
		ToRole       string `xml:"ToRole,attr"`
		Constraints  []struct {
			Property           string `xml:"Property,attr"`
			ReferencedProperty string `xml:"ReferencedProperty,attr"`
		} `xml:"ReferentialConstraint"`
	}

	edmAssociation struct {
		Name string `xml:"Name,attr"`
		Ends []struct {
			Type         string `xml:"Type,attr"`
			Role         string `xml:"Role,attr"`
			Multiplicity string `xml:"Multiplicity,attr"`
		} `xml:"End"`
		Constraint *struct {
			Principal edmConstraintEnd `xml:"Principal"`
			Dependent edmConstraintEnd `xml:"Dependent"`
		} `xml:"ReferentialConstraint"`
	}

	edmConstraintEnd struct {
		Role string           `xml:"Role,attr"`
		Refs []edmPropertyRef `xml:"PropertyRef"`
	}

	edmOperation struct {
		Name       string         `xml:"Name,attr"`
		IsBound    string         `xml:"IsBound,attr"`
		Parameters []edmParameter `xml:"Parameter"`
		ReturnType struct {
			Type string `xml:"Type,attr"`
		} `xml:"ReturnType"`
	}

	edmParameter struct {
		Name     string `xml:"Name,attr"`
		Type     string `xml:"Type,attr"`
		Nullable string `xml:"Nullable,attr"`
	}

	edmContainer struct {
		EntitySets []struct {
			Name       string `xml:"Name,attr"`
			EntityType string `xml:"EntityType,attr"`
			Bindings   []struct {
				Path   string `xml:"Path,attr"`
				Target string `xml:"Target,attr"`
			} `xml:"NavigationPropertyBinding"`
		} `xml:"EntitySet"`
		FunctionImports []struct {
			Name       string         `xml:"Name,attr"`
			Function   string         `xml:"Function,attr"`
			ReturnType string         `xml:"ReturnType,attr"`
			EntitySet  string         `xml:"EntitySet,attr"`
			HTTPMethod string         `xml:"HttpMethod,attr"`
			Parameters []edmParameter `xml:"Parameter"`
		} `xml:"FunctionImport"`
		ActionImports []struct {
			Name      string `xml:"Name,attr"`
			Action    string `xml:"Action,attr"`
			EntitySet string `xml:"EntitySet,attr"`
		} `xml:"ActionImport"`
	}

	// operationImport is a v4 FunctionImport or ActionImport naming a
	// schema operation.
	operationImport struct {
		name      string
		target    string
		entitySet string
	}
)

// MetadataParser turns EDMX documents into Metadata.
type MetadataParser struct {
	logger *zap.Logger
}

// NewMetadataParser creates a parser that logs through l.
func NewMetadataParser(l *zap.Logger) *MetadataParser {
	return &MetadataParser{logger: logger.OrGlobal(l)}
}

// Parse is lenient: a document that cannot be decoded yields empty metadata
// of version fallback and a warning.
func (p *MetadataParser) Parse(data []byte, fallback Version) *Metadata {
	md, err := ParseMetadata(data)
	if err != nil {
		p.logger.Warn("failed to parse service metadata, continuing without it", zap.Error(err))
		return newMetadata(fallback)
	}
	return md
}

// ParseMetadata decodes an EDMX document. The protocol version is taken
// from the root Version attribute: 1.0 for v2 services, 4.0 for v4.
func ParseMetadata(data []byte) (*Metadata, error) {
	var doc edmxDoc
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid EDMX document")
	}

	md := newMetadata(ParseVersion(doc.Version))
	var imports []operationImport
	for _, s := range doc.DataServices.Schemas {
		if md.Namespace == "" && len(s.EntityTypes) > 0 {
			md.Namespace = s.Namespace
		}
		imports = append(imports, md.addSchema(s)...)
	}
	// imports may precede the schema declaring their operation
	for _, imp := range imports {
		md.addImport(imp)
	}
	return md, nil
}

// addSchema adds the types, sets and operations of s and returns its v4
// operation imports for resolution once every schema is known.
func (m *Metadata) addSchema(s edmSchema) []operationImport {
	assocs := make(map[string]edmAssociation, len(s.Associations))
	for _, a := range s.Associations {
		assocs[a.Name] = a
	}

	for _, et := range s.EntityTypes {
		t := &EntityType{Name: et.Name, Namespace: s.Namespace}
		for _, ref := range et.Key.Refs {
			t.Key = append(t.Key, ref.Name)
		}
		for _, p := range et.Properties {
			t.Properties = append(t.Properties, convertProperty(p))
		}
		for _, n := range et.Navigation {
			t.NavigationProperties = append(t.NavigationProperties, convertNavigation(n, assocs))
		}
		m.EntityTypes[qualify(s.Namespace, et.Name)] = t
	}

	for _, op := range s.Functions {
		m.Functions[op.Name] = convertOperation(op, false)
	}
	for _, op := range s.Actions {
		m.Functions[op.Name] = convertOperation(op, true)
	}

	var imports []operationImport
	for _, c := range s.Containers {
		for _, es := range c.EntitySets {
			set := &EntitySet{Name: es.Name, EntityType: es.EntityType}
			if len(es.Bindings) > 0 {
				set.Bindings = make(map[string]string, len(es.Bindings))
				for _, b := range es.Bindings {
					set.Bindings[b.Path] = b.Target
				}
			}
			m.EntitySets[es.Name] = set
		}

		for _, fi := range c.FunctionImports {
			if fi.Function != "" {
				imports = append(imports, operationImport{name: fi.Name, target: fi.Function, entitySet: fi.EntitySet})
				continue
			}
			f := &Function{
				Name:       fi.Name,
				HTTPMethod: fi.HTTPMethod,
				EntitySet:  fi.EntitySet,
			}
			if fi.ReturnType != "" {
				f.ReturnType, _ = normalizeType(fi.ReturnType)
			}
			for _, prm := range fi.Parameters {
				f.Parameters = append(f.Parameters, convertParameter(prm))
			}
			m.Functions[fi.Name] = f
		}
		for _, ai := range c.ActionImports {
			imports = append(imports, operationImport{name: ai.Name, target: ai.Action, entitySet: ai.EntitySet})
		}
	}
	return imports
}

// addImport registers an import under its own name. An import named after
// its operation annotates it in place; an alias gets its own copy.
func (m *Metadata) addImport(imp operationImport) {
	if imp.name == "" {
		return
	}
	target, ok := m.Functions[simpleName(imp.target)]
	if !ok {
		return
	}
	if imp.name == target.Name {
		if imp.entitySet != "" {
			target.EntitySet = imp.entitySet
		}
		return
	}
	alias := *target
	alias.Name = imp.name
	if imp.entitySet != "" {
		alias.EntitySet = imp.entitySet
	}
	m.Functions[imp.name] = &alias
}

func convertProperty(p edmProperty) Property {
	typ, coll := normalizeType(p.Type)
	out := Property{
		Name:         p.Name,
		Type:         typ,
		Collection:   coll,
		Nullable:     parseBool(p.Nullable, true),
		MaxLength:    atoi(p.MaxLength),
		Precision:    atoi(p.Precision),
		Scale:        atoi(p.Scale),
		DefaultValue: p.DefaultValue,
	}
	if p.Unicode != "" {
		u := parseBool(p.Unicode, true)
		out.Unicode = &u
	}
	return out
}

func convertNavigation(n edmNavProperty, assocs map[string]edmAssociation) NavigationProperty {
	nav := NavigationProperty{
		Name:         n.Name,
		Partner:      n.Partner,
		Relationship: n.Relationship,
		FromRole:     n.FromRole,
		ToRole:       n.ToRole,
	}
	if n.Type != "" {
		nav.Type, nav.Collection = normalizeType(n.Type)
		for _, c := range n.Constraints {
			nav.Constraints = append(nav.Constraints, ReferentialConstraint{
				Property:           c.Property,
				ReferencedProperty: c.ReferencedProperty,
			})
		}
		return nav
	}

	// v2 navigation resolves its target through the association ends.
	a, ok := assocs[simpleName(n.Relationship)]
	if !ok {
		return nav
	}
	for _, end := range a.Ends {
		if end.Role == n.ToRole {
			nav.Type = end.Type
			nav.Collection = end.Multiplicity == "*"
		}
	}
	if a.Constraint != nil {
		principal, dependent := a.Constraint.Principal.Refs, a.Constraint.Dependent.Refs
		for i := 0; i < len(principal) && i < len(dependent); i++ {
			nav.Constraints = append(nav.Constraints, ReferentialConstraint{
				Property:           dependent[i].Name,
				ReferencedProperty: principal[i].Name,
			})
		}
	}
	return nav
}

func convertOperation(op edmOperation, action bool) *Function {
	f := &Function{
		Name:   op.Name,
		Action: action,
		Bound:  parseBool(op.IsBound, false),
	}
	if op.ReturnType.Type != "" {
		f.ReturnType, _ = normalizeType(op.ReturnType.Type)
	}
	if action {
		f.HTTPMethod = "POST"
	} else {
		f.HTTPMethod = "GET"
	}
	for _, prm := range op.Parameters {
		f.Parameters = append(f.Parameters, convertParameter(prm))
	}
	return f
}

func convertParameter(p edmParameter) Parameter {
	typ, _ := normalizeType(p.Type)
	return Parameter{Name: p.Name, Type: typ, Nullable: parseBool(p.Nullable, true)}
}

var edmPrimitives = map[string]bool{
	"Binary": true, "Boolean": true, "Byte": true, "Date": true, "DateTime": true,
	"DateTimeOffset": true, "Decimal": true, "Double": true, "Duration": true,
	"Guid": true, "Int16": true, "Int32": true, "Int64": true, "SByte": true,
	"Single": true, "Stream": true, "String": true, "Time": true, "TimeOfDay": true,
}

// normalizeType qualifies bare primitive names as Edm.X and unwraps
// Collection(...), which may be nested. Other names are kept as written.
func normalizeType(t string) (string, bool) {
	t = strings.TrimSpace(t)
	coll := false
	for strings.HasPrefix(t, "Collection(") && strings.HasSuffix(t, ")") {
		t = strings.TrimSpace(t[len("Collection(") : len(t)-1])
		coll = true
	}
	if edmPrimitives[t] || strings.HasPrefix(t, "Geography") || strings.HasPrefix(t, "Geometry") {
		return "Edm." + t, coll
	}
	return t, coll
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

func simpleName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func parseBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// atoi returns 0 for missing values and for "Max" or "variable".
func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
