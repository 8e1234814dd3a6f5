// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// RootClassName is the class name of the implicit tree root. Every Dn is
// anchored at an instance of this class, which has an empty Rn.
const RootClassName = "topRoot"

// Category classifies a managed object class.
type Category string

const (
	// CategoryRegular is an ordinary configurable or operational class
	CategoryRegular Category = "regular"

	// CategoryRelationSource is the source side of a relationship class
	CategoryRelationSource Category = "relation-source"

	// CategoryRelationTarget is the target side of a relationship class
	CategoryRelationTarget Category = "relation-target"

	// CategoryStats is a statistics class
	CategoryStats Category = "stats"
)

// PropType is the semantic type of a managed object property.
type PropType int

const (
	// PropString is a free-form string property
	PropString PropType = iota

	// PropEnum is a property restricted to a fixed set of constants
	PropEnum

	// PropInteger is a base-10 integer property
	PropInteger

	// PropReference is a property holding the Dn of another object
	PropReference

	// PropBitmask is a comma-separated set of constants
	PropBitmask
)

// String returns the schema document spelling of a PropType.
func (t PropType) String() string {
	switch t {
	case PropString:
		return "string"
	case PropEnum:
		return "enum"
	case PropInteger:
		return "integer"
	case PropReference:
		return "reference"
	case PropBitmask:
		return "bitmask"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// parsePropType converts a schema document type string to a PropType.
// An empty string defaults to PropString.
func parsePropType(s string) (PropType, error) {
	switch s {
	case "", "string":
		return PropString, nil
	case "enum":
		return PropEnum, nil
	case "integer":
		return PropInteger, nil
	case "reference":
		return PropReference, nil
	case "bitmask":
		return PropBitmask, nil
	default:
		return PropString, fmt.Errorf("invalid property type: %q", s)
	}
}

// PropMeta is the metadata for one property of a managed object class.
// Immutable once the owning schema is loaded.
type PropMeta struct {
	// Name is the property name as it appears on the wire
	Name string

	// Type is the semantic type of the property
	Type PropType

	// IsConfig indicates the property can be written by clients
	IsConfig bool

	// IsCreateOnly indicates the property can only be set at creation
	IsCreateOnly bool

	// IsNaming indicates the property participates in the Rn
	IsNaming bool

	// DefaultValue is the value an unset property reports
	DefaultValue string

	// NeedDelimiter indicates naming values of this property are always
	// bracketed in the Rn string form
	NeedDelimiter bool

	// Constants holds the legal values for enum and bitmask properties.
	// An empty slice means the schema does not constrain the values.
	Constants []string
}

// Validate checks a candidate value against the property's semantic type.
// Returns a MitError with code ErrTypeMismatch on failure.
func (p *PropMeta) Validate(value string) error {
	switch p.Type {
	case PropInteger:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return &MitError{
				Code:      ErrTypeMismatch,
				Operation: "setProperty",
				Message:   fmt.Sprintf("%q is not an integer", value),
				Property:  p.Name,
			}
		}
	case PropEnum:
		if len(p.Constants) > 0 && !p.hasConstant(value) {
			return &MitError{
				Code:      ErrTypeMismatch,
				Operation: "setProperty",
				Message:   fmt.Sprintf("%q is not one of %v", value, p.Constants),
				Property:  p.Name,
			}
		}
	case PropBitmask:
		if len(p.Constants) == 0 {
			return nil
		}
		for _, bit := range strings.Split(value, ",") {
			bit = strings.TrimSpace(bit)
			if bit == "" {
				continue
			}
			if !p.hasConstant(bit) {
				return &MitError{
					Code:      ErrTypeMismatch,
					Operation: "setProperty",
					Message:   fmt.Sprintf("bit %q is not one of %v", bit, p.Constants),
					Property:  p.Name,
				}
			}
		}
	case PropReference:
		if strings.Count(value, "[") != strings.Count(value, "]") {
			return &MitError{
				Code:      ErrTypeMismatch,
				Operation: "setProperty",
				Message:   fmt.Sprintf("reference %q has unbalanced delimiters", value),
				Property:  p.Name,
			}
		}
	}
	return nil
}

func (p *PropMeta) hasConstant(value string) bool {
	for _, c := range p.Constants {
		if c == value {
			return true
		}
	}
	return false
}

// rnPrefix is one literal chunk of an Rn format string. hasProp indicates
// a naming value follows the chunk.
type rnPrefix struct {
	prefix  string
	hasProp bool
}

// ClassMeta is the metadata for one managed object class: identity,
// naming format, properties and containment rules. Immutable once loaded
// and shared by all Mo instances of the class.
type ClassMeta struct {
	// ClassName identifies the class, e.g. "fvTenant"
	ClassName string

	// Label is the human-readable class name
	Label string

	// Category classifies the class
	Category Category

	// RnFormat is the relative name format, e.g. "tn-{name}". Naming
	// value placeholders are written {prop}; a placeholder spelled
	// [{prop}] is always bracketed on the wire.
	RnFormat string

	// IsConfigurable indicates instances can be committed
	IsConfigurable bool

	// IsDeletable indicates instances can be deleted
	IsDeletable bool

	rnPrefixes  []rnPrefix
	namingProps []*PropMeta
	props       map[string]*PropMeta
	propNames   []string
	childSet    map[string]struct{}
	children    []string

	schema *SchemaSet
}

// Prop returns the PropMeta for a property name, or false if the class
// does not define it.
func (m *ClassMeta) Prop(name string) (*PropMeta, bool) {
	p, ok := m.props[name]
	return p, ok
}

// Props returns the class property metadata in schema order.
func (m *ClassMeta) Props() []*PropMeta {
	out := make([]*PropMeta, 0, len(m.propNames))
	for _, name := range m.propNames {
		out = append(out, m.props[name])
	}
	return out
}

// NamingProps returns the naming properties in Rn order.
func (m *ClassMeta) NamingProps() []*PropMeta {
	return m.namingProps
}

// Children returns the class names that may be contained by this class.
func (m *ClassMeta) Children() []string {
	return m.children
}

// HasChild reports whether childClass is a legal child of this class.
func (m *ClassMeta) HasChild(childClass string) bool {
	_, ok := m.childSet[childClass]
	return ok
}

// Schema returns the SchemaSet this class meta belongs to.
func (m *ClassMeta) Schema() *SchemaSet {
	return m.schema
}

// parseRnFormat splits an Rn format string into literal prefixes and
// naming placeholders. Placeholder properties must be defined on the
// class; they are marked as naming properties in placeholder order.
func (m *ClassMeta) parseRnFormat() error {
	format := m.RnFormat
	var prefixes []rnPrefix
	var naming []*PropMeta
	literal := strings.Builder{}

	for i := 0; i < len(format); {
		needDelim := false
		if strings.HasPrefix(format[i:], "[{") {
			needDelim = true
			i++
		}
		if format[i] != '{' {
			literal.WriteByte(format[i])
			i++
			continue
		}
		end := strings.IndexByte(format[i:], '}')
		if end < 0 {
			return fmt.Errorf("class %s: unterminated placeholder in rn format %q", m.ClassName, format)
		}
		propName := format[i+1 : i+end]
		i += end + 1
		if needDelim {
			if i >= len(format) || format[i] != ']' {
				return fmt.Errorf("class %s: unterminated delimiter in rn format %q", m.ClassName, format)
			}
			i++
		}
		prop, ok := m.props[propName]
		if !ok {
			return fmt.Errorf("class %s: rn format references undefined property %q", m.ClassName, propName)
		}
		prop.IsNaming = true
		prop.NeedDelimiter = prop.NeedDelimiter || needDelim
		naming = append(naming, prop)
		prefixes = append(prefixes, rnPrefix{prefix: literal.String(), hasProp: true})
		literal.Reset()
	}
	if literal.Len() > 0 || len(prefixes) == 0 {
		prefixes = append(prefixes, rnPrefix{prefix: literal.String(), hasProp: false})
	}
	m.rnPrefixes = prefixes
	m.namingProps = naming
	return nil
}

// rnPrefixString returns the leading literal prefix of the class Rn,
// used for child class resolution during Dn parsing.
func (m *ClassMeta) rnPrefixString() string {
	if len(m.rnPrefixes) == 0 {
		return ""
	}
	return m.rnPrefixes[0].prefix
}

// SchemaSet holds the class metadata loaded for one controller version.
// Read-only after load and safe for concurrent use.
type SchemaSet struct {
	// Version is the controller version the schema describes
	Version string

	classes map[string]*ClassMeta
	root    *ClassMeta

	// childPrefixes caches, per parent class, the child class names
	// sorted by Rn prefix length (longest first) so that prefixes that
	// are substrings of other prefixes resolve correctly.
	childPrefixes map[string][]childPrefix
}

type childPrefix struct {
	className string
	prefix    string
}

// Class resolves a class name to its metadata. Fails with UnknownClass.
func (s *SchemaSet) Class(className string) (*ClassMeta, error) {
	m, ok := s.classes[className]
	if !ok {
		return nil, &MitError{
			Code:      ErrUnknownClass,
			Operation: "classMeta",
			Message:   fmt.Sprintf("class %q is not defined in schema version %s", className, s.Version),
			ClassName: className,
		}
	}
	return m, nil
}

// Root returns the implicit tree root class meta.
func (s *SchemaSet) Root() *ClassMeta {
	return s.root
}

// IsLegalChild reports whether childClass may be contained by
// parentClass. Unknown classes are never legal children.
func (s *SchemaSet) IsLegalChild(parentClass, childClass string) bool {
	parent, ok := s.classes[parentClass]
	if !ok {
		return false
	}
	return parent.HasChild(childClass)
}

// ClassNames returns all class names in the schema, sorted.
func (s *SchemaSet) ClassNames() []string {
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// childByRnString resolves which child class of parent an Rn string
// belongs to, by longest-prefix match. Returns nil if no child matches.
func (s *SchemaSet) childByRnString(parent *ClassMeta, rnStr string) *ClassMeta {
	for _, cp := range s.childPrefixes[parent.ClassName] {
		if strings.HasPrefix(rnStr, cp.prefix) {
			return s.classes[cp.className]
		}
	}
	return nil
}

func (s *SchemaSet) buildChildPrefixes() {
	s.childPrefixes = make(map[string][]childPrefix, len(s.classes))
	for name, meta := range s.classes {
		cps := make([]childPrefix, 0, len(meta.children))
		for _, child := range meta.children {
			childMeta, ok := s.classes[child]
			if !ok {
				continue
			}
			cps = append(cps, childPrefix{className: child, prefix: childMeta.rnPrefixString()})
		}
		sort.Slice(cps, func(i, j int) bool {
			if len(cps[i].prefix) != len(cps[j].prefix) {
				return len(cps[i].prefix) > len(cps[j].prefix)
			}
			return cps[i].prefix < cps[j].prefix
		})
		s.childPrefixes[name] = cps
	}
}

// ParseSchema parses a JSON schema document into a SchemaSet.
//
// Document shape:
//
//	{
//	  "version": "1.0(1a)",
//	  "classes": {
//	    "fvTenant": {
//	      "rnFormat": "tn-{name}",
//	      "label": "Tenant",
//	      "category": "regular",
//	      "configurable": true,
//	      "deletable": true,
//	      "children": ["fvBD", "fvCtx"],
//	      "props": {
//	        "name":  {"type": "string", "createOnly": true, "config": true},
//	        "descr": {"type": "string", "config": true, "default": ""}
//	      }
//	    }
//	  }
//	}
//
// If the document does not define the topRoot class, one is synthesized
// whose children are all classes not contained by any other class.
func ParseSchema(data []byte) (*SchemaSet, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("schema document is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	schema := &SchemaSet{
		Version: doc.Get("version").String(),
		classes: make(map[string]*ClassMeta),
	}

	var parseErr error
	doc.Get("classes").ForEach(func(key, value gjson.Result) bool {
		meta, err := parseClass(key.String(), value)
		if err != nil {
			parseErr = err
			return false
		}
		meta.schema = schema
		schema.classes[meta.ClassName] = meta
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(schema.classes) == 0 {
		return nil, fmt.Errorf("schema document defines no classes")
	}

	if root, ok := schema.classes[RootClassName]; ok {
		schema.root = root
	} else {
		schema.root = synthesizeRoot(schema)
		schema.classes[RootClassName] = schema.root
	}

	// Containment references to undefined classes are a schema defect.
	for name, meta := range schema.classes {
		for _, child := range meta.children {
			if _, ok := schema.classes[child]; !ok {
				return nil, fmt.Errorf("class %s lists undefined child class %q", name, child)
			}
		}
	}

	schema.buildChildPrefixes()
	return schema, nil
}

func parseClass(className string, value gjson.Result) (*ClassMeta, error) {
	meta := &ClassMeta{
		ClassName:      className,
		Label:          value.Get("label").String(),
		Category:       Category(value.Get("category").String()),
		RnFormat:       value.Get("rnFormat").String(),
		IsConfigurable: value.Get("configurable").Bool(),
		IsDeletable:    value.Get("deletable").Bool(),
		props:          make(map[string]*PropMeta),
		childSet:       make(map[string]struct{}),
	}
	if meta.Category == "" {
		meta.Category = CategoryRegular
	}

	var propErr error
	value.Get("props").ForEach(func(propKey, propVal gjson.Result) bool {
		propType, err := parsePropType(propVal.Get("type").String())
		if err != nil {
			propErr = fmt.Errorf("class %s property %s: %w", className, propKey.String(), err)
			return false
		}
		prop := &PropMeta{
			Name:          propKey.String(),
			Type:          propType,
			IsConfig:      propVal.Get("config").Bool(),
			IsCreateOnly:  propVal.Get("createOnly").Bool(),
			IsNaming:      propVal.Get("naming").Bool(),
			DefaultValue:  propVal.Get("default").String(),
			NeedDelimiter: propVal.Get("needDelimiter").Bool(),
		}
		for _, c := range propVal.Get("constants").Array() {
			prop.Constants = append(prop.Constants, c.String())
		}
		meta.props[prop.Name] = prop
		meta.propNames = append(meta.propNames, prop.Name)
		return true
	})
	if propErr != nil {
		return nil, propErr
	}

	for _, child := range value.Get("children").Array() {
		name := child.String()
		if _, dup := meta.childSet[name]; dup {
			continue
		}
		meta.childSet[name] = struct{}{}
		meta.children = append(meta.children, name)
	}

	if err := meta.parseRnFormat(); err != nil {
		return nil, err
	}
	return meta, nil
}

// synthesizeRoot builds a topRoot meta containing every class that no
// other class lists as a child.
func synthesizeRoot(schema *SchemaSet) *ClassMeta {
	contained := make(map[string]struct{})
	for _, meta := range schema.classes {
		for _, child := range meta.children {
			contained[child] = struct{}{}
		}
	}
	root := &ClassMeta{
		ClassName: RootClassName,
		Category:  CategoryRegular,
		props:     make(map[string]*PropMeta),
		childSet:  make(map[string]struct{}),
		schema:    schema,
	}
	names := make([]string, 0, len(schema.classes))
	for name := range schema.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := contained[name]; ok {
			continue
		}
		root.childSet[name] = struct{}{}
		root.children = append(root.children, name)
	}
	_ = root.parseRnFormat()
	return root
}

// Registry caches one SchemaSet per controller version. Schema documents
// are registered up front and parsed lazily on first Load; later Load
// calls for the same version return the cached SchemaSet.
//
// The registry is explicit state passed to clients at construction, not
// a process-wide global; Unload exists for test isolation.
//
// Safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	docs           map[string][]byte
	cache          map[string]*SchemaSet
	defaultVersion string
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		docs:  make(map[string][]byte),
		cache: make(map[string]*SchemaSet),
	}
}

// Register offers a schema document for a controller version. The
// document is parsed on first Load. Registering a version again replaces
// the document and drops any cached SchemaSet.
func (r *Registry) Register(version string, doc []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[version] = append([]byte(nil), doc...)
	delete(r.cache, version)
}

// RegisterDefault registers a schema document and marks its version as
// the fallback used when Load cannot find an exact version match. This
// keeps clients functional against newer, backward-compatible
// controllers whose exact version has no registered schema.
func (r *Registry) RegisterDefault(version string, doc []byte) {
	r.Register(version, doc)
	r.mu.Lock()
	r.defaultVersion = version
	r.mu.Unlock()
}

// Load returns the SchemaSet for a controller version, parsing and
// caching the registered document on first use. If the exact version is
// not registered, the default version is used when one is set.
// Fails with SchemaNotFound otherwise.
func (r *Registry) Load(version string) (*SchemaSet, error) {
	r.mu.RLock()
	if schema, ok := r.cache[version]; ok {
		r.mu.RUnlock()
		return schema, nil
	}
	_, registered := r.docs[version]
	fallback := r.defaultVersion
	r.mu.RUnlock()

	if !registered {
		if fallback == "" || fallback == version {
			return nil, &MitError{
				Code:      ErrSchemaNotFound,
				Operation: "load",
				Message:   fmt.Sprintf("no schema registered for version %q", version),
			}
		}
		return r.Load(fallback)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if schema, ok := r.cache[version]; ok {
		return schema, nil
	}
	schema, err := ParseSchema(r.docs[version])
	if err != nil {
		return nil, &MitError{
			Code:      ErrSchemaNotFound,
			Operation: "load",
			Message:   fmt.Sprintf("schema for version %q is invalid: %v", version, err),
			Err:       err,
		}
	}
	if schema.Version == "" {
		schema.Version = version
	}
	r.cache[version] = schema
	return schema, nil
}

// Unload drops a version's document and cached SchemaSet.
func (r *Registry) Unload(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, version)
	delete(r.cache, version)
	if r.defaultVersion == version {
		r.defaultVersion = ""
	}
}

// Versions returns the registered schema versions, sorted.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]string, 0, len(r.docs))
	for v := range r.docs {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
