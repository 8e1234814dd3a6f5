// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
	"strings"
)

// reservedRnChars are characters that force bracketing of a naming
// value in the Rn string form, because they would otherwise be
// indistinguishable from Rn or Dn structure.
const reservedRnChars = "/-[]"

// Rn is a relative name: one segment of a Dn, identifying a managed
// object among the children of its parent. An Rn is immutable.
type Rn struct {
	meta       *ClassMeta
	namingVals []string
	str        string
}

// NewRn builds an Rn for a class from its naming values, given in
// Rn format order. Fails with MalformedName when the value count does
// not match the class naming properties.
func NewRn(meta *ClassMeta, namingVals ...string) (Rn, error) {
	if len(namingVals) != len(meta.namingProps) {
		return Rn{}, &MitError{
			Code:      ErrMalformedName,
			Operation: "newRn",
			Message: fmt.Sprintf("class %s needs %d naming values, got %d",
				meta.ClassName, len(meta.namingProps), len(namingVals)),
			ClassName: meta.ClassName,
		}
	}
	vals := append([]string(nil), namingVals...)
	return Rn{meta: meta, namingVals: vals, str: encodeRn(meta, vals)}, nil
}

// ParseRn parses an Rn string for a known class. Naming values may be
// bracketed; brackets nest and a value is only complete at bracket
// depth zero. The Rn string form is re-encoded from the parsed values,
// so bracket-variant spellings of the same Rn format identically.
// Fails with MalformedName when the string does not match the class Rn
// format.
func ParseRn(meta *ClassMeta, s string) (Rn, error) {
	vals, err := decodeRn(meta, s)
	if err != nil {
		return Rn{}, err
	}
	return Rn{meta: meta, namingVals: vals, str: encodeRn(meta, vals)}, nil
}

// Meta returns the class metadata of the Rn.
func (r Rn) Meta() *ClassMeta {
	return r.meta
}

// ClassName returns the class name of the Rn.
func (r Rn) ClassName() string {
	if r.meta == nil {
		return ""
	}
	return r.meta.ClassName
}

// NamingVals returns the naming values in Rn format order.
func (r Rn) NamingVals() []string {
	return append([]string(nil), r.namingVals...)
}

// IsZero reports whether the Rn is the zero value.
func (r Rn) IsZero() bool {
	return r.meta == nil
}

// String returns the Rn string form, e.g. "tn-infra".
func (r Rn) String() string {
	return r.str
}

// Equal reports whether two Rns name the same object: same class and
// same naming values. Bracketing differences in the source strings do
// not affect equality.
func (r Rn) Equal(other Rn) bool {
	if r.meta != other.meta {
		return false
	}
	if len(r.namingVals) != len(other.namingVals) {
		return false
	}
	for i, v := range r.namingVals {
		if other.namingVals[i] != v {
			return false
		}
	}
	return true
}

// encodeRn renders naming values into the class Rn format. A value is
// bracketed when the property demands it or when the value contains
// characters reserved for name structure.
func encodeRn(meta *ClassMeta, namingVals []string) string {
	var b strings.Builder
	valIdx := 0
	for _, p := range meta.rnPrefixes {
		b.WriteString(p.prefix)
		if !p.hasProp {
			continue
		}
		val := namingVals[valIdx]
		prop := meta.namingProps[valIdx]
		valIdx++
		if prop.NeedDelimiter || strings.ContainsAny(val, reservedRnChars) {
			b.WriteByte('[')
			b.WriteString(val)
			b.WriteByte(']')
		} else {
			b.WriteString(val)
		}
	}
	return b.String()
}

// decodeRn extracts naming values from an Rn string according to the
// class Rn format, honoring bracketed values with nested brackets.
func decodeRn(meta *ClassMeta, s string) ([]string, error) {
	malformed := func(format string, args ...any) error {
		return &MitError{
			Code:      ErrMalformedName,
			Operation: "parseRn",
			Message: fmt.Sprintf("rn %q does not match format %q: %s",
				s, meta.RnFormat, fmt.Sprintf(format, args...)),
			ClassName: meta.ClassName,
		}
	}

	rest := s
	var vals []string
	for i, p := range meta.rnPrefixes {
		if !strings.HasPrefix(rest, p.prefix) {
			return nil, malformed("missing %q", p.prefix)
		}
		rest = rest[len(p.prefix):]
		if !p.hasProp {
			continue
		}
		// The value runs until the next format prefix at bracket depth
		// zero, or to the end of the string for the last value.
		next := ""
		if i+1 < len(meta.rnPrefixes) {
			next = meta.rnPrefixes[i+1].prefix
		}
		val, remainder, err := scanNamingVal(rest, next)
		if err != nil {
			return nil, malformed("%v", err)
		}
		vals = append(vals, val)
		rest = remainder
	}
	if rest != "" {
		return nil, malformed("trailing %q", rest)
	}
	if len(vals) != len(meta.namingProps) {
		return nil, malformed("expected %d naming values, got %d", len(meta.namingProps), len(vals))
	}
	return vals, nil
}

// scanNamingVal reads one naming value from s, stopping at the stop
// string at bracket depth zero (or end of string when stop is empty).
// A fully bracketed value has its outer brackets stripped. Returns the
// value and the remainder starting at stop.
func scanNamingVal(s, stop string) (string, string, error) {
	depth := 0
	end := len(s)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return "", "", fmt.Errorf("unbalanced ']' at offset %d", i)
			}
		default:
			if depth == 0 && stop != "" && strings.HasPrefix(s[i:], stop) {
				end = i
				i = len(s)
			}
		}
	}
	if depth != 0 {
		return "", "", fmt.Errorf("unbalanced '['")
	}
	val := s[:end]
	if len(val) >= 2 && val[0] == '[' && val[len(val)-1] == ']' && isOuterBracket(val) {
		val = val[1 : len(val)-1]
	}
	if val == "" {
		return "", "", fmt.Errorf("empty naming value")
	}
	return val, s[end:], nil
}

// isOuterBracket reports whether the first '[' of s closes only at the
// final byte, meaning the whole value is one bracketed unit.
func isOuterBracket(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i == len(s)-1
			}
		}
	}
	return false
}

// Dn is a distinguished name: the full path of a managed object from
// the tree root, one Rn per level. A Dn is immutable. The zero Dn
// denotes the tree root itself.
type Dn struct {
	rns []Rn
}

// ParseDn parses a Dn string against a schema, resolving each segment
// to a class by containment from the root. Fails with MalformedName on
// structural errors and IllegalContainment when a segment names a class
// that the preceding class cannot contain.
func ParseDn(schema *SchemaSet, s string) (Dn, error) {
	if s == "" {
		return Dn{}, nil
	}
	parent := schema.Root()
	var rns []Rn
	for _, seg := range splitDn(s) {
		if seg == "" {
			return Dn{}, newError(ErrMalformedName, "parseDn", "dn %q has an empty segment", s)
		}
		child := schema.childByRnString(parent, seg)
		if child == nil {
			return Dn{}, &MitError{
				Code:      ErrIllegalContainment,
				Operation: "parseDn",
				Message: fmt.Sprintf("dn %q: no child class of %s matches segment %q",
					s, parent.ClassName, seg),
				ClassName: parent.ClassName,
			}
		}
		rn, err := ParseRn(child, seg)
		if err != nil {
			return Dn{}, err
		}
		rns = append(rns, rn)
		parent = child
	}
	return Dn{rns: rns}, nil
}

// splitDn splits a Dn string on '/' at bracket depth zero, so that
// separators inside bracketed naming values are preserved.
func splitDn(s string) []string {
	var segs []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case '/':
			if depth == 0 {
				segs = append(segs, s[start:i])
				start = i + 1
			}
		}
	}
	segs = append(segs, s[start:])
	return segs
}

// DnFromRns builds a Dn from an Rn sequence, validating containment
// from the root downward. Fails with IllegalContainment when a level
// cannot contain the next.
func DnFromRns(schema *SchemaSet, rns []Rn) (Dn, error) {
	parent := schema.Root()
	for _, rn := range rns {
		if rn.IsZero() {
			return Dn{}, newError(ErrMalformedName, "newDn", "zero rn in sequence")
		}
		if !parent.HasChild(rn.ClassName()) {
			return Dn{}, &MitError{
				Code:      ErrIllegalContainment,
				Operation: "newDn",
				Message: fmt.Sprintf("class %s cannot contain %s",
					parent.ClassName, rn.ClassName()),
				ClassName: rn.ClassName(),
			}
		}
		parent = rn.Meta()
	}
	return Dn{rns: append([]Rn(nil), rns...)}, nil
}

// Rns returns the Rn sequence from root to leaf.
func (d Dn) Rns() []Rn {
	return append([]Rn(nil), d.rns...)
}

// Depth returns the number of Rn segments. The root Dn has depth zero.
func (d Dn) Depth() int {
	return len(d.rns)
}

// IsRoot reports whether the Dn denotes the tree root.
func (d Dn) IsRoot() bool {
	return len(d.rns) == 0
}

// Rn returns the leaf Rn. Returns the zero Rn for the root Dn.
func (d Dn) Rn() Rn {
	if len(d.rns) == 0 {
		return Rn{}
	}
	return d.rns[len(d.rns)-1]
}

// ClassName returns the class of the leaf segment, or the root class
// name for the root Dn.
func (d Dn) ClassName() string {
	if len(d.rns) == 0 {
		return RootClassName
	}
	return d.rns[len(d.rns)-1].ClassName()
}

// Parent returns the Dn with the leaf segment removed. The parent of
// the root is the root.
func (d Dn) Parent() Dn {
	if len(d.rns) == 0 {
		return Dn{}
	}
	return Dn{rns: d.rns[:len(d.rns)-1]}
}

// Child returns this Dn extended by one Rn, validating that the leaf
// class can contain the child class.
func (d Dn) Child(schema *SchemaSet, rn Rn) (Dn, error) {
	parent := schema.Root()
	if len(d.rns) > 0 {
		parent = d.rns[len(d.rns)-1].Meta()
	}
	if rn.IsZero() || !parent.HasChild(rn.ClassName()) {
		return Dn{}, &MitError{
			Code:      ErrIllegalContainment,
			Operation: "childDn",
			Message: fmt.Sprintf("class %s cannot contain %s",
				parent.ClassName, rn.ClassName()),
			ClassName: rn.ClassName(),
		}
	}
	return Dn{rns: append(append([]Rn(nil), d.rns...), rn)}, nil
}

// String returns the Dn string form, segments joined with '/'. The
// root Dn renders as the empty string.
func (d Dn) String() string {
	if len(d.rns) == 0 {
		return ""
	}
	parts := make([]string, len(d.rns))
	for i, rn := range d.rns {
		parts[i] = rn.String()
	}
	return strings.Join(parts, "/")
}

// Equal reports whether two Dns name the same object, comparing the
// Rn sequences structurally.
func (d Dn) Equal(other Dn) bool {
	if len(d.rns) != len(other.rns) {
		return false
	}
	for i, rn := range d.rns {
		if !rn.Equal(other.rns[i]) {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether d is a proper ancestor of other. The
// root is an ancestor of every non-root Dn.
func (d Dn) IsAncestorOf(other Dn) bool {
	if len(d.rns) >= len(other.rns) {
		return false
	}
	for i, rn := range d.rns {
		if !rn.Equal(other.rns[i]) {
			return false
		}
	}
	return true
}

// Contains reports whether other equals d or descends from d.
func (d Dn) Contains(other Dn) bool {
	return d.Equal(other) || d.IsAncestorOf(other)
}

// CommonParent returns the deepest Dn that is an ancestor of (or equal
// to) both d and other. Unrelated Dns share the root.
func (d Dn) CommonParent(other Dn) Dn {
	n := len(d.rns)
	if len(other.rns) < n {
		n = len(other.rns)
	}
	i := 0
	for i < n && d.rns[i].Equal(other.rns[i]) {
		i++
	}
	return Dn{rns: d.rns[:i]}
}
