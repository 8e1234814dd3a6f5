// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
	"sort"
	"strings"
)

// MoStatus is the pending-change state of a managed object, encoded as
// a bitmask. The wire form is the comma-separated list of set bits,
// e.g. "created,modified".
type MoStatus uint8

const (
	// StatusCreated marks an object not yet known to the controller
	StatusCreated MoStatus = 2

	// StatusModified marks an object with uncommitted property changes
	StatusModified MoStatus = 4

	// StatusDeleted marks an object scheduled for deletion
	StatusDeleted MoStatus = 8
)

// Has reports whether all bits of flag are set.
func (s MoStatus) Has(flag MoStatus) bool {
	return s&flag == flag
}

// String returns the wire form of the status. A zero status renders as
// the empty string.
func (s MoStatus) String() string {
	var parts []string
	if s.Has(StatusCreated) {
		parts = append(parts, "created")
	}
	if s.Has(StatusModified) {
		parts = append(parts, "modified")
	}
	if s.Has(StatusDeleted) {
		parts = append(parts, "deleted")
	}
	return strings.Join(parts, ",")
}

// ParseMoStatus parses the wire form of a status. Unknown tokens are
// ignored, matching controller behavior for forward compatibility.
func ParseMoStatus(s string) MoStatus {
	var status MoStatus
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "created":
			status |= StatusCreated
		case "modified":
			status |= StatusModified
		case "deleted":
			status |= StatusDeleted
		}
	}
	return status
}

// Mo is a managed object: one node of the tree, an instance of a class
// with property values and child objects. A Mo tracks which properties
// changed since the last commit so that only deltas go on the wire.
//
// A Mo is not safe for concurrent use; Mit serializes access for trees
// shared between goroutines.
type Mo struct {
	meta     *ClassMeta
	rn       Rn
	parent   *Mo
	parentDn Dn

	props    map[string]string
	extra    map[string]string
	dirty    map[string]struct{}
	dirtySeq []string
	saved    map[string]savedProp
	status   MoStatus

	children   []*Mo
	childIndex map[string]*Mo
}

// savedProp is the committed value of a property before it was changed
// locally, so ResetProps can restore it.
type savedProp struct {
	value   string
	present bool
}

// NewMo creates a managed object as a child of parent, which must be
// able to contain the class. The new object carries StatusCreated and
// its naming properties set from namingVals. Fails with
// IllegalContainment when containment rules forbid the child or a child
// with the same Rn already exists; the parent's child set is unchanged
// on failure.
func NewMo(meta *ClassMeta, parent *Mo, namingVals ...string) (*Mo, error) {
	if parent == nil {
		return nil, &MitError{
			Code:      ErrIllegalContainment,
			Operation: "createMo",
			Message:   "parent must not be nil",
			ClassName: meta.ClassName,
		}
	}
	mo, err := newDetachedMo(meta, parent.Dn(), namingVals...)
	if err != nil {
		return nil, err
	}
	if err := parent.attach(mo); err != nil {
		return nil, err
	}
	return mo, nil
}

// NewOrphanMo creates a managed object detached from any tree, anchored
// at a parent Dn. Used for building commit payloads and decoding query
// results without materializing intermediate objects.
func NewOrphanMo(meta *ClassMeta, parentDn Dn, namingVals ...string) (*Mo, error) {
	return newDetachedMo(meta, parentDn, namingVals...)
}

func newDetachedMo(meta *ClassMeta, parentDn Dn, namingVals ...string) (*Mo, error) {
	rn, err := NewRn(meta, namingVals...)
	if err != nil {
		return nil, err
	}
	mo := &Mo{
		meta:       meta,
		rn:         rn,
		parentDn:   parentDn,
		props:      make(map[string]string),
		extra:      make(map[string]string),
		dirty:      make(map[string]struct{}),
		saved:      make(map[string]savedProp),
		status:     StatusCreated,
		childIndex: make(map[string]*Mo),
	}
	for i, prop := range meta.namingProps {
		mo.props[prop.Name] = namingVals[i]
	}
	return mo, nil
}

// Meta returns the class metadata of the object.
func (m *Mo) Meta() *ClassMeta {
	return m.meta
}

// ClassName returns the object's class name.
func (m *Mo) ClassName() string {
	return m.meta.ClassName
}

// Rn returns the object's relative name.
func (m *Mo) Rn() Rn {
	return m.rn
}

// Parent returns the containing object, or nil for detached objects
// and the tree root.
func (m *Mo) Parent() *Mo {
	return m.parent
}

// Dn returns the object's distinguished name, derived from the parent
// chain (or the anchor Dn for detached objects).
func (m *Mo) Dn() Dn {
	base := m.parentDn
	if m.parent != nil {
		base = m.parent.Dn()
	}
	if m.rn.IsZero() {
		return base
	}
	return Dn{rns: append(append([]Rn(nil), base.rns...), m.rn)}
}

// Status returns the pending-change state.
func (m *Mo) Status() MoStatus {
	return m.status
}

// IsDeleted reports whether the object is scheduled for deletion.
func (m *Mo) IsDeleted() bool {
	return m.status.Has(StatusDeleted)
}

// SetProp sets a property value. Fails with UnknownProperty for
// properties the class does not define, ReadOnlyProperty for
// non-config properties, naming properties, and create-only properties
// of objects that already exist remotely, and TypeMismatch for values
// that violate the property type. The object's state is unchanged on
// failure.
func (m *Mo) SetProp(name, value string) error {
	prop, ok := m.meta.props[name]
	if !ok {
		return &MitError{
			Code:      ErrUnknownProperty,
			Operation: "setProperty",
			Message:   fmt.Sprintf("class %s has no property %q", m.meta.ClassName, name),
			ClassName: m.meta.ClassName,
			Property:  name,
		}
	}
	if !prop.IsConfig || prop.IsNaming {
		return &MitError{
			Code:      ErrReadOnlyProperty,
			Operation: "setProperty",
			Message:   fmt.Sprintf("property %s.%s is read-only", m.meta.ClassName, name),
			ClassName: m.meta.ClassName,
			Property:  name,
		}
	}
	if prop.IsCreateOnly && !m.status.Has(StatusCreated) {
		return &MitError{
			Code:      ErrReadOnlyProperty,
			Operation: "setProperty",
			Message:   fmt.Sprintf("property %s.%s can only be set at creation", m.meta.ClassName, name),
			ClassName: m.meta.ClassName,
			Property:  name,
		}
	}
	if err := prop.Validate(value); err != nil {
		return err
	}
	current, present := m.props[name]
	if present && current == value {
		return nil
	}
	m.props[name] = value
	m.markDirty(name, current, present)
	return nil
}

// Prop returns a property value. Unset known properties report their
// schema default; unknown properties report the empty string.
func (m *Mo) Prop(name string) string {
	if v, ok := m.props[name]; ok {
		return v
	}
	if v, ok := m.extra[name]; ok {
		return v
	}
	if prop, ok := m.meta.props[name]; ok {
		return prop.DefaultValue
	}
	return ""
}

// PropOk returns a property value and whether it was explicitly set.
func (m *Mo) PropOk(name string) (string, bool) {
	if v, ok := m.props[name]; ok {
		return v, true
	}
	v, ok := m.extra[name]
	return v, ok
}

// PropNames returns the names of all explicitly set properties, known
// and passthrough, sorted.
func (m *Mo) PropNames() []string {
	names := make([]string, 0, len(m.props)+len(m.extra))
	for name := range m.props {
		names = append(names, name)
	}
	for name := range m.extra {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// setRemoteProp stores a property value received from the controller,
// bypassing config and type checks. Properties the schema does not
// define are preserved as passthrough values so that round-tripping a
// payload from a newer controller loses nothing.
func (m *Mo) setRemoteProp(name, value string) {
	if _, ok := m.meta.props[name]; ok {
		m.props[name] = value
		return
	}
	m.extra[name] = value
}

// markDirty records a property change, in first-change order, keeping
// the committed value so ResetProps can restore it.
func (m *Mo) markDirty(name, prev string, present bool) {
	if !m.status.Has(StatusCreated) {
		m.status |= StatusModified
	}
	if _, ok := m.dirty[name]; !ok {
		m.dirty[name] = struct{}{}
		m.dirtySeq = append(m.dirtySeq, name)
		m.saved[name] = savedProp{value: prev, present: present}
	}
}

// DirtyProps returns the names of properties changed since the last
// commit, in first-change order.
func (m *Mo) DirtyProps() []string {
	return append([]string(nil), m.dirtySeq...)
}

// IsDirty reports whether the object carries uncommitted changes,
// including creation and deletion.
func (m *Mo) IsDirty() bool {
	return m.status != 0 || len(m.dirtySeq) > 0
}

// Delete schedules the object and its descendants for deletion. The
// controller cascades the delete server-side; locally the subtree stays
// attached until the commit succeeds. Fails for classes the schema
// marks as not deletable.
func (m *Mo) Delete() error {
	if !m.meta.IsDeletable && m.meta.ClassName != RootClassName {
		return &MitError{
			Code:      ErrIllegalContainment,
			Operation: "delete",
			Message:   fmt.Sprintf("class %s is not deletable", m.meta.ClassName),
			ClassName: m.meta.ClassName,
			Dn:        m.Dn().String(),
		}
	}
	m.status = StatusDeleted | (m.status & StatusCreated)
	return nil
}

// ResetProps discards all uncommitted property changes and a pending
// delete, restoring the last committed values. Objects pending creation
// keep their naming properties and stay pending.
func (m *Mo) ResetProps() {
	for name, prev := range m.saved {
		if prev.present {
			m.props[name] = prev.value
		} else {
			delete(m.props, name)
		}
	}
	m.saved = make(map[string]savedProp)
	m.dirty = make(map[string]struct{})
	m.dirtySeq = nil
	m.status &= StatusCreated
}

// Clone returns a deep copy of the object and its descendants. The
// copy is detached from any tree, anchored at the original's parent Dn,
// and carries the same property values and pending state.
func (m *Mo) Clone() *Mo {
	clone := &Mo{
		meta:       m.meta,
		rn:         m.rn,
		parentDn:   m.Dn().Parent(),
		props:      make(map[string]string, len(m.props)),
		extra:      make(map[string]string, len(m.extra)),
		dirty:      make(map[string]struct{}, len(m.dirty)),
		dirtySeq:   append([]string(nil), m.dirtySeq...),
		saved:      make(map[string]savedProp, len(m.saved)),
		status:     m.status,
		childIndex: make(map[string]*Mo, len(m.children)),
	}
	for k, v := range m.props {
		clone.props[k] = v
	}
	for k, v := range m.extra {
		clone.extra[k] = v
	}
	for k := range m.dirty {
		clone.dirty[k] = struct{}{}
	}
	for k, v := range m.saved {
		clone.saved[k] = v
	}
	for _, child := range m.children {
		cc := child.Clone()
		cc.parent = clone
		cc.parentDn = Dn{}
		clone.childIndex[cc.rn.String()] = cc
		clone.children = append(clone.children, cc)
	}
	return clone
}

// Children returns the child objects in insertion order.
func (m *Mo) Children() []*Mo {
	return append([]*Mo(nil), m.children...)
}

// ChildrenByClass returns the children of one class, in insertion order.
func (m *Mo) ChildrenByClass(className string) []*Mo {
	var out []*Mo
	for _, child := range m.children {
		if child.ClassName() == className {
			out = append(out, child)
		}
	}
	return out
}

// Child returns the child with the given Rn string, or nil.
func (m *Mo) Child(rnStr string) *Mo {
	return m.childIndex[rnStr]
}

// attach adds a child, enforcing containment and Rn uniqueness. The
// child set is unchanged when attach fails.
func (m *Mo) attach(child *Mo) error {
	if !m.meta.HasChild(child.ClassName()) {
		return &MitError{
			Code:      ErrIllegalContainment,
			Operation: "createMo",
			Message: fmt.Sprintf("class %s cannot contain %s",
				m.meta.ClassName, child.ClassName()),
			ClassName: child.ClassName(),
			Dn:        m.Dn().String(),
		}
	}
	key := child.rn.String()
	if _, exists := m.childIndex[key]; exists {
		return &MitError{
			Code:      ErrIllegalContainment,
			Operation: "createMo",
			Message: fmt.Sprintf("%s already contains a child %q",
				m.meta.ClassName, key),
			ClassName: child.ClassName(),
			Dn:        m.Dn().String(),
		}
	}
	child.parent = m
	child.parentDn = Dn{}
	m.childIndex[key] = child
	m.children = append(m.children, child)
	return nil
}

// detach removes a child from the object. No-op when the child is not
// attached to this object.
func (m *Mo) detach(child *Mo) {
	key := child.rn.String()
	if m.childIndex[key] != child {
		return
	}
	delete(m.childIndex, key)
	for i, c := range m.children {
		if c == child {
			m.children = append(m.children[:i], m.children[i+1:]...)
			break
		}
	}
	child.parentDn = child.Dn().Parent()
	child.parent = nil
}

// resetPending marks the object as in sync with the controller: the
// created and modified bits and the dirty set are cleared. Called after
// a successful commit and when decoding controller responses.
func (m *Mo) resetPending() {
	m.status = 0
	m.dirty = make(map[string]struct{})
	m.dirtySeq = nil
	m.saved = make(map[string]savedProp)
}

// walk visits the object and all descendants depth-first in insertion
// order. Traversal stops when fn returns false.
func (m *Mo) walk(fn func(*Mo) bool) bool {
	if !fn(m) {
		return false
	}
	for _, child := range m.children {
		if !child.walk(fn) {
			return false
		}
	}
	return true
}
