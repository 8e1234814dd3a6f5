// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"sort"
	"strings"
	"sync"
)

// Mit is a client-side mirror of the controller's management
// information tree: a single rooted tree of managed objects with
// lookup indexes by Dn and by class. A Mit answers Dn and class
// queries locally with the same scoping and filter semantics the
// controller applies, which keeps reads off the wire for state the
// client already holds.
//
// Safe for concurrent use.
type Mit struct {
	mu     sync.RWMutex
	schema *SchemaSet
	root   *Mo

	dnIndex    map[string]*Mo
	classIndex map[string][]*Mo
}

// NewMit creates an empty tree for a schema. The root carries a zero
// Rn so that Dns derived through it start at the first real segment.
func NewMit(schema *SchemaSet) *Mit {
	root := &Mo{
		meta:       schema.Root(),
		props:      make(map[string]string),
		extra:      make(map[string]string),
		dirty:      make(map[string]struct{}),
		saved:      make(map[string]savedProp),
		childIndex: make(map[string]*Mo),
	}
	return &Mit{
		schema:     schema,
		root:       root,
		dnIndex:    map[string]*Mo{"": root},
		classIndex: make(map[string][]*Mo),
	}
}

// Schema returns the schema the tree was built for.
func (t *Mit) Schema() *SchemaSet {
	return t.schema
}

// Root returns the tree root object.
func (t *Mit) Root() *Mo {
	return t.root
}

// Create adds a new object under parent (the root when parent is nil)
// and indexes it. The object carries StatusCreated until committed.
// Fails with UnknownClass, MalformedName or IllegalContainment; the
// tree is unchanged on failure.
func (t *Mit) Create(className string, parent *Mo, namingVals ...string) (*Mo, error) {
	meta, err := t.schema.Class(className)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if parent == nil {
		parent = t.root
	}
	mo, err := NewMo(meta, parent, namingVals...)
	if err != nil {
		return nil, err
	}
	t.index(mo)
	return mo, nil
}

// LookupByDn returns the object with the given Dn, or nil.
func (t *Mit) LookupByDn(dn string) *Mo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dnIndex[dn]
}

// LookupByClass returns all instances of a class in insertion order.
func (t *Mit) LookupByClass(className string) []*Mo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Mo(nil), t.classIndex[className]...)
}

// Remove detaches an object and its subtree from the tree and drops
// the index entries. The root cannot be removed.
func (t *Mit) Remove(mo *Mo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(mo)
}

func (t *Mit) remove(mo *Mo) {
	if mo == t.root || mo.parent == nil {
		return
	}
	mo.walk(func(m *Mo) bool {
		t.unindex(m)
		return true
	})
	mo.parent.detach(mo)
}

// Merge integrates decoded response objects into the tree. Each object
// is anchored by its Dn; missing ancestors are synthesized from their
// Rn naming values. Existing objects have the received properties
// overlaid. Merged objects are marked in sync with the controller.
// Returns the attached objects in input order.
func (t *Mit) Merge(mos []*Mo) ([]*Mo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	attached := make([]*Mo, 0, len(mos))
	for _, mo := range mos {
		node, err := t.merge(mo)
		if err != nil {
			return nil, err
		}
		attached = append(attached, node)
	}
	return attached, nil
}

func (t *Mit) merge(mo *Mo) (*Mo, error) {
	parent, err := t.materialize(mo.Dn().Parent())
	if err != nil {
		return nil, err
	}
	return t.mergeUnder(parent, mo)
}

func (t *Mit) mergeUnder(parent *Mo, mo *Mo) (*Mo, error) {
	node := parent.Child(mo.rn.String())
	if node == nil {
		// New subtree, attach and index it wholesale.
		if err := parent.attach(mo); err != nil {
			return nil, err
		}
		t.index(mo)
		mo.walk(func(m *Mo) bool {
			m.resetPending()
			return true
		})
		return mo, nil
	}
	for name, value := range mo.props {
		node.setRemoteProp(name, value)
	}
	for name, value := range mo.extra {
		node.setRemoteProp(name, value)
	}
	node.resetPending()
	for _, child := range mo.Children() {
		mo.detach(child)
		if _, err := t.mergeUnder(node, child); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// materialize walks a Dn from the root, creating any missing levels
// with only their naming properties set.
func (t *Mit) materialize(dn Dn) (*Mo, error) {
	node := t.root
	for _, rn := range dn.rns {
		child := node.Child(rn.String())
		if child == nil {
			var err error
			child, err = newDetachedMo(rn.Meta(), Dn{}, rn.namingVals...)
			if err != nil {
				return nil, err
			}
			if err := node.attach(child); err != nil {
				return nil, err
			}
			child.resetPending()
			t.index(child)
		}
		node = child
	}
	return node, nil
}

// applyCommit reconciles the tree after a successful commit: deleted
// objects are detached, everything else queued is marked in sync.
func (t *Mit) applyCommit(req *ConfigRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, mo := range req.Mos() {
		if mo.status.Has(StatusDeleted) {
			t.remove(mo)
			continue
		}
		mo.walk(func(m *Mo) bool {
			if m.IsDirty() {
				m.resetPending()
			}
			return true
		})
	}
}

func (t *Mit) index(mo *Mo) {
	mo.walk(func(m *Mo) bool {
		t.dnIndex[m.Dn().String()] = m
		t.classIndex[m.ClassName()] = append(t.classIndex[m.ClassName()], m)
		return true
	})
}

func (t *Mit) unindex(mo *Mo) {
	delete(t.dnIndex, mo.Dn().String())
	instances := t.classIndex[mo.ClassName()]
	for i, m := range instances {
		if m == mo {
			t.classIndex[mo.ClassName()] = append(instances[:i], instances[i+1:]...)
			break
		}
	}
}

// QueryDn evaluates a Dn query against the local tree. An anchor that
// does not exist locally yields an empty result, matching controller
// behavior for unknown Dns.
func (t *Mit) QueryDn(q DnQuery) ([]*Mo, error) {
	dn, err := ParseDn(t.schema, q.Dn)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	anchor := t.dnIndex[dn.String()]
	if anchor == nil {
		return nil, nil
	}
	results := scopeResults(anchor, q.Options.Scope)
	return finishQuery(results, q.Options)
}

// QueryClass evaluates a class query against the local tree. The scope
// applies relative to each instance of the class: ScopeChildren yields
// the children of every instance, ScopeSubtree every descendant.
func (t *Mit) QueryClass(q ClassQuery) ([]*Mo, error) {
	if _, err := t.schema.Class(q.ClassName); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var results []*Mo
	for _, anchor := range t.classIndex[q.ClassName] {
		results = append(results, scopeResults(anchor, q.Options.Scope)...)
	}
	return finishQuery(results, q.Options)
}

func scopeResults(anchor *Mo, scope QueryScope) []*Mo {
	switch scope {
	case ScopeChildren:
		return anchor.Children()
	case ScopeSubtree:
		var out []*Mo
		anchor.walk(func(m *Mo) bool {
			out = append(out, m)
			return true
		})
		return out
	default:
		return []*Mo{anchor}
	}
}

// finishQuery applies class and property filters, ordering and
// pagination to a scoped result set. Without an order-by, tree
// insertion order is preserved.
func finishQuery(results []*Mo, o QueryOptions) ([]*Mo, error) {
	if len(o.ClassFilter) > 0 {
		allowed := make(map[string]struct{}, len(o.ClassFilter))
		for _, c := range o.ClassFilter {
			allowed[c] = struct{}{}
		}
		filtered := results[:0:0]
		for _, mo := range results {
			if _, ok := allowed[mo.ClassName()]; ok {
				filtered = append(filtered, mo)
			}
		}
		results = filtered
	}
	if o.PropFilter != nil {
		filtered := results[:0:0]
		for _, mo := range results {
			if o.PropFilter.Eval(mo) {
				filtered = append(filtered, mo)
			}
		}
		results = filtered
	}
	if len(o.OrderBy) > 0 {
		keys, err := parseOrderBy(o.OrderBy)
		if err != nil {
			return nil, err
		}
		sortResults(results, keys)
	}
	if o.PageSize > 0 {
		start := o.Page * o.PageSize
		if start >= len(results) {
			return nil, nil
		}
		end := start + o.PageSize
		if end > len(results) {
			end = len(results)
		}
		results = results[start:end]
	}
	return results, nil
}

type orderKey struct {
	class      string
	prop       string
	descending bool
}

// parseOrderBy parses "class.prop" or "class.prop|desc" sort keys.
func parseOrderBy(keys []string) ([]orderKey, error) {
	out := make([]orderKey, 0, len(keys))
	for _, key := range keys {
		spec := key
		desc := false
		if i := strings.IndexByte(spec, '|'); i >= 0 {
			switch spec[i+1:] {
			case "asc":
			case "desc":
				desc = true
			default:
				return nil, newError(ErrQueryFailed, "query", "invalid sort direction in order-by key %q", key)
			}
			spec = spec[:i]
		}
		parts := strings.SplitN(spec, ".", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, newError(ErrQueryFailed, "query", "order-by key %q is not of the form class.prop", key)
		}
		out = append(out, orderKey{class: parts[0], prop: parts[1], descending: desc})
	}
	return out, nil
}

// sortResults sorts stably so objects the keys do not apply to keep
// their relative order.
func sortResults(results []*Mo, keys []orderKey) {
	sort.SliceStable(results, func(i, j int) bool {
		for _, key := range keys {
			if results[i].ClassName() != key.class || results[j].ClassName() != key.class {
				continue
			}
			cmp := compareValues(results[i].Prop(key.prop), results[j].Prop(key.prop))
			if cmp == 0 {
				continue
			}
			if key.descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
