// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// QueryScope selects which objects a query targets relative to its
// anchor.
type QueryScope string

const (
	// ScopeSelf targets the anchor object only
	ScopeSelf QueryScope = "self"

	// ScopeChildren targets the direct children of the anchor
	ScopeChildren QueryScope = "children"

	// ScopeSubtree targets the anchor and all descendants
	ScopeSubtree QueryScope = "subtree"
)

// SubtreeMode selects how much of each result object's subtree is
// included in the response.
type SubtreeMode string

const (
	// SubtreeNone returns result objects without children
	SubtreeNone SubtreeMode = "no"

	// SubtreeChildren returns result objects with direct children
	SubtreeChildren SubtreeMode = "children"

	// SubtreeFull returns result objects with all descendants
	SubtreeFull SubtreeMode = "full"
)

// PropInclude selects which properties appear on result objects.
type PropInclude string

const (
	// PropsAll returns every property
	PropsAll PropInclude = "all"

	// PropsNaming returns only naming properties
	PropsNaming PropInclude = "naming-only"

	// PropsConfig returns only configurable properties
	PropsConfig PropInclude = "config-only"
)

// QueryOptions collects the knobs shared by Dn and class queries. The
// zero value means controller defaults: self scope, no subtree, all
// properties.
type QueryOptions struct {
	Scope          QueryScope
	ClassFilter    []string
	PropFilter     FilterExpr
	Subtree        SubtreeMode
	SubtreeClasses []string
	SubtreeFilter  FilterExpr
	SubtreeInclude []string
	Props          PropInclude
	OrderBy        []string
	Page           int
	PageSize       int
	Subscribe      bool
}

// QueryOption modifies QueryOptions. Options follow the functional
// options pattern so query construction stays declarative.
type QueryOption func(*QueryOptions)

// WithScope sets the query target scope.
func WithScope(scope QueryScope) QueryOption {
	return func(o *QueryOptions) {
		o.Scope = scope
	}
}

// WithClassFilter restricts results to the given classes.
func WithClassFilter(classNames ...string) QueryOption {
	return func(o *QueryOptions) {
		o.ClassFilter = append([]string(nil), classNames...)
	}
}

// WithPropFilter restricts results to objects matching a filter
// expression.
func WithPropFilter(expr FilterExpr) QueryOption {
	return func(o *QueryOptions) {
		o.PropFilter = expr
	}
}

// WithSubtree sets how much of each result's subtree is returned.
func WithSubtree(mode SubtreeMode) QueryOption {
	return func(o *QueryOptions) {
		o.Subtree = mode
	}
}

// WithSubtreeClassFilter restricts returned subtrees to the given
// classes.
func WithSubtreeClassFilter(classNames ...string) QueryOption {
	return func(o *QueryOptions) {
		o.SubtreeClasses = append([]string(nil), classNames...)
	}
}

// WithSubtreeFilter restricts returned subtree objects by a filter
// expression.
func WithSubtreeFilter(expr FilterExpr) QueryOption {
	return func(o *QueryOptions) {
		o.SubtreeFilter = expr
	}
}

// WithSubtreeInclude requests auxiliary subtree content such as
// "faults" or "health".
func WithSubtreeInclude(categories ...string) QueryOption {
	return func(o *QueryOptions) {
		o.SubtreeInclude = append([]string(nil), categories...)
	}
}

// WithPropInclude selects which properties appear on results.
func WithPropInclude(include PropInclude) QueryOption {
	return func(o *QueryOptions) {
		o.Props = include
	}
}

// WithOrderBy sorts results by the given "class.prop" or
// "class.prop|desc" keys.
func WithOrderBy(keys ...string) QueryOption {
	return func(o *QueryOptions) {
		o.OrderBy = append([]string(nil), keys...)
	}
}

// WithPage selects a zero-based result page.
func WithPage(page int) QueryOption {
	return func(o *QueryOptions) {
		o.Page = page
	}
}

// WithPageSize limits the number of results per page.
func WithPageSize(size int) QueryOption {
	return func(o *QueryOptions) {
		o.PageSize = size
	}
}

// WithSubscription requests a subscription on the query so that later
// changes to matching objects arrive on the event channel.
func WithSubscription() QueryOption {
	return func(o *QueryOptions) {
		o.Subscribe = true
	}
}

// values renders the options as URL query parameters.
func (o QueryOptions) values() url.Values {
	v := url.Values{}
	if o.Scope != "" {
		v.Set("query-target", string(o.Scope))
	}
	if len(o.ClassFilter) > 0 {
		v.Set("target-subtree-class", strings.Join(o.ClassFilter, ","))
	}
	if o.PropFilter != nil {
		v.Set("query-target-filter", o.PropFilter.String())
	}
	if o.Subtree != "" {
		v.Set("rsp-subtree", string(o.Subtree))
	}
	if len(o.SubtreeClasses) > 0 {
		v.Set("rsp-subtree-class", strings.Join(o.SubtreeClasses, ","))
	}
	if o.SubtreeFilter != nil {
		v.Set("rsp-subtree-filter", o.SubtreeFilter.String())
	}
	if len(o.SubtreeInclude) > 0 {
		v.Set("rsp-subtree-include", strings.Join(o.SubtreeInclude, ","))
	}
	if o.Props != "" {
		v.Set("rsp-prop-include", string(o.Props))
	}
	if len(o.OrderBy) > 0 {
		v.Set("order-by", strings.Join(o.OrderBy, ","))
	}
	if o.PageSize > 0 {
		v.Set("page", strconv.Itoa(o.Page))
		v.Set("page-size", strconv.Itoa(o.PageSize))
	}
	if o.Subscribe {
		v.Set("subscription", "yes")
	}
	return v
}

func applyQueryOptions(opts []QueryOption) QueryOptions {
	var o QueryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DnQuery reads one object by distinguished name, optionally with its
// children or subtree.
type DnQuery struct {
	Dn      string
	Options QueryOptions
}

// NewDnQuery builds a Dn query.
func NewDnQuery(dn string, opts ...QueryOption) DnQuery {
	return DnQuery{Dn: dn, Options: applyQueryOptions(opts)}
}

// path returns the request path for the query in the given format.
func (q DnQuery) path(format Format) string {
	return fmt.Sprintf("/api/mo/%s.%s", q.Dn, format)
}

func (q DnQuery) values() url.Values {
	return q.Options.values()
}

// ClassQuery reads all instances of a class, controller-wide.
type ClassQuery struct {
	ClassName string
	Options   QueryOptions
}

// NewClassQuery builds a class query.
func NewClassQuery(className string, opts ...QueryOption) ClassQuery {
	return ClassQuery{ClassName: className, Options: applyQueryOptions(opts)}
}

func (q ClassQuery) path(format Format) string {
	return fmt.Sprintf("/api/class/%s.%s", q.ClassName, format)
}

func (q ClassQuery) values() url.Values {
	return q.Options.values()
}

// ConfigRequest collects managed objects for an atomic commit. The
// payload is a single tree rooted at the deepest common ancestor of
// the added objects, with intermediate levels synthesized as needed,
// so the controller applies all changes in one transaction.
type ConfigRequest struct {
	mos []*Mo
}

// NewConfigRequest builds an empty config request.
func NewConfigRequest() *ConfigRequest {
	return &ConfigRequest{}
}

// Add queues an object's pending changes for commit. Adding the same
// object twice is a no-op.
func (r *ConfigRequest) Add(mo *Mo) {
	for _, existing := range r.mos {
		if existing == mo {
			return
		}
	}
	r.mos = append(r.mos, mo)
}

// Remove drops an object from the request. Removing an object that is
// not queued is a no-op; the add order of the rest is preserved.
func (r *ConfigRequest) Remove(mo *Mo) {
	for i, existing := range r.mos {
		if existing == mo {
			r.mos = append(r.mos[:i], r.mos[i+1:]...)
			return
		}
	}
}

// Has reports whether an object is queued in the request.
func (r *ConfigRequest) Has(mo *Mo) bool {
	for _, existing := range r.mos {
		if existing == mo {
			return true
		}
	}
	return false
}

// Mos returns the queued objects in add order.
func (r *ConfigRequest) Mos() []*Mo {
	return append([]*Mo(nil), r.mos...)
}

// RootDn returns the Dn the payload is rooted at: the Dn of a single
// queued object, or the deepest common ancestor of several.
func (r *ConfigRequest) RootDn() (Dn, error) {
	if len(r.mos) == 0 {
		return Dn{}, newError(ErrCommitFailed, "commit", "config request is empty")
	}
	root := r.mos[0].Dn()
	for _, mo := range r.mos[1:] {
		root = root.CommonParent(mo.Dn())
	}
	return root, nil
}

// payloadNode is one element of a commit payload tree. Attributes keep
// insertion order so payloads are deterministic.
type payloadNode struct {
	className string
	attrs     []payloadAttr
	children  []*payloadNode
}

type payloadAttr struct {
	name  string
	value string
}

func (n *payloadNode) setAttr(name, value string) {
	for i := range n.attrs {
		if n.attrs[i].name == name {
			n.attrs[i].value = value
			return
		}
	}
	n.attrs = append(n.attrs, payloadAttr{name: name, value: value})
}

// tree assembles the payload: a node for the common root, synthesized
// pass-through nodes down to each queued object, and the queued
// objects with their pending changes and dirty descendants.
func (r *ConfigRequest) tree(schema *SchemaSet) (*payloadNode, error) {
	rootDn, err := r.RootDn()
	if err != nil {
		return nil, err
	}
	if len(r.mos) == 1 && r.mos[0].Dn().Equal(rootDn) {
		return payloadFromMo(r.mos[0]), nil
	}

	root := &payloadNode{className: className(schema, rootDn)}
	root.setAttr("dn", rootDn.String())
	root.setAttr("status", StatusModified.String())

	for _, mo := range r.mos {
		moDn := mo.Dn()
		if moDn.Equal(rootDn) {
			// The object is the payload root itself.
			p := payloadFromMo(mo)
			for _, attr := range p.attrs {
				root.setAttr(attr.name, attr.value)
			}
			root.children = append(root.children, p.children...)
			continue
		}
		parent := root
		parentDn := rootDn
		// Synthesize nodes for the levels between the root and the
		// object's parent.
		for _, rn := range moDn.rns[rootDn.Depth() : moDn.Depth()-1] {
			var err error
			parentDn, err = parentDn.Child(schema, rn)
			if err != nil {
				return nil, err
			}
			parent = findOrAddChild(parent, rn, parentDn)
		}
		parent.children = append(parent.children, payloadFromMo(mo))
	}
	return root, nil
}

func className(schema *SchemaSet, dn Dn) string {
	if dn.IsRoot() {
		return schema.Root().ClassName
	}
	return dn.ClassName()
}

func findOrAddChild(parent *payloadNode, rn Rn, dn Dn) *payloadNode {
	rnStr := rn.String()
	for _, child := range parent.children {
		for _, attr := range child.attrs {
			if attr.name == "rn" && attr.value == rnStr {
				return child
			}
		}
	}
	node := &payloadNode{className: rn.ClassName()}
	node.setAttr("rn", rnStr)
	node.setAttr("status", StatusModified.String())
	parent.children = append(parent.children, node)
	return node
}

// payloadFromMo renders an object's pending changes: all set
// properties for created objects, dirty properties otherwise, plus the
// status. Dirty descendants are included recursively.
func payloadFromMo(mo *Mo) *payloadNode {
	node := &payloadNode{className: mo.ClassName()}
	node.setAttr("dn", mo.Dn().String())
	if mo.status.Has(StatusDeleted) {
		node.setAttr("status", StatusDeleted.String())
		return node
	}
	if mo.status.Has(StatusCreated) {
		for _, prop := range mo.meta.Props() {
			if v, ok := mo.props[prop.Name]; ok {
				node.setAttr(prop.Name, v)
			}
		}
	} else {
		for _, name := range mo.DirtyProps() {
			node.setAttr(name, mo.props[name])
		}
	}
	status := mo.status
	if status == 0 {
		status = StatusModified
	}
	node.setAttr("status", status.String())
	for _, child := range mo.children {
		if hasPendingChanges(child) {
			node.children = append(node.children, payloadFromMo(child))
		}
	}
	return node
}

// hasPendingChanges reports whether the object or any descendant is
// dirty.
func hasPendingChanges(mo *Mo) bool {
	pending := false
	mo.walk(func(m *Mo) bool {
		if m.IsDirty() {
			pending = true
			return false
		}
		return true
	})
	return pending
}
