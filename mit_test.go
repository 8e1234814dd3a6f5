// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"fmt"
	"testing"
)

// testTree builds a tree with two tenants, bridge domains and a user:
//
//	uni/tn-a/BD-b1
//	uni/tn-a/BD-b2
//	uni/tn-b/ctx-v1
//	uni/userext/user-john
func testTree(t *testing.T) *Mit {
	t.Helper()
	tree := NewMit(testSchema(t))
	uni, err := tree.Create("polUni", nil)
	if err != nil {
		t.Fatalf("Create(polUni) error: %v", err)
	}
	tnA, err := tree.Create("fvTenant", uni, "a")
	if err != nil {
		t.Fatalf("Create(fvTenant a) error: %v", err)
	}
	if _, err := tree.Create("fvBD", tnA, "b1"); err != nil {
		t.Fatalf("Create(fvBD b1) error: %v", err)
	}
	if _, err := tree.Create("fvBD", tnA, "b2"); err != nil {
		t.Fatalf("Create(fvBD b2) error: %v", err)
	}
	tnB, err := tree.Create("fvTenant", uni, "b")
	if err != nil {
		t.Fatalf("Create(fvTenant b) error: %v", err)
	}
	if _, err := tree.Create("fvCtx", tnB, "v1"); err != nil {
		t.Fatalf("Create(fvCtx v1) error: %v", err)
	}
	userEp, err := tree.Create("aaaUserEp", uni)
	if err != nil {
		t.Fatalf("Create(aaaUserEp) error: %v", err)
	}
	if _, err := tree.Create("aaaUser", userEp, "john"); err != nil {
		t.Fatalf("Create(aaaUser) error: %v", err)
	}
	return tree
}

func dns(mos []*Mo) []string {
	out := make([]string, len(mos))
	for i, mo := range mos {
		out[i] = mo.Dn().String()
	}
	return out
}

// TestMitCreateAndLookup tests index maintenance
func TestMitCreateAndLookup(t *testing.T) {
	tree := testTree(t)

	bd := tree.LookupByDn("uni/tn-a/BD-b1")
	if bd == nil || bd.ClassName() != "fvBD" {
		t.Fatalf("LookupByDn failed: %v", bd)
	}
	if got := tree.LookupByDn("uni/tn-a/BD-b9"); got != nil {
		t.Errorf("LookupByDn(absent) = %v, want nil", got)
	}

	tenants := tree.LookupByClass("fvTenant")
	if got := dns(tenants); len(got) != 2 || got[0] != "uni/tn-a" || got[1] != "uni/tn-b" {
		t.Errorf("LookupByClass(fvTenant) = %v, want insertion order [uni/tn-a uni/tn-b]", got)
	}
}

// TestMitRootDn tests that Dns derived through the tree root start at
// the first real segment
func TestMitRootDn(t *testing.T) {
	tree := NewMit(testSchema(t))

	if !tree.Root().Rn().IsZero() {
		t.Error("root Rn must be zero")
	}
	if got := tree.Root().Dn().String(); got != "" {
		t.Errorf("root Dn = %q, want empty", got)
	}
	uni, err := tree.Create("polUni", nil)
	if err != nil {
		t.Fatalf("Create(polUni) error: %v", err)
	}
	if got := uni.Dn().String(); got != "uni" {
		t.Errorf("Dn under the root = %q, want uni", got)
	}
	tenant, err := tree.Create("fvTenant", uni, "demo")
	if err != nil {
		t.Fatalf("Create(fvTenant) error: %v", err)
	}
	if got := tenant.Dn().String(); got != "uni/tn-demo" {
		t.Errorf("Dn = %q, want uni/tn-demo", got)
	}
	if tree.LookupByDn(tenant.Dn().String()) != tenant {
		t.Error("derived Dn not resolvable through the index")
	}
}

// TestMitCreateErrors tests that failed creates leave the tree intact
func TestMitCreateErrors(t *testing.T) {
	tree := testTree(t)

	if _, err := tree.Create("noSuchClass", nil); !IsCode(err, ErrUnknownClass) {
		t.Errorf("unknown class = %v, want UnknownClass", err)
	}
	tenant := tree.LookupByDn("uni/tn-a")
	if _, err := tree.Create("aaaUser", tenant, "jane"); !IsCode(err, ErrIllegalContainment) {
		t.Errorf("illegal containment = %v, want IllegalContainment", err)
	}
	if got := tree.LookupByDn("uni/tn-a/user-jane"); got != nil {
		t.Error("failed create must not be indexed")
	}
	if len(tenant.Children()) != 2 {
		t.Errorf("child count changed to %d after failed create", len(tenant.Children()))
	}
}

// TestMitRemove tests subtree removal and index cleanup
func TestMitRemove(t *testing.T) {
	tree := testTree(t)

	tree.Remove(tree.LookupByDn("uni/tn-a"))
	if tree.LookupByDn("uni/tn-a") != nil || tree.LookupByDn("uni/tn-a/BD-b1") != nil {
		t.Error("removed subtree still indexed")
	}
	if got := dns(tree.LookupByClass("fvBD")); len(got) != 0 {
		t.Errorf("class index still holds %v", got)
	}
	if got := dns(tree.LookupByClass("fvTenant")); len(got) != 1 || got[0] != "uni/tn-b" {
		t.Errorf("LookupByClass(fvTenant) = %v, want [uni/tn-b]", got)
	}
}

// TestMitQueryDnScopes tests self, children and subtree scopes
func TestMitQueryDnScopes(t *testing.T) {
	tree := testTree(t)

	tests := []struct {
		name  string
		query DnQuery
		want  []string
	}{
		{
			name:  "self",
			query: NewDnQuery("uni/tn-a"),
			want:  []string{"uni/tn-a"},
		},
		{
			name:  "children",
			query: NewDnQuery("uni/tn-a", WithScope(ScopeChildren)),
			want:  []string{"uni/tn-a/BD-b1", "uni/tn-a/BD-b2"},
		},
		{
			name:  "subtree",
			query: NewDnQuery("uni/tn-a", WithScope(ScopeSubtree)),
			want:  []string{"uni/tn-a", "uni/tn-a/BD-b1", "uni/tn-a/BD-b2"},
		},
		{
			name:  "absent anchor",
			query: NewDnQuery("uni/tn-z"),
			want:  nil,
		},
		{
			name:  "subtree class filter",
			query: NewDnQuery("uni", WithScope(ScopeSubtree), WithClassFilter("fvCtx")),
			want:  []string{"uni/tn-b/ctx-v1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mos, err := tree.QueryDn(tt.query)
			if err != nil {
				t.Fatalf("QueryDn() error: %v", err)
			}
			got := dns(mos)
			if len(got) != len(tt.want) {
				t.Fatalf("QueryDn() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("result %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestMitQueryClassChildren tests the class query with children scope
// and a class filter
func TestMitQueryClassChildren(t *testing.T) {
	tree := testTree(t)

	mos, err := tree.QueryClass(NewClassQuery("fvTenant",
		WithScope(ScopeChildren), WithClassFilter("fvBD")))
	if err != nil {
		t.Fatalf("QueryClass() error: %v", err)
	}
	got := dns(mos)
	want := []string{"uni/tn-a/BD-b1", "uni/tn-a/BD-b2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("QueryClass() = %v, want %v in insertion order", got, want)
	}
}

// TestMitQueryPropFilter tests filter evaluation during queries
func TestMitQueryPropFilter(t *testing.T) {
	tree := testTree(t)
	if err := tree.LookupByDn("uni/tn-a/BD-b1").SetProp("arpFlood", "yes"); err != nil {
		t.Fatalf("SetProp() error: %v", err)
	}

	mos, err := tree.QueryClass(NewClassQuery("fvBD",
		WithPropFilter(Eq("fvBD", "arpFlood", "yes"))))
	if err != nil {
		t.Fatalf("QueryClass() error: %v", err)
	}
	if got := dns(mos); len(got) != 1 || got[0] != "uni/tn-a/BD-b1" {
		t.Errorf("filtered query = %v, want [uni/tn-a/BD-b1]", got)
	}
}

// TestMitQueryOrderBy tests sorting, including numeric comparison
func TestMitQueryOrderBy(t *testing.T) {
	tree := testTree(t)
	if err := tree.LookupByDn("uni/tn-a/BD-b1").SetProp("mtu", "9000"); err != nil {
		t.Fatalf("SetProp() error: %v", err)
	}
	if err := tree.LookupByDn("uni/tn-a/BD-b2").SetProp("mtu", "1400"); err != nil {
		t.Fatalf("SetProp() error: %v", err)
	}

	mos, err := tree.QueryClass(NewClassQuery("fvBD", WithOrderBy("fvBD.mtu")))
	if err != nil {
		t.Fatalf("QueryClass() error: %v", err)
	}
	if got := dns(mos); got[0] != "uni/tn-a/BD-b2" || got[1] != "uni/tn-a/BD-b1" {
		t.Errorf("ascending order = %v, want numeric [1400 9000]", got)
	}

	mos, err = tree.QueryClass(NewClassQuery("fvBD", WithOrderBy("fvBD.mtu|desc")))
	if err != nil {
		t.Fatalf("QueryClass() error: %v", err)
	}
	if got := dns(mos); got[0] != "uni/tn-a/BD-b1" {
		t.Errorf("descending order = %v, want b1 first", got)
	}

	if _, err := tree.QueryClass(NewClassQuery("fvBD", WithOrderBy("mtu"))); !IsCode(err, ErrQueryFailed) {
		t.Errorf("bad order-by key = %v, want QueryFailed", err)
	}
}

// TestMitQueryPaging tests page slicing
func TestMitQueryPaging(t *testing.T) {
	tree := testTree(t)
	tenant := tree.LookupByDn("uni/tn-a")
	for i := 3; i <= 5; i++ {
		if _, err := tree.Create("fvBD", tenant, fmt.Sprintf("b%d", i)); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	page0, err := tree.QueryClass(NewClassQuery("fvBD", WithPageSize(2)))
	if err != nil {
		t.Fatalf("QueryClass() error: %v", err)
	}
	if got := dns(page0); len(got) != 2 || got[0] != "uni/tn-a/BD-b1" {
		t.Errorf("page 0 = %v, want first two", got)
	}

	page2, err := tree.QueryClass(NewClassQuery("fvBD", WithPage(2), WithPageSize(2)))
	if err != nil {
		t.Fatalf("QueryClass() error: %v", err)
	}
	if got := dns(page2); len(got) != 1 || got[0] != "uni/tn-a/BD-b5" {
		t.Errorf("page 2 = %v, want [uni/tn-a/BD-b5]", got)
	}

	beyond, err := tree.QueryClass(NewClassQuery("fvBD", WithPage(9), WithPageSize(2)))
	if err != nil {
		t.Fatalf("QueryClass() error: %v", err)
	}
	if len(beyond) != 0 {
		t.Errorf("page beyond end = %v, want empty", dns(beyond))
	}
}

// TestMitMerge tests integrating decoded response objects
func TestMitMerge(t *testing.T) {
	schema := testSchema(t)
	tree := NewMit(schema)

	tenantMeta, _ := schema.Class("fvTenant")
	parentDn, _ := ParseDn(schema, "uni")
	orphan, err := NewOrphanMo(tenantMeta, parentDn, "a")
	if err != nil {
		t.Fatalf("NewOrphanMo() error: %v", err)
	}
	orphan.setRemoteProp("descr", "merged")

	merged, err := tree.Merge([]*Mo{orphan})
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("Merge() returned %d objects, want 1", len(merged))
	}

	attached := tree.LookupByDn("uni/tn-a")
	if attached == nil {
		t.Fatal("merged object not indexed")
	}
	if attached.Prop("descr") != "merged" {
		t.Errorf("Prop(descr) = %q, want merged", attached.Prop("descr"))
	}
	if attached.IsDirty() {
		t.Error("merged objects must be marked in sync")
	}
	// ancestor materialized
	if uni := tree.LookupByDn("uni"); uni == nil || uni.ClassName() != "polUni" {
		t.Error("intermediate polUni not materialized")
	}

	// second merge overlays onto the same node
	update, _ := NewOrphanMo(tenantMeta, parentDn, "a")
	update.setRemoteProp("descr", "updated")
	merged, err = tree.Merge([]*Mo{update})
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if merged[0] != attached {
		t.Error("merge must reuse the existing node")
	}
	if attached.Prop("descr") != "updated" {
		t.Errorf("Prop(descr) = %q, want updated", attached.Prop("descr"))
	}
}

// TestMitApplyCommit tests post-commit reconciliation
func TestMitApplyCommit(t *testing.T) {
	tree := testTree(t)
	bd := tree.LookupByDn("uni/tn-a/BD-b1")
	victim := tree.LookupByDn("uni/tn-a/BD-b2")
	if err := victim.Delete(); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	req := NewConfigRequest()
	req.Add(bd)
	req.Add(victim)
	tree.applyCommit(req)

	if bd.IsDirty() {
		t.Error("committed object must be in sync")
	}
	if tree.LookupByDn("uni/tn-a/BD-b2") != nil {
		t.Error("committed delete must detach the object")
	}
}
