package registry

import (
	"context"
	"testing"

	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/node"
)

func entryWithCollections(names ...string) *node.Entry {
	refs := make([]model.CollectionRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, model.CollectionRef{Name: n})
	}
	return node.NewEntry(model.Node{
		ID: "n1", Slug: "n1", Name: "N1",
		Status: model.NodeStatusActive, Collections: refs,
	})
}

func TestNodeOwnsCollection(t *testing.T) {
	e := entryWithCollections(`App\Models\Invoice`, "Customer")

	cases := []struct {
		class string
		want  bool
	}{
		{`App\Models\Invoice`, true}, // exact namespaced
		{"Invoice", true},            // basename
		{"invoice", true},            // case folded
		{"invoices", true},           // plural
		{"Customer", true},
		{"customers", true},
		{"Payment", false},
		{"", false},
		{"   ", false},
	}
	for _, tc := range cases {
		if got := NodeOwnsCollection(e, tc.class); got != tc.want {
			t.Errorf("NodeOwnsCollection(%q) = %v, want %v", tc.class, got, tc.want)
		}
	}

	if NodeOwnsCollection(nil, "Invoice") {
		t.Error("nil entry owns nothing")
	}
}

func registerOwner(t *testing.T, h *testHarness, name string, collections ...string) *node.Entry {
	t.Helper()
	refs := make([]model.CollectionRef, 0, len(collections))
	for _, c := range collections {
		refs = append(refs, model.CollectionRef{Name: c})
	}
	entry, err := h.reg.Register(context.Background(), model.Node{
		Name: name, BaseURL: "http://" + Slugify(name), Collections: refs,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return entry
}

func TestNodesForCollection(t *testing.T) {
	h := newHarness(t, nil)

	a := registerOwner(t, h, "Alpha", `App\Models\Invoice`)
	b := registerOwner(t, h, "Beta", `App\Models\Invoice`, "Customer")
	registerOwner(t, h, "Gamma", "Order")

	owners := h.reg.NodesForCollection("invoices")
	if len(owners) != 2 {
		t.Fatalf("owners = %d, want 2", len(owners))
	}
	if owners[0].ID() != a.ID() || owners[1].ID() != b.ID() {
		t.Errorf("owner order = %s, %s", owners[0].Slug(), owners[1].Slug())
	}

	if found := h.reg.FindNodeForCollection("Invoice"); found == nil || found.ID() != a.ID() {
		t.Error("FindNodeForCollection should return the first owner")
	}

	alts := h.reg.AlternatesForCollection("Invoice", a.ID())
	if len(alts) != 1 || alts[0].ID() != b.ID() {
		t.Errorf("alternates = %d", len(alts))
	}

	if owners := h.reg.NodesForCollection("Unknown"); len(owners) != 0 {
		t.Errorf("unknown collection owners = %d", len(owners))
	}
	if found := h.reg.FindNodeForCollection("Unknown"); found != nil {
		t.Error("unknown collection should have no owner")
	}
}

func TestNodesForCollection_RouteInvalidation(t *testing.T) {
	h := newHarness(t, nil)

	// Negative result is cached until the pool changes.
	if owners := h.reg.NodesForCollection("Invoice"); len(owners) != 0 {
		t.Fatalf("owners before register = %d", len(owners))
	}

	registerOwner(t, h, "Alpha", "Invoice")
	if owners := h.reg.NodesForCollection("Invoice"); len(owners) != 1 {
		t.Fatalf("owners after register = %d, want 1", len(owners))
	}
}

func TestNodesForCollection_SkipsUnhealthy(t *testing.T) {
	h := newHarness(t, nil)

	a := registerOwner(t, h, "Alpha", "Invoice")
	registerOwner(t, h, "Beta", "Invoice")

	if err := h.reg.UpdateStatus(a.ID(), model.NodeStatusInactive); err != nil {
		t.Fatalf("update status: %v", err)
	}
	owners := h.reg.NodesForCollection("Invoice")
	if len(owners) != 1 || owners[0].Slug() != "beta" {
		t.Fatalf("owners = %d, want only beta", len(owners))
	}
}
