package service

import (
	"context"
	"testing"

	"github.com/weftworks/weft/internal/auth"
	"github.com/weftworks/weft/internal/model"
)

func createChildNode(t *testing.T, h *cpHarness, name, baseURL string) *NodeSummary {
	t.Helper()
	ns, err := h.cp.CreateNode(context.Background(), CreateNodeRequest{
		Name:    strPtr(name),
		BaseURL: strPtr(baseURL),
	})
	if err != nil {
		t.Fatalf("CreateNode(%s): %v", name, err)
	}
	return ns
}

func TestCreateNode_PersistsAndListable(t *testing.T) {
	h := newCPHarness(t)

	ns, err := h.cp.CreateNode(context.Background(), CreateNodeRequest{
		Name:        strPtr("Ledger Node"),
		BaseURL:     strPtr("http://ledger.internal:9000/"),
		Description: strPtr("invoices and payments"),
		Weight:      intPtr(3),
		Keywords:    []string{"invoice", "payment"},
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if ns.Slug != "ledger-node" {
		t.Fatalf("slug = %q, want ledger-node", ns.Slug)
	}
	if ns.Type != model.NodeTypeChild {
		t.Fatalf("type = %q, want child by default", ns.Type)
	}
	if ns.BaseURL != "http://ledger.internal:9000" {
		t.Fatalf("base_url = %q, want trailing slash trimmed", ns.BaseURL)
	}
	if ns.Status != model.NodeStatusActive || ns.Weight != 3 {
		t.Fatalf("status/weight = %s/%d, want active/3", ns.Status, ns.Weight)
	}

	listed, err := h.cp.ListNodes(NodeFilters{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != ns.ID {
		t.Fatalf("ListNodes = %+v, want the created node", listed)
	}

	// The record must land in the state store, sans credentials in the
	// summary itself.
	persisted, err := h.engine.GetNode(ns.ID)
	if err != nil {
		t.Fatalf("GetNode from state: %v", err)
	}
	if persisted.Slug != "ledger-node" || persisted.APIKey == "" {
		t.Fatalf("persisted record incomplete: %+v", persisted)
	}
}

func TestCreateNode_Validation(t *testing.T) {
	h := newCPHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateNodeRequest
	}{
		{"missing name", CreateNodeRequest{BaseURL: strPtr("http://x")}},
		{"blank name", CreateNodeRequest{Name: strPtr("   "), BaseURL: strPtr("http://x")}},
		{"child without base_url", CreateNodeRequest{Name: strPtr("Orphan")}},
		{"relative base_url", CreateNodeRequest{Name: strPtr("Rel"), BaseURL: strPtr("ledger:9000")}},
		{"bad type", CreateNodeRequest{Name: strPtr("T"), BaseURL: strPtr("http://x"), Type: strPtr("edge")}},
		{"zero weight", CreateNodeRequest{Name: strPtr("W"), BaseURL: strPtr("http://x"), Weight: intPtr(0)}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.cp.CreateNode(ctx, tt.req)
			if serviceCode(t, err) != "INVALID_ARGUMENT" {
				t.Fatalf("CreateNode = %v, want INVALID_ARGUMENT", err)
			}
		})
	}
}

func TestCreateNode_DuplicateSlugConflict(t *testing.T) {
	h := newCPHarness(t)

	createChildNode(t, h, "Ledger", "http://a.internal:9000")
	_, err := h.cp.CreateNode(context.Background(), CreateNodeRequest{
		Name:    strPtr("ledger"),
		BaseURL: strPtr("http://b.internal:9000"),
	})
	if serviceCode(t, err) != "CONFLICT" {
		t.Fatalf("duplicate CreateNode = %v, want CONFLICT", err)
	}
}

func TestGetNode_ByIDAndSlug(t *testing.T) {
	h := newCPHarness(t)
	created := createChildNode(t, h, "Ledger", "http://ledger.internal:9000")

	byID, err := h.cp.GetNode(created.ID)
	if err != nil {
		t.Fatalf("GetNode by id: %v", err)
	}
	bySlug, err := h.cp.GetNode("ledger")
	if err != nil {
		t.Fatalf("GetNode by slug: %v", err)
	}
	if byID.ID != bySlug.ID {
		t.Fatalf("id lookup and slug lookup disagree: %q vs %q", byID.ID, bySlug.ID)
	}

	if _, err := h.cp.GetNode("missing"); serviceCode(t, err) != "NOT_FOUND" {
		t.Fatalf("GetNode(missing) = %v, want NOT_FOUND", err)
	}
}

func TestUpdateNode_PatchesFields(t *testing.T) {
	h := newCPHarness(t)
	created := createChildNode(t, h, "Ledger", "http://ledger.internal:9000")

	updated, err := h.cp.UpdateNode(created.ID, []byte(`{
		"name": "Ledger Prime",
		"weight": 5,
		"keywords": ["invoice", "vat"],
		"description": "  primary ledger  "
	}`))
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	if updated.Name != "Ledger Prime" || updated.Weight != 5 {
		t.Fatalf("name/weight = %s/%d, want Ledger Prime/5", updated.Name, updated.Weight)
	}
	if updated.Slug != "ledger" {
		t.Fatalf("slug changed to %q, must stay immutable", updated.Slug)
	}
	if updated.Description != "primary ledger" {
		t.Fatalf("description = %q, want trimmed", updated.Description)
	}
	if len(updated.Keywords) != 2 || updated.Keywords[1] != "vat" {
		t.Fatalf("keywords = %v, want [invoice vat]", updated.Keywords)
	}

	// Survives a state round trip.
	persisted, err := h.engine.GetNode(created.ID)
	if err != nil {
		t.Fatalf("GetNode from state: %v", err)
	}
	if persisted.Name != "Ledger Prime" || persisted.Weight != 5 {
		t.Fatalf("persisted record not updated: %+v", persisted)
	}
}

func TestUpdateNode_RejectsBadPatches(t *testing.T) {
	h := newCPHarness(t)
	created := createChildNode(t, h, "Ledger", "http://ledger.internal:9000")

	cases := []struct {
		name string
		body string
	}{
		{"immutable slug", `{"slug":"other"}`},
		{"unknown field", `{"api_key":"mine-now"}`},
		{"null value", `{"name":null}`},
		{"empty patch", `{}`},
		{"blank name", `{"name":"  "}`},
		{"fractional weight", `{"weight":1.5}`},
		{"bad status", `{"status":"degraded"}`},
		{"child blank base_url", `{"base_url":""}`},
		{"relative base_url", `{"base_url":"ledger:9000"}`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.cp.UpdateNode(created.ID, []byte(tt.body))
			if serviceCode(t, err) != "INVALID_ARGUMENT" {
				t.Fatalf("UpdateNode(%s) = %v, want INVALID_ARGUMENT", tt.body, err)
			}
		})
	}

	if _, err := h.cp.UpdateNode("missing", []byte(`{"weight":2}`)); serviceCode(t, err) != "NOT_FOUND" {
		t.Fatalf("UpdateNode(missing) = %v, want NOT_FOUND", err)
	}
}

func TestUpdateNode_StatusTransition(t *testing.T) {
	h := newCPHarness(t)
	created := createChildNode(t, h, "Ledger", "http://ledger.internal:9000")

	updated, err := h.cp.UpdateNode(created.Slug, []byte(`{"status":"inactive"}`))
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if updated.Status != model.NodeStatusInactive {
		t.Fatalf("status = %s, want inactive", updated.Status)
	}

	entry, ok := h.reg.Get(created.ID)
	if !ok {
		t.Fatal("node vanished from registry")
	}
	if entry.Status() != model.NodeStatusInactive {
		t.Fatalf("registry status = %s, want inactive", entry.Status())
	}
}

func TestDeleteNode_RemovesEverywhere(t *testing.T) {
	h := newCPHarness(t)
	created := createChildNode(t, h, "Ledger", "http://ledger.internal:9000")

	if err := h.cp.DeleteNode(created.Slug); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := h.cp.GetNode(created.ID); serviceCode(t, err) != "NOT_FOUND" {
		t.Fatalf("GetNode after delete = %v, want NOT_FOUND", err)
	}
	if h.reg.Size() != 0 {
		t.Fatalf("registry size = %d, want 0", h.reg.Size())
	}
	if _, err := h.engine.GetNode(created.ID); err == nil {
		t.Fatal("state store still has the deleted node")
	}

	if err := h.cp.DeleteNode(created.ID); serviceCode(t, err) != "NOT_FOUND" {
		t.Fatal("second delete should be NOT_FOUND")
	}
}

func TestListNodes_Filters(t *testing.T) {
	h := newCPHarness(t)
	ctx := context.Background()

	if _, err := h.cp.CreateNode(ctx, CreateNodeRequest{
		Name:     strPtr("Ledger"),
		BaseURL:  strPtr("http://ledger.internal:9000"),
		Keywords: []string{"invoice"},
	}); err != nil {
		t.Fatalf("CreateNode ledger: %v", err)
	}
	if _, err := h.cp.CreateNode(ctx, CreateNodeRequest{
		Name:    strPtr("Archive"),
		BaseURL: strPtr("http://archive.internal:9000"),
	}); err != nil {
		t.Fatalf("CreateNode archive: %v", err)
	}
	if _, err := h.cp.UpdateNode("archive", []byte(`{"status":"inactive"}`)); err != nil {
		t.Fatalf("UpdateNode archive: %v", err)
	}
	// Give the ledger node a collection so the collection filter bites.
	if _, err := h.reg.Apply(mustNodeID(t, h, "ledger"), func(n *model.Node) {
		n.Collections = []model.CollectionRef{{Name: "App\\Models\\Invoice"}}
	}); err != nil {
		t.Fatalf("Apply collections: %v", err)
	}

	active, err := h.cp.ListNodes(NodeFilters{Status: strPtr("active")})
	if err != nil {
		t.Fatalf("ListNodes status filter: %v", err)
	}
	if len(active) != 1 || active[0].Slug != "ledger" {
		t.Fatalf("status=active returned %+v, want just ledger", active)
	}

	byCollection, err := h.cp.ListNodes(NodeFilters{Collection: strPtr("invoice")})
	if err != nil {
		t.Fatalf("ListNodes collection filter: %v", err)
	}
	if len(byCollection) != 1 || byCollection[0].Slug != "ledger" {
		t.Fatalf("collection=invoice returned %+v, want just ledger", byCollection)
	}

	byKeyword, err := h.cp.ListNodes(NodeFilters{Keyword: strPtr("ARCH")})
	if err != nil {
		t.Fatalf("ListNodes keyword filter: %v", err)
	}
	if len(byKeyword) != 1 || byKeyword[0].Slug != "archive" {
		t.Fatalf("keyword=ARCH returned %+v, want just archive", byKeyword)
	}

	all, err := h.cp.ListNodes(NodeFilters{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(all) != 2 || all[0].Slug != "archive" || all[1].Slug != "ledger" {
		t.Fatalf("unfiltered list not sorted by slug: %+v", all)
	}
}

func mustNodeID(t *testing.T, h *cpHarness, slug string) string {
	t.Helper()
	entry, ok := h.reg.GetBySlug(slug)
	if !ok {
		t.Fatalf("node %q not in registry", slug)
	}
	return entry.ID()
}

func TestIssueNodeToken_GrantRoundTrip(t *testing.T) {
	h := newCPHarness(t)
	created := createChildNode(t, h, "Ledger", "http://ledger.internal:9000")

	grant, err := h.cp.IssueNodeToken(created.Slug)
	if err != nil {
		t.Fatalf("IssueNodeToken: %v", err)
	}
	if grant.TokenType != "Bearer" || grant.AccessToken == "" || grant.RefreshToken == "" {
		t.Fatalf("incomplete grant: %+v", grant)
	}

	claims := h.cp.Auth.ValidateToken(grant.AccessToken)
	if claims == nil {
		t.Fatal("issued access token failed validation")
	}
	if claims.NodeID() != created.ID {
		t.Fatalf("token subject = %q, want %q", claims.NodeID(), created.ID)
	}

	refreshed := h.cp.Auth.RefreshAccessToken(grant.RefreshToken)
	if refreshed == nil {
		t.Fatal("refresh token exchange failed")
	}

	if err := h.cp.RevokeNodeToken(created.ID); err != nil {
		t.Fatalf("RevokeNodeToken: %v", err)
	}
	if h.cp.Auth.RefreshAccessToken(grant.RefreshToken) != nil {
		t.Fatal("refresh token still accepted after revoke")
	}
}

func TestIssueNodeToken_NoSignerConflict(t *testing.T) {
	h := newCPHarness(t)
	created := createChildNode(t, h, "Ledger", "http://ledger.internal:9000")

	h.cp.Auth = auth.NewService(nil, h.reg, "weft-master", "weft-fabric", h.runtimeCfg)
	_, err := h.cp.IssueNodeToken(created.ID)
	if serviceCode(t, err) != "CONFLICT" {
		t.Fatalf("IssueNodeToken without signer = %v, want CONFLICT", err)
	}
}
