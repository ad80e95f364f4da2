package registry

import (
	"strings"

	"github.com/weftworks/weft/internal/match"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/node"
)

// NodeOwnsCollection reports whether the node advertises a collection
// matching the requested model class: exact, basename, or
// singular/plural forms all count.
func NodeOwnsCollection(e *node.Entry, modelClass string) bool {
	if e == nil {
		return false
	}
	requested := strings.TrimSpace(modelClass)
	if requested == "" {
		return false
	}
	requestedBase := model.CollectionBasename(requested)

	rec := e.Record()
	for _, ref := range rec.Collections {
		if match.Matches(ref.Name, requested) || match.Matches(ref.Basename(), requestedBase) {
			return true
		}
	}
	return false
}

func classKey(modelClass string) string {
	return strings.ToLower(strings.TrimSpace(modelClass))
}

// NodesForCollection returns every active healthy node owning the model
// class, registration-ordered. The owner ID list is cached per class
// (negative results included) and dropped on any fleet mutation.
func (r *Registry) NodesForCollection(modelClass string) []*node.Entry {
	key := classKey(modelClass)
	if key == "" {
		return nil
	}

	if ids, ok := r.routes.Get(key); ok {
		return r.resolveOwners(ids)
	}

	var owners []*node.Entry
	ids := []string{}
	for _, e := range r.ActiveNodes() {
		if NodeOwnsCollection(e, modelClass) {
			owners = append(owners, e)
			ids = append(ids, e.ID())
		}
	}
	r.routes.Set(key, ids, r.activeTTL())
	return owners
}

// resolveOwners maps cached IDs back to live entries, dropping nodes
// that disappeared. Availability is re-checked by callers per decision.
func (r *Registry) resolveOwners(ids []string) []*node.Entry {
	if len(ids) == 0 {
		return nil
	}
	owners := make([]*node.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.nodes.Load(id); ok {
			owners = append(owners, e)
		}
	}
	return owners
}

// FindNodeForCollection returns the first active node owning the model
// class, nil when no node does.
func (r *Registry) FindNodeForCollection(modelClass string) *node.Entry {
	owners := r.NodesForCollection(modelClass)
	if len(owners) == 0 {
		return nil
	}
	return owners[0]
}

// AlternatesForCollection returns the class owners excluding one node,
// for failover after that node failed.
func (r *Registry) AlternatesForCollection(modelClass, excludeID string) []*node.Entry {
	owners := r.NodesForCollection(modelClass)
	if len(owners) == 0 {
		return nil
	}
	out := make([]*node.Entry, 0, len(owners))
	for _, e := range owners {
		if e.ID() != excludeID {
			out = append(out, e)
		}
	}
	return out
}
