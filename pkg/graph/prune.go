package graph

import "fmt"

// PruneToRoot returns the downward closure of rootID as a new, read-only
// Graph.
//
// The vertex set is rootID plus every context reachable from it over "down"
// edges. Contexts are shallow clones: Attributes are shared with g, while
// Metadata and the association indexes are fresh. Every association with
// both endpoints inside the vertex set is kept as the same *Association
// value, except a "down" edge into the root and an "up" edge out of it,
// which only exist to link the root to its former parent.
//
// g is not modified. Points queried through the result default to the
// result's own contexts.
func PruneToRoot(g *Graph, rootID int64) (*Graph, error) {
	vertices := g.downClosure(rootID)
	if len(vertices) == 0 {
		return nil, fmt.Errorf("%w: context %d", ErrNotFound, rootID)
	}

	p := &Graph{
		userID:       g.userID,
		rootID:       rootID,
		namespaces:   g.namespaces,
		strict:       g.strict,
		contexts:     make(map[int64]*Context, len(vertices)),
		associations: make(map[int64]*Association),
		store:        g.store,
		log:          g.log,
		now:          g.now,
		readOnly:     true,
		scope:        vertices,
	}

	for _, id := range vertices {
		src := g.contexts[id]
		c := newContext(src.ID, src.Label, src.Timestamp, src.Attributes)
		p.contexts[id] = c
	}

	for _, id := range vertices {
		for _, aid := range g.contexts[id].Out() {
			a := g.associations[aid]
			if _, ok := p.contexts[a.DestID]; !ok {
				continue
			}
			if a.DestID == rootID && a.Key == KeyDown {
				continue
			}
			if a.SourceID == rootID && a.Key == KeyUp {
				continue
			}
			_ = p.attach(a)
		}
	}
	return p, nil
}
