// Package commands maps the named data commands of a BenomeDB user graph onto
// pkg/graph.
//
// Handlers run on the queue worker and are the only code that touches the
// graph. Arguments are a loose map as decoded from JSON; records come back in
// the flat "{ns}__{name}" form.
//
//	q := queue.New(opts, commands.Bundle(&commands.Deps{Graph: g, IDs: alloc, Log: log}))
//	rec, err := q.Exec(ctx, commands.AddContext, map[string]any{
//		"parent_id": 1000,
//		"label":     "Work",
//	})
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/benome/benomedb/pkg/graph"
	"github.com/benome/benomedb/pkg/queue"
)

// Command names.
const (
	GetRootContextID  = "get-root-context-id"
	GetIDBlock        = "get-id-block"
	GetLastID         = "get-last-id"
	GetContexts       = "get-contexts"
	AddContext        = "add-context"
	UpdateContext     = "update-context"
	DeleteContext     = "delete-context"
	GetPoints         = "get-points"
	GetPoint          = "get-point"
	AddPoint          = "add-point"
	UpdatePoint       = "update-point"
	DeletePoint       = "delete-point"
	GetAssociations   = "get-associations"
	AddAssociation    = "add-association"
	UpdateAssociation = "update-association"
	DeleteAssociation = "delete-association"
)

// DefaultPointWindow is the get-points interval when none is given.
const DefaultPointWindow = 30 * 24 * time.Hour

// Deps are the worker-owned objects the handlers operate on.
//
// Ids for new contexts and points come from IDs, so they never fall inside a
// block already handed to a client.
type Deps struct {
	Graph *graph.Graph
	IDs   *graph.IDAllocator
	Log   *zap.Logger
	Now   func() time.Time
}

type handlers struct {
	g   *graph.Graph
	ids *graph.IDAllocator
	log *zap.Logger
	now func() time.Time
}

// Bundle returns the data commands bound to d.
func Bundle(d *Deps) queue.Bundle {
	h := &handlers{g: d.Graph, ids: d.IDs, log: d.Log, now: d.Now}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.ids == nil {
		h.ids = graph.NewIDAllocator(h.g, graph.DefaultSanityFloor, graph.DefaultBlockSize)
	}

	return queue.Bundle{
		{Name: GetRootContextID, Handler: h.getRootContextID},
		{Name: GetIDBlock, Mutates: true, Handler: h.getIDBlock},
		{Name: GetLastID, Handler: h.getLastID},
		{Name: GetContexts, Handler: h.getContexts},
		{Name: AddContext, Mutates: true, Handler: h.addContext},
		{Name: UpdateContext, Mutates: true, Handler: h.updateContext},
		{Name: DeleteContext, Mutates: true, Handler: h.deleteContext},
		{Name: GetPoints, Handler: h.getPoints},
		{Name: GetPoint, Handler: h.getPoint},
		{Name: AddPoint, Mutates: true, Handler: h.addPoint},
		{Name: UpdatePoint, Mutates: true, Handler: h.updatePoint},
		{Name: DeletePoint, Mutates: true, Handler: h.deletePoint},
		{Name: GetAssociations, Handler: h.getAssociations},
		{Name: AddAssociation, Mutates: true, Handler: h.addAssociation},
		{Name: UpdateAssociation, Mutates: true, Handler: h.updateAssociation},
		{Name: DeleteAssociation, Mutates: true, Handler: h.deleteAssociation},
	}
}

func (h *handlers) getRootContextID(context.Context, map[string]any) (any, error) {
	return h.g.RootID(), nil
}

func (h *handlers) getIDBlock(ctx context.Context, args map[string]any) (any, error) {
	size, _, err := optInt(args, "block_size")
	if err != nil {
		return nil, err
	}
	begin, end, err := h.ids.Block(ctx, size)
	if err != nil {
		return nil, err
	}
	return IDBlock{Begin: begin, End: end}, nil
}

func (h *handlers) getLastID(ctx context.Context, _ map[string]any) (any, error) {
	return h.ids.LastID(ctx)
}

// scoped returns the graph restricted to root_context_id, or the whole graph
// when the argument is absent or names the graph root.
func (h *handlers) scoped(args map[string]any) (*graph.Graph, error) {
	root, ok, err := optInt(args, "root_context_id")
	if err != nil {
		return nil, err
	}
	if !ok || root == h.g.RootID() {
		return h.g, nil
	}
	return graph.PruneToRoot(h.g, root)
}

// window resolves anchor_time and interval into inclusive [end, anchor]
// bounds. The anchor defaults to now and the interval to def.
func (h *handlers) window(args map[string]any, def time.Duration) (anchor, end int64, err error) {
	anchor, ok, err := optInt(args, "anchor_time")
	if err != nil {
		return 0, 0, err
	}
	if !ok || anchor == 0 {
		anchor = h.now().Unix()
	}
	interval, ok, err := optInt(args, "interval")
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		interval = int64(def / time.Second)
	}
	if interval < 0 {
		return 0, 0, invalid("interval", "must not be negative")
	}
	return anchor, anchor - interval, nil
}

func (h *handlers) getContexts(_ context.Context, args map[string]any) (any, error) {
	g, err := h.scoped(args)
	if err != nil {
		return nil, err
	}
	includeAssoc, err := optBool(args, "include_assoc")
	if err != nil {
		return nil, err
	}
	ids, err := optIDs(args, "context_ids")
	if err != nil {
		return nil, err
	}

	var contexts []*graph.Context
	if len(ids) == 0 {
		contexts = g.Contexts()
	} else {
		for _, id := range ids {
			c, ok := g.Context(id)
			if !ok {
				return nil, fmt.Errorf("%w: context %d", graph.ErrNotFound, id)
			}
			contexts = append(contexts, c)
		}
	}

	out := make([]map[string]any, 0, len(contexts))
	for _, c := range contexts {
		out = append(out, ContextRecord(g, c, includeAssoc))
	}
	return out, nil
}

func (h *handlers) addContext(ctx context.Context, args map[string]any) (any, error) {
	parentID, _, err := optInt(args, "parent_id")
	if err != nil {
		return nil, err
	}
	label, err := optString(args, "label")
	if err != nil {
		return nil, err
	}
	newID, _, err := optInt(args, "new_context_id")
	if err != nil {
		return nil, err
	}
	raw, err := optMap(args, "attributes")
	if err != nil {
		return nil, err
	}
	attrs, err := graph.ParseFlat(raw)
	if err != nil {
		return nil, err
	}
	if ts, ok, err := optInt(args, "timestamp"); err != nil {
		return nil, err
	} else if ok {
		attrs.Set(graph.CoreNamespace, graph.AttrTimestamp, graph.Int(ts))
	}

	if parentID != 0 {
		if _, ok := h.g.Context(parentID); !ok {
			return nil, fmt.Errorf("%w: parent context %d", graph.ErrNotFound, parentID)
		}
	}
	if newID == 0 {
		if newID, err = h.ids.NextID(ctx); err != nil {
			return nil, err
		}
	}
	c, err := h.g.AddContext(ctx, parentID, label, attrs, newID)
	if err != nil {
		return nil, err
	}
	return ContextRecord(h.g, c, false), nil
}

// skippedContextKeys are derived or structural and never stored.
var skippedContextKeys = map[string]bool{
	"recordType": true,
	"ID":         true,
	"Properties": true,
	"attributes": true,
	"adjustDir":  true,
}

func (h *handlers) updateContext(ctx context.Context, args map[string]any) (any, error) {
	id, err := reqInt(args, "context_id")
	if err != nil {
		return nil, err
	}
	raw, err := optMap(args, "attributes")
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		switch v.(type) {
		case []any, map[string]any:
			delete(raw, k)
			continue
		}
		if skippedContextKeys[k] {
			delete(raw, k)
		}
	}
	attrs, err := graph.ParseFlat(raw)
	if err != nil {
		return nil, err
	}
	if err := h.g.UpdateContext(ctx, id, attrs); err != nil {
		return nil, err
	}
	c, _ := h.g.Context(id)
	return ContextRecord(h.g, c, false), nil
}

func (h *handlers) deleteContext(ctx context.Context, args map[string]any) (any, error) {
	id, err := reqInt(args, "context_id")
	if err != nil {
		return nil, err
	}
	if err := h.g.DeleteContext(ctx, id); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *handlers) getPoints(ctx context.Context, args map[string]any) (any, error) {
	g, err := h.scoped(args)
	if err != nil {
		return nil, err
	}
	anchor, end, err := h.window(args, DefaultPointWindow)
	if err != nil {
		return nil, err
	}
	contextIDs, err := optIDs(args, "context_ids")
	if err != nil {
		return nil, err
	}
	namespaces, err := optIDs(args, "namespaces")
	if err != nil {
		return nil, err
	}

	points, err := g.GetPoints(ctx, graph.PointQuery{
		AnchorTime: &anchor,
		EndTime:    &end,
		ContextIDs: contextIDs,
		Namespaces: namespaces,
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(points))
	for _, p := range points {
		out = append(out, p.Record())
	}
	return out, nil
}

func (h *handlers) getPoint(ctx context.Context, args map[string]any) (any, error) {
	id, err := reqInt(args, "point_id")
	if err != nil {
		return nil, err
	}
	p, err := h.g.GetPoint(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Record(), nil
}

func (h *handlers) addPoint(ctx context.Context, args map[string]any) (any, error) {
	data, err := optMap(args, "point_data")
	if err != nil {
		return nil, err
	}
	pointID, _, err := optInt(args, "point_id")
	if err != nil {
		return nil, err
	}
	return h.insertPoint(ctx, data, pointID)
}

func (h *handlers) insertPoint(ctx context.Context, data map[string]any, pointID int64) (any, error) {
	contextKey := graph.FlatKey(graph.CoreNamespace, graph.AttrContextID)
	contextID, ok, err := optInt(data, contextKey)
	if err != nil {
		return nil, err
	}
	if !ok || contextID == 0 {
		return nil, invalid(contextKey, "missing parent context")
	}
	for _, k := range []string{"ID", contextKey, "1__TimeOffset"} {
		delete(data, k)
	}

	attrs, err := graph.ParseFlat(data)
	if err != nil {
		return nil, err
	}
	if _, ok := h.g.Context(contextID); !ok {
		return nil, fmt.Errorf("%w: context %d", graph.ErrNotFound, contextID)
	}
	if pointID == 0 {
		if pointID, err = h.ids.NextID(ctx); err != nil {
			return nil, err
		}
	}
	p, err := h.g.AddPoint(ctx, contextID, attrs, pointID)
	if err != nil {
		return nil, err
	}
	return p.Record(), nil
}

func (h *handlers) updatePoint(ctx context.Context, args map[string]any) (any, error) {
	id, err := reqInt(args, "point_id")
	if err != nil {
		return nil, err
	}
	raw, err := optMap(args, "attributes")
	if err != nil {
		return nil, err
	}
	create, err := optBool(args, "create")
	if err != nil {
		return nil, err
	}
	delete(raw, "ID")

	if create {
		if _, err := h.g.GetPoint(ctx, id); err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			h.log.Info("creating point on update", zap.Int64("point_id", id))
			return h.insertPoint(ctx, raw, id)
		}
	}

	attrs, err := graph.ParseFlat(raw)
	if err != nil {
		return nil, err
	}
	p, err := h.g.UpdatePoint(ctx, id, attrs)
	if err != nil {
		return nil, err
	}
	return p.Record(), nil
}

func (h *handlers) deletePoint(ctx context.Context, args map[string]any) (any, error) {
	id, err := reqInt(args, "point_id")
	if err != nil {
		return nil, err
	}
	if err := h.g.DeletePoint(ctx, id); err != nil {
		return nil, err
	}
	return true, nil
}

// getAssociations lists the structural edges. A context with more than one
// parent is reported and its "up" edges are left out.
func (h *handlers) getAssociations(_ context.Context, args map[string]any) (any, error) {
	g, err := h.scoped(args)
	if err != nil {
		return nil, err
	}

	out := []AssociationRecord{}
	for _, id := range g.ContextIDs() {
		for _, a := range sortByDest(g.OutEdges(id, graph.KeyDown)) {
			out = append(out, associationRecord(id, graph.KeyDown, a.DestID))
		}

		ups := sortByDest(g.OutEdges(id, graph.KeyUp))
		if len(ups) > 1 {
			h.log.Warn("context has more than one parent",
				zap.Int64("context_id", id),
				zap.Int64s("parents", destIDs(ups)))
			continue
		}
		for _, a := range ups {
			out = append(out, associationRecord(id, graph.KeyUp, a.DestID))
		}
	}
	return out, nil
}

func isNotFound(err error) bool { return errors.Is(err, graph.ErrNotFound) }

func sortByDest(edges []*graph.Association) []*graph.Association {
	sort.Slice(edges, func(i, j int) bool { return edges[i].DestID < edges[j].DestID })
	return edges
}

func associationArgs(args map[string]any) (src int64, key string, dest int64, err error) {
	if key, err = reqString(args, "assoc_name"); err != nil {
		return
	}
	if src, err = reqInt(args, "source_context_id"); err != nil {
		return
	}
	dest, err = reqInt(args, "dest_context_id")
	return
}

func (h *handlers) addAssociation(ctx context.Context, args map[string]any) (any, error) {
	src, key, dest, err := associationArgs(args)
	if err != nil {
		return nil, err
	}
	if _, err := h.g.AddAssociation(ctx, src, dest, key); err != nil {
		return nil, err
	}
	return associationRecord(src, key, dest), nil
}

// updateAssociation has nothing to update beyond existence, so it ensures the
// edge is present.
func (h *handlers) updateAssociation(ctx context.Context, args map[string]any) (any, error) {
	src, key, dest, err := associationArgs(args)
	if err != nil {
		return nil, err
	}
	for _, a := range h.g.OutEdges(src, key) {
		if a.DestID == dest {
			return associationRecord(src, key, dest), nil
		}
	}
	if _, err := h.g.AddAssociation(ctx, src, dest, key); err != nil {
		return nil, err
	}
	return associationRecord(src, key, dest), nil
}

func (h *handlers) deleteAssociation(ctx context.Context, args map[string]any) (any, error) {
	id, err := reqString(args, "assoc_id")
	if err != nil {
		return nil, err
	}
	src, key, dest, err := ParseAssociationID(id)
	if err != nil {
		return nil, err
	}
	for _, cid := range []int64{src, dest} {
		if _, ok := h.g.Context(cid); !ok {
			return nil, fmt.Errorf("%w: context %d", graph.ErrNotFound, cid)
		}
	}
	if err := h.g.RemoveAssociation(ctx, src, dest, key); err != nil {
		return nil, err
	}
	return true, nil
}
