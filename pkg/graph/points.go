package graph

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/benome/benomedb/pkg/storage"
)

// Point is a timestamped event assembled from a Point node, its single "up"
// association and its attribute rows. Namespace-less attribute rows are read
// into the core namespace.
type Point struct {
	ID         int64
	ContextID  int64
	Time       int64
	Attributes Attributes
}

// Record renders the point the way commands return it:
// {"ID", "1__ContextID", "1__Time", "{ns}__{name}"...}.
func (p Point) Record() map[string]any {
	out := p.Attributes.Flatten()
	out["ID"] = p.ID
	out[FlatKey(CoreNamespace, AttrContextID)] = p.ContextID
	out[FlatKey(CoreNamespace, AttrTime)] = p.Time
	return out
}

// PointQuery selects points. Nil bounds and empty sets mean "unrestricted".
// Both bounds are inclusive: EndTime <= Time <= AnchorTime.
type PointQuery struct {
	AnchorTime *int64
	EndTime    *int64
	ContextIDs []int64
	Namespaces []int64
}

// AddPoint creates a point under contextID.
//
// Time defaults to now and Duration to 0. EndTime is always recomputed as
// Time + Duration and stored. The node timestamp equals Time.
func (g *Graph) AddPoint(ctx context.Context, contextID int64, attrs Attributes, explicitID int64) (Point, error) {
	if err := g.writable(); err != nil {
		return Point{}, err
	}
	if _, ok := g.contexts[contextID]; !ok {
		return Point{}, fmt.Errorf("%w: context %d", ErrNotFound, contextID)
	}

	attrs = attrs.Clone()
	attrs.Delete(CoreNamespace, AttrContextID)
	attrs.Delete(CoreNamespace, "ID")

	t := g.now().Unix()
	if v, ok := attrs.Get(CoreNamespace, AttrTime); ok {
		i, ok := v.AsInt()
		if !ok {
			return Point{}, fmt.Errorf("%w: Time must be numeric", ErrInvalidArgument)
		}
		t = i
	}
	var d int64
	if v, ok := attrs.Get(CoreNamespace, AttrDuration); ok {
		i, ok := v.AsInt()
		if !ok {
			return Point{}, fmt.Errorf("%w: Duration must be numeric", ErrInvalidArgument)
		}
		d = i
	}
	attrs.Set(CoreNamespace, AttrTime, Int(t))
	attrs.Set(CoreNamespace, AttrDuration, Int(d))
	attrs.Set(CoreNamespace, AttrEndTime, Int(t+d))

	var id int64
	err := g.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.InsertNode(ctx, storage.NodeRow{
			ID:        explicitID,
			UserID:    g.userID,
			Type:      storage.NodePoint,
			Timestamp: t,
		})
		if err != nil {
			return err
		}
		if _, err := tx.InsertAssociation(ctx, storage.AssociationRow{
			UserID: g.userID, SourceID: id, DestID: contextID, Key: KeyUp,
		}); err != nil {
			return err
		}
		for _, row := range attrs.rows(id) {
			if err := tx.InsertAttribute(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		g.log.Warn("add point failed", zap.Int64("context_id", contextID), zap.Error(err))
		return Point{}, wrapStore("add point", err)
	}
	g.invalidate()

	return Point{ID: id, ContextID: contextID, Time: t, Attributes: attrs}, nil
}

// UpdatePoint applies attrs to an existing point.
//
// The owning context is immutable: a ContextID that differs from the current
// one is rejected. When Time or Duration change, EndTime is recomputed.
func (g *Graph) UpdatePoint(ctx context.Context, id int64, attrs Attributes) (Point, error) {
	if err := g.writable(); err != nil {
		return Point{}, err
	}
	cur, err := g.GetPoint(ctx, id)
	if err != nil {
		return Point{}, err
	}

	attrs = attrs.Clone()
	if v, ok := attrs.Get(CoreNamespace, AttrContextID); ok {
		if cid, ok := v.AsInt(); !ok || cid != cur.ContextID {
			return Point{}, fmt.Errorf("%w: point %d belongs to context %d", ErrInvalidArgument, id, cur.ContextID)
		}
		attrs.Delete(CoreNamespace, AttrContextID)
	}
	attrs.Delete(CoreNamespace, "ID")

	t, d := cur.Time, int64(0)
	if v, ok := cur.Attributes.Int(CoreNamespace, AttrDuration); ok {
		d = v
	}
	_, timeSet := attrs.Get(CoreNamespace, AttrTime)
	_, durSet := attrs.Get(CoreNamespace, AttrDuration)
	if timeSet {
		v, ok := attrs.Int(CoreNamespace, AttrTime)
		if !ok {
			return Point{}, fmt.Errorf("%w: Time must be numeric", ErrInvalidArgument)
		}
		t = v
	}
	if durSet {
		v, ok := attrs.Int(CoreNamespace, AttrDuration)
		if !ok {
			return Point{}, fmt.Errorf("%w: Duration must be numeric", ErrInvalidArgument)
		}
		d = v
	}
	if timeSet || durSet {
		attrs.Set(CoreNamespace, AttrTime, Int(t))
		attrs.Set(CoreNamespace, AttrDuration, Int(d))
		attrs.Set(CoreNamespace, AttrEndTime, Int(t+d))
	}

	err = g.store.Update(ctx, func(tx storage.Tx) error {
		if t != cur.Time {
			if err := tx.SetNodeTimestamp(ctx, id, t); err != nil {
				return err
			}
		}
		for _, row := range attrs.rows(id) {
			if err := tx.UpsertAttribute(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		g.log.Warn("update point failed", zap.Int64("point_id", id), zap.Error(err))
		return Point{}, wrapStore("update point", err)
	}
	g.invalidate()

	cur.Time = t
	cur.Attributes = cur.Attributes.Clone()
	cur.Attributes.Merge(attrs)
	return cur, nil
}

// DeletePoint removes a point, its attributes and its association.
func (g *Graph) DeletePoint(ctx context.Context, id int64) error {
	if err := g.writable(); err != nil {
		return err
	}
	err := g.store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeleteNode(ctx, g.userID, id, storage.NodePoint)
	})
	if err != nil {
		return wrapStore(fmt.Sprintf("delete point %d", id), err)
	}
	g.invalidate()
	return nil
}

// GetPoint returns one point with all of its attributes.
func (g *Graph) GetPoint(ctx context.Context, id int64) (Point, error) {
	rows, err := g.store.PointRows(ctx, storage.PointFilter{UserID: g.userID, PointID: id})
	if err != nil {
		return Point{}, fmt.Errorf("get point %d: %w", id, err)
	}
	points := mergePointRows(rows)
	if len(points) == 0 {
		return Point{}, fmt.Errorf("%w: point %d", ErrNotFound, id)
	}
	return points[0], nil
}

// GetPoints returns the points matching q, ordered by time then id. The
// caller owns the returned slice; cached results are copied out.
//
// On a pruned graph an empty context filter means "every context of this
// graph" rather than "every context".
func (g *Graph) GetPoints(ctx context.Context, q PointQuery) ([]Point, error) {
	contexts := q.ContextIDs
	if len(contexts) == 0 && g.scope != nil {
		contexts = g.scope
	}

	var key uint64
	if g.cache != nil {
		key = g.cache.Key("points", map[string]any{
			"anchor":     derefOrNil(q.AnchorTime),
			"end":        derefOrNil(q.EndTime),
			"contexts":   normalizeIDs(contexts),
			"namespaces": normalizeIDs(q.Namespaces),
		})
		if v, ok := g.cache.Get(key); ok {
			if pts, ok := v.([]Point); ok {
				return clonePoints(pts), nil
			}
		}
	}

	rows, err := g.store.PointRows(ctx, storage.PointFilter{
		UserID:     g.userID,
		AnchorTime: q.AnchorTime,
		EndTime:    q.EndTime,
		ContextIDs: contexts,
		Namespaces: q.Namespaces,
	})
	if err != nil {
		return nil, fmt.Errorf("get points: %w", err)
	}
	points := mergePointRows(rows)

	if g.cache != nil {
		g.cache.Put(key, clonePoints(points))
	}
	return points, nil
}

func clonePoints(points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		p.Attributes = p.Attributes.Clone()
		out[i] = p
	}
	return out
}

// mergePointRows folds joined rows sharing a node id into one Point each,
// keeping first-seen order.
func mergePointRows(rows []storage.PointRow) []Point {
	index := make(map[int64]int)
	var out []Point
	for _, r := range rows {
		i, ok := index[r.NodeID]
		if !ok {
			i = len(out)
			index[r.NodeID] = i
			out = append(out, Point{
				ID:         r.NodeID,
				ContextID:  r.ContextID,
				Time:       r.Timestamp,
				Attributes: make(Attributes),
			})
		}
		if !r.HasAttribute {
			continue
		}
		ns := r.Attribute.NamespaceID
		if ns == GlobalNamespace {
			ns = CoreNamespace
		}
		out[i].Attributes.Set(ns, r.Attribute.Name, DecodeValue(r.Attribute.Value, r.Attribute.Properties))
	}
	return out
}

func derefOrNil(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func normalizeIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
