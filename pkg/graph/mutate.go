package graph

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/benome/benomedb/pkg/storage"
)

// wrapStore maps storage sentinels onto graph sentinels while keeping the
// original error in the chain.
func wrapStore(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrDuplicateID):
		return fmt.Errorf("%s: %w: %w", op, ErrDuplicateID, err)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (g *Graph) writable() error {
	if g.readOnly {
		return ErrReadOnly
	}
	return nil
}

// AddContext creates a context under parentID (0 for none) and returns it.
//
// A non-zero explicitID is used as the node id; it fails with ErrDuplicateID
// when taken. The node timestamp comes from the core Timestamp attribute and
// defaults to now. Both structural edges to the parent are written in the
// same transaction as the node.
func (g *Graph) AddContext(ctx context.Context, parentID int64, label string, attrs Attributes, explicitID int64) (*Context, error) {
	if err := g.writable(); err != nil {
		return nil, err
	}
	if parentID != 0 {
		if _, ok := g.contexts[parentID]; !ok {
			return nil, fmt.Errorf("%w: parent context %d", ErrNotFound, parentID)
		}
	}
	if explicitID != 0 {
		if _, ok := g.contexts[explicitID]; ok {
			return nil, fmt.Errorf("%w: context %d", ErrDuplicateID, explicitID)
		}
	}

	attrs = attrs.Clone()
	if label == "" {
		if v, ok := attrs.Get(CoreNamespace, AttrLabel); ok {
			label = v.Text()
		}
	}
	ts := g.now().Unix()
	if v, ok := attrs.Int(CoreNamespace, AttrTimestamp); ok {
		ts = v
	}
	attrs.Delete(CoreNamespace, AttrLabel)
	attrs.Delete(CoreNamespace, AttrTimestamp)

	var (
		id     int64
		upID   int64
		downID int64
	)
	err := g.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.InsertNode(ctx, storage.NodeRow{
			ID:        explicitID,
			UserID:    g.userID,
			Type:      storage.NodeContext,
			Label:     label,
			Timestamp: ts,
		})
		if err != nil {
			return err
		}
		if parentID != 0 {
			upID, err = tx.InsertAssociation(ctx, storage.AssociationRow{
				UserID: g.userID, SourceID: id, DestID: parentID, Key: KeyUp,
			})
			if err != nil {
				return err
			}
			downID, err = tx.InsertAssociation(ctx, storage.AssociationRow{
				UserID: g.userID, SourceID: parentID, DestID: id, Key: KeyDown,
			})
			if err != nil {
				return err
			}
		}
		for _, row := range attrs.rows(id) {
			if err := tx.InsertAttribute(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		g.log.Warn("add context failed", zap.Int64("parent_id", parentID), zap.Error(err))
		return nil, wrapStore("add context", err)
	}

	c := newContext(id, label, ts, attrs.Visible(g.namespaces))
	g.contexts[id] = c
	if parentID != 0 {
		ns := storage.DefaultNamespace
		_ = g.attach(&Association{ID: upID, SourceID: id, DestID: parentID, Key: KeyUp, NamespaceID: ns})
		_ = g.attach(&Association{ID: downID, SourceID: parentID, DestID: id, Key: KeyDown, NamespaceID: ns})
	}
	g.invalidate()

	g.log.Debug("context added", zap.Int64("context_id", id), zap.Int64("parent_id", parentID))
	return c, nil
}

// UpdateContext applies attrs to an existing context. The core Label and
// Timestamp go to the node row, everything else is upserted.
func (g *Graph) UpdateContext(ctx context.Context, id int64, attrs Attributes) error {
	if err := g.writable(); err != nil {
		return err
	}
	c, ok := g.contexts[id]
	if !ok {
		return fmt.Errorf("%w: context %d", ErrNotFound, id)
	}

	attrs = attrs.Clone()
	label, setLabel := attrs.Get(CoreNamespace, AttrLabel)
	ts, setTS := attrs.Int(CoreNamespace, AttrTimestamp)
	if _, present := attrs.Get(CoreNamespace, AttrTimestamp); present && !setTS {
		return fmt.Errorf("%w: Timestamp must be numeric", ErrInvalidArgument)
	}
	attrs.Delete(CoreNamespace, AttrLabel)
	attrs.Delete(CoreNamespace, AttrTimestamp)

	err := g.store.Update(ctx, func(tx storage.Tx) error {
		if setLabel {
			if err := tx.SetNodeLabel(ctx, id, label.Text()); err != nil {
				return err
			}
		}
		if setTS {
			if err := tx.SetNodeTimestamp(ctx, id, ts); err != nil {
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
		g.log.Warn("update context failed", zap.Int64("context_id", id), zap.Error(err))
		return wrapStore("update context", err)
	}

	if setLabel {
		c.Label = label.Text()
	}
	if setTS {
		c.Timestamp = ts
	}
	c.Attributes.Merge(attrs.Visible(g.namespaces))
	g.invalidate()
	return nil
}

// DeleteContext removes a context and every association touching it. The
// root cannot be deleted.
func (g *Graph) DeleteContext(ctx context.Context, id int64) error {
	if err := g.writable(); err != nil {
		return err
	}
	c, ok := g.contexts[id]
	if !ok {
		return fmt.Errorf("%w: context %d", ErrNotFound, id)
	}
	if id == g.rootID {
		return fmt.Errorf("%w: cannot delete root context %d", ErrInvalidArgument, id)
	}

	err := g.store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeleteNode(ctx, g.userID, id, storage.NodeContext)
	})
	if err != nil {
		g.log.Warn("delete context failed", zap.Int64("context_id", id), zap.Error(err))
		return wrapStore("delete context", err)
	}

	for _, aid := range c.Out() {
		g.detach(aid)
	}
	for _, aid := range c.In() {
		g.detach(aid)
	}
	delete(g.contexts, id)
	g.invalidate()

	g.log.Debug("context deleted", zap.Int64("context_id", id))
	return nil
}

// AddAssociation persists and mirrors one directed edge. The mirror half of
// a structural pair is the caller's responsibility.
func (g *Graph) AddAssociation(ctx context.Context, sourceID, destID int64, key string) (*Association, error) {
	if err := g.writable(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: association key is required", ErrInvalidArgument)
	}
	_, srcOK := g.contexts[sourceID]
	_, dstOK := g.contexts[destID]
	if g.strict && (!srcOK || !dstOK) {
		return nil, fmt.Errorf("%w: %d-%s->%d", ErrMissingEndpoint, sourceID, key, destID)
	}

	var id int64
	err := g.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.InsertAssociation(ctx, storage.AssociationRow{
			UserID: g.userID, SourceID: sourceID, DestID: destID, Key: key,
		})
		return err
	})
	if err != nil {
		g.log.Warn("add association failed",
			zap.Int64("source_id", sourceID), zap.Int64("dest_id", destID), zap.String("key", key), zap.Error(err))
		return nil, wrapStore("add association", err)
	}

	a := &Association{ID: id, SourceID: sourceID, DestID: destID, Key: key, NamespaceID: storage.DefaultNamespace}
	if err := g.attach(a); err != nil {
		g.log.Warn("association persisted without a loaded endpoint",
			zap.Int64("assoc_id", id), zap.Error(err))
	}
	return a, nil
}

// RemoveAssociation deletes the edge identified by (source, dest, key).
func (g *Graph) RemoveAssociation(ctx context.Context, sourceID, destID int64, key string) error {
	if err := g.writable(); err != nil {
		return err
	}

	var id int64
	err := g.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.FindAssociation(ctx, g.userID, storage.DefaultNamespace, sourceID, destID, key)
		if err != nil {
			return err
		}
		return tx.DeleteAssociation(ctx, g.userID, id)
	})
	if err != nil {
		return wrapStore(fmt.Sprintf("remove association %d-%s->%d", sourceID, key, destID), err)
	}

	g.detach(id)
	return nil
}
