package benomedb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/benome/benomedb/pkg/graph"
	"github.com/benome/benomedb/pkg/queue"
)

// Lifecycle command names.
const (
	CmdInit            = "init"
	CmdShutdown        = "shutdown"
	CmdInitStructure   = "init-structure"
	CmdImportStructure = "import-structure"
	CmdVerify          = "verify"
)

// BootstrapIDSpan is how far past the root the id counter starts after
// init-structure. Ids below root+BootstrapIDSpan are reserved for the fixed
// structure.
const BootstrapIDSpan = 1000

// The fixed children of a new root, at root+1 through root+5. The empty
// label is the user's own tree.
var bootstrapChildren = []string{"UI", "Prefs", "Apps", "", "State"}

var wellKnownOffsets = map[string]int64{
	"Root":     0,
	"UI":       1,
	"Prefs":    2,
	"Apps":     3,
	"UserRoot": 4,
	"State":    5,
}

// WellKnownContextID resolves a bootstrap context name (Root, UI, Prefs,
// Apps, UserRoot, State) relative to root.
func WellKnownContextID(root int64, name string) (int64, bool) {
	off, ok := wellKnownOffsets[name]
	if !ok {
		return 0, false
	}
	return root + off, true
}

// apps maps each installable app to the contexts created under it.
var apps = map[string][]string{
	"Global": nil,
	"Behave": {"Bonuses"},
}

// DefaultApp is always installed by init-structure.
const DefaultApp = "Global"

func (db *DB) lifecycle() queue.Bundle {
	return queue.Bundle{
		{Name: CmdInit, Handler: db.load},
		{Name: CmdShutdown, Final: true, Handler: db.shutdown},
		{Name: CmdInitStructure, Mutates: true, Handler: db.initStructure},
		{Name: CmdImportStructure, Mutates: true, Handler: db.importStructure},
		{Name: CmdVerify, Handler: db.verify},
	}
}

func (db *DB) load(ctx context.Context, _ map[string]any) (any, error) {
	if err := db.graph.Load(ctx); err != nil {
		return nil, err
	}
	return map[string]any{
		"contexts":     db.graph.Len(),
		"associations": len(db.graph.Associations()),
	}, nil
}

func (db *DB) shutdown(ctx context.Context, _ map[string]any) (any, error) {
	if db.journal != nil {
		if err := db.journal.Sync(); err != nil {
			db.log.Warn("journal sync failed", zap.Error(err))
		}
	}
	db.log.Info("shutting down", zap.String("request_id", queue.RequestID(ctx)))
	return true, nil
}

func (db *DB) verify(ctx context.Context, _ map[string]any) (any, error) {
	return db.graph.Verify(ctx)
}

// initStructure creates whichever of the root, its fixed children and the id
// counter are missing, then installs the requested apps under Apps. Running
// it again only fills in what is not there yet, so an interrupted bootstrap
// can be completed by a rerun.
func (db *DB) initStructure(ctx context.Context, args map[string]any) (any, error) {
	g := db.graph
	root := g.RootID()
	var created []int64

	if _, ok := g.Root(); !ok {
		if _, err := g.AddContext(ctx, 0, "Root", nil, root); err != nil {
			return nil, err
		}
		created = append(created, root)
	}
	for i, label := range bootstrapChildren {
		id := root + int64(i) + 1
		if _, ok := g.Context(id); ok {
			continue
		}
		if _, err := g.AddContext(ctx, root, label, nil, id); err != nil {
			return nil, err
		}
		created = append(created, id)
	}
	rootCtx, _ := g.Root()
	if _, ok := rootCtx.Attributes.Int(graph.CoreNamespace, graph.AttrLastID); !ok {
		err := g.UpdateContext(ctx, root, graph.Attributes{
			graph.CoreNamespace: {graph.AttrLastID: graph.Int(root + BootstrapIDSpan)},
		})
		if err != nil {
			return nil, err
		}
	}
	if len(created) > 0 {
		db.log.Info("structure initialized",
			zap.Int64("root_context_id", root),
			zap.Int("created", len(created)))
	} else {
		db.log.Info("structure already initialized", zap.Int64("root_context_id", root))
	}

	names, err := appNames(args["apps"])
	if err != nil {
		return nil, err
	}
	appsCtx, ok := g.ContextByLabel(root, "Apps")
	if !ok {
		return nil, fmt.Errorf("%w: Apps context under root %d", graph.ErrNotFound, root)
	}
	for _, name := range names {
		if _, ok := g.ContextByLabel(appsCtx.ID, name); ok {
			continue
		}
		ids, err := db.addTree(ctx, appsCtx.ID, name, apps[name])
		if err != nil {
			return nil, err
		}
		created = append(created, ids...)
		db.log.Info("app installed", zap.String("app", name), zap.Int64("context_id", ids[0]))
	}

	userRoot, _ := WellKnownContextID(root, "UserRoot")
	return map[string]any{
		"root_context_id": root,
		"user_root_id":    userRoot,
		"created":         created,
	}, nil
}

// appNames returns the requested apps with DefaultApp first.
func appNames(v any) ([]string, error) {
	names := []string{DefaultApp}
	var requested []any
	switch l := v.(type) {
	case nil:
	case []string:
		for _, s := range l {
			requested = append(requested, s)
		}
	case []any:
		requested = l
	case string:
		for _, s := range strings.Split(l, ",") {
			requested = append(requested, strings.TrimSpace(s))
		}
	default:
		return nil, fmt.Errorf("%w: apps: want list, got %T", graph.ErrInvalidArgument, v)
	}
	for _, r := range requested {
		name, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("%w: apps: want string, got %T", graph.ErrInvalidArgument, r)
		}
		if name == "" || name == DefaultApp {
			continue
		}
		if _, known := apps[name]; !known {
			return nil, fmt.Errorf("%w: unknown app %q", graph.ErrInvalidArgument, name)
		}
		names = append(names, name)
	}
	return names, nil
}

// addTree creates label under parentID and one child per entry of children.
// It returns the new ids, the top context first.
func (db *DB) addTree(ctx context.Context, parentID int64, label string, children []string) ([]int64, error) {
	top, err := db.addContext(ctx, parentID, label, nil)
	if err != nil {
		return nil, err
	}
	ids := []int64{top}
	for _, child := range children {
		id, err := db.addContext(ctx, top, child, nil)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (db *DB) addContext(ctx context.Context, parentID int64, label string, attrs graph.Attributes) (int64, error) {
	id, err := db.ids.NextID(ctx)
	if err != nil {
		return 0, err
	}
	c, err := db.graph.AddContext(ctx, parentID, label, attrs, id)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// importStructure imports a StructureNode tree under parent_id (a context
// id or a well-known name, default UserRoot). With replace_root the tree's
// top node relabels parent_id instead of becoming a new child.
func (db *DB) importStructure(ctx context.Context, args map[string]any) (any, error) {
	parentID, err := db.importParent(args["parent_id"])
	if err != nil {
		return nil, err
	}
	if _, ok := db.graph.Context(parentID); !ok {
		return nil, fmt.Errorf("%w: import root %d", graph.ErrNotFound, parentID)
	}
	tree, err := structureArg(args["structure"])
	if err != nil {
		return nil, err
	}
	replaceRoot, _ := args["replace_root"].(bool)

	created := 0
	var importNode func(n *StructureNode, parentID int64, top bool) (int64, error)
	importNode = func(n *StructureNode, parentID int64, top bool) (int64, error) {
		attrs := graph.Attributes{}
		if n.TargetFrequency != 0 {
			v, _ := graph.ValueOf(n.TargetFrequency)
			attrs.Set(graph.CoreNamespace, graph.AttrTargetFrequency, v)
		}

		var id int64
		if top && replaceRoot {
			id = parentID
			attrs.Set(graph.CoreNamespace, graph.AttrLabel, graph.String(n.Label))
			if err := db.graph.UpdateContext(ctx, id, attrs); err != nil {
				return 0, err
			}
		} else {
			var err error
			if id, err = db.addContext(ctx, parentID, n.Label, attrs); err != nil {
				return 0, err
			}
			created++
		}

		for _, child := range n.Children {
			if child == nil {
				continue
			}
			if _, err := importNode(child, id, false); err != nil {
				return 0, err
			}
		}
		return id, nil
	}

	rootID, err := importNode(tree, parentID, true)
	if err != nil {
		db.log.Warn("structure import stopped", zap.Int("created", created), zap.Error(err))
		return nil, err
	}
	db.log.Info("structure imported",
		zap.Int64("context_id", rootID),
		zap.Int("created", created),
		zap.Bool("replace_root", replaceRoot))
	return map[string]any{"root_id": rootID, "created": created}, nil
}

func (db *DB) importParent(v any) (int64, error) {
	root := db.graph.RootID()
	switch p := v.(type) {
	case nil:
		id, _ := WellKnownContextID(root, "UserRoot")
		return id, nil
	case string:
		if id, ok := WellKnownContextID(root, p); ok {
			return id, nil
		}
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: parent_id: unknown context %q", graph.ErrInvalidArgument, p)
		}
		return id, nil
	case int:
		return int64(p), nil
	case int64:
		return p, nil
	case float64:
		return int64(p), nil
	case json.Number:
		return p.Int64()
	default:
		return 0, fmt.Errorf("%w: parent_id: want id or name, got %T", graph.ErrInvalidArgument, v)
	}
}
