package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/benome/benomedb/pkg/graph"
)

// ContextRecord renders a context as {"ID", "1__Label", "{ns}__{name}"...,
// "MetaData", "Properties"}. With includeAssoc it also lists the destination
// ids of the context's "up" and "down" edges.
func ContextRecord(g *graph.Graph, c *graph.Context, includeAssoc bool) map[string]any {
	out := c.Attributes.Flatten()
	out["ID"] = c.ID
	out[graph.FlatKey(graph.CoreNamespace, graph.AttrLabel)] = c.Label
	if c.Timestamp != 0 {
		out[graph.FlatKey(graph.CoreNamespace, graph.AttrTimestamp)] = c.Timestamp
	}
	if includeAssoc {
		out["UpAssoc"] = destIDs(g.OutEdges(c.ID, graph.KeyUp))
		out["DownAssoc"] = destIDs(g.OutEdges(c.ID, graph.KeyDown))
	}

	meta := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	out["MetaData"] = meta
	out["Properties"] = map[string]any{}
	return out
}

func destIDs(edges []*graph.Association) []int64 {
	out := make([]int64, 0, len(edges))
	for _, a := range edges {
		out = append(out, a.DestID)
	}
	return out
}

// AssociationRecord is the external form of an edge.
type AssociationRecord struct {
	ID       string `json:"ID"`
	Name     string `json:"Name"`
	SourceID int64  `json:"SourceID"`
	DestID   int64  `json:"DestID"`
}

func associationRecord(src int64, key string, dest int64) AssociationRecord {
	return AssociationRecord{
		ID:       fmt.Sprintf("%d|%s|%d", src, key, dest),
		Name:     key,
		SourceID: src,
		DestID:   dest,
	}
}

// ParseAssociationID splits "src|key|dest".
func ParseAssociationID(id string) (src int64, key string, dest int64, err error) {
	parts := strings.Split(id, "|")
	if len(parts) != 3 || parts[1] == "" {
		return 0, "", 0, invalid("assoc_id", "%q is not of the form src|key|dest", id)
	}
	if src, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, "", 0, invalid("assoc_id", "bad source in %q", id)
	}
	if dest, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return 0, "", 0, invalid("assoc_id", "bad destination in %q", id)
	}
	return src, parts[1], dest, nil
}

// IDBlock is a reserved id range [Begin, End).
type IDBlock struct {
	Begin int64 `json:"Begin"`
	End   int64 `json:"End"`
}
