package benomedb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/benome/benomedb/pkg/graph"
)

// StructureNode is one context of a tree imported with import-structure.
//
//	{"label": "Work", "TargetFrequency": 86400, "children": [{"label": "Email"}]}
type StructureNode struct {
	Label           string           `json:"label" yaml:"label"`
	TargetFrequency float64          `json:"TargetFrequency,omitempty" yaml:"TargetFrequency,omitempty"`
	Children        []*StructureNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// Count returns the number of nodes in the tree.
func (n *StructureNode) Count() int {
	if n == nil {
		return 0
	}
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

// ParseStructure decodes a structure tree from JSON or YAML. A document
// starting with '{' is read as JSON.
func ParseStructure(data []byte) (*StructureNode, error) {
	var n StructureNode
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty structure", graph.ErrInvalidArgument)
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return nil, fmt.Errorf("%w: structure: %v", graph.ErrInvalidArgument, err)
		}
		return &n, nil
	}
	if err := yaml.Unmarshal(trimmed, &n); err != nil {
		return nil, fmt.Errorf("%w: structure: %v", graph.ErrInvalidArgument, err)
	}
	return &n, nil
}

// LoadStructure reads and parses a structure file.
func LoadStructure(path string) (*StructureNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read structure: %w", err)
	}
	return ParseStructure(data)
}

// structureArg accepts a *StructureNode or its decoded map form.
func structureArg(v any) (*StructureNode, error) {
	switch s := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: structure: required", graph.ErrInvalidArgument)
	case *StructureNode:
		return s, nil
	case StructureNode:
		return &s, nil
	case string:
		return ParseStructure([]byte(s))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: structure: %v", graph.ErrInvalidArgument, err)
		}
		var n StructureNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: structure: %v", graph.ErrInvalidArgument, err)
		}
		return &n, nil
	}
}
