package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/benome/benomedb/pkg/storage"
)

// CoreNamespace holds the core fields (Label, Timestamp, TargetFrequency,
// AdjustDelta, LastID, and Time/Duration/EndTime on points).
const CoreNamespace int64 = 1

// GlobalNamespace marks an attribute without a namespace. It is visible
// through every namespace filter.
const GlobalNamespace int64 = 0

// Core attribute names.
const (
	AttrLabel           = "Label"
	AttrTimestamp       = "Timestamp"
	AttrTargetFrequency = "TargetFrequency"
	AttrAdjustDelta     = "AdjustDelta"
	AttrLastID          = "LastID"
	AttrTime            = "Time"
	AttrDuration        = "Duration"
	AttrEndTime         = "EndTime"
	AttrContextID       = "ContextID"
)

// Attributes maps namespace id to attribute name to value.
type Attributes map[int64]map[string]Value

// Get returns the value of ns/name.
func (a Attributes) Get(ns int64, name string) (Value, bool) {
	if a == nil {
		return Value{}, false
	}
	v, ok := a[ns][name]
	return v, ok
}

// Set stores ns/name, creating the namespace map when needed.
func (a Attributes) Set(ns int64, name string, v Value) {
	m, ok := a[ns]
	if !ok {
		m = make(map[string]Value)
		a[ns] = m
	}
	m[name] = v
}

// Delete removes ns/name and drops the namespace once it is empty.
func (a Attributes) Delete(ns int64, name string) {
	m, ok := a[ns]
	if !ok {
		return
	}
	delete(m, name)
	if len(m) == 0 {
		delete(a, ns)
	}
}

// Int returns ns/name as an integer.
func (a Attributes) Int(ns int64, name string) (int64, bool) {
	v, ok := a.Get(ns, name)
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

// Len counts attributes across all namespaces.
func (a Attributes) Len() int {
	n := 0
	for _, m := range a {
		n += len(m)
	}
	return n
}

// Clone returns a deep copy of the maps. Values are immutable.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for ns, m := range a {
		cp := make(map[string]Value, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[ns] = cp
	}
	return out
}

// Visible returns the attributes a load restricted to namespaces would see.
func (a Attributes) Visible(namespaces []int64) Attributes {
	out := make(Attributes)
	for ns, m := range a {
		if !nsVisible(ns, namespaces) {
			continue
		}
		for k, v := range m {
			out.Set(ns, k, v)
		}
	}
	return out
}

// Merge copies every attribute of o into a.
func (a Attributes) Merge(o Attributes) {
	for ns, m := range o {
		for k, v := range m {
			a.Set(ns, k, v)
		}
	}
}

// Namespaces returns the namespace ids in ascending order.
func (a Attributes) Namespaces() []int64 {
	out := make([]int64, 0, len(a))
	for ns := range a {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FlatKey renders "{ns}__{name}". Namespace-less attributes use the core
// namespace.
func FlatKey(ns int64, name string) string {
	if ns == GlobalNamespace {
		ns = CoreNamespace
	}
	return strconv.FormatInt(ns, 10) + "__" + name
}

// Flatten renders every attribute as "{ns}__{name}" -> value. When a global
// attribute and a core attribute share a name, the core one wins.
func (a Attributes) Flatten() map[string]any {
	out := make(map[string]any, a.Len())
	for _, ns := range a.Namespaces() {
		for name, v := range a[ns] {
			out[FlatKey(ns, name)] = v.Interface()
		}
	}
	return out
}

// ParseFlat is the inverse of Flatten for command input.
//
// Keys of the form "{ns}__{name}" go to namespace ns, any other key goes to
// the core namespace. Core "Properties" and "MetaData" entries are derived
// on output and are dropped here.
func ParseFlat(in map[string]any) (Attributes, error) {
	out := make(Attributes)
	for key, raw := range in {
		ns, name := splitFlatKey(key)
		if name == "" {
			return nil, fmt.Errorf("%w: empty attribute name in %q", ErrInvalidArgument, key)
		}
		if ns == CoreNamespace && (name == "Properties" || name == "MetaData") {
			continue
		}
		v, err := ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", key, err)
		}
		if ns == CoreNamespace && name == AttrTimestamp {
			if i, ok := v.AsInt(); ok {
				v = Int(i)
			}
		}
		out.Set(ns, name, v)
	}
	return out, nil
}

func splitFlatKey(key string) (int64, string) {
	prefix, name, ok := strings.Cut(key, "__")
	if !ok {
		return CoreNamespace, key
	}
	ns, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return CoreNamespace, key
	}
	return ns, name
}

// rows converts attributes into storage rows for nodeID.
func (a Attributes) rows(nodeID int64) []storage.AttributeRow {
	var out []storage.AttributeRow
	for _, ns := range a.Namespaces() {
		names := make([]string, 0, len(a[ns]))
		for name := range a[ns] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value, kind := a[ns][name].Encode()
			out = append(out, storage.AttributeRow{
				NodeID:      nodeID,
				NamespaceID: ns,
				Name:        name,
				Value:       value,
				Properties:  kind,
			})
		}
	}
	return out
}

func nsVisible(ns int64, namespaces []int64) bool {
	if ns == GlobalNamespace || len(namespaces) == 0 {
		return true
	}
	for _, n := range namespaces {
		if n == ns {
			return true
		}
	}
	return false
}
