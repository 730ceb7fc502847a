package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// BuildIDPath locates the public branch build number in a package's attribute tree.
	BuildIDPath = []string{"depots", "branches", "public", "buildid"}
	// NamePath locates the package's display name.
	NamePath = []string{"common", "name"}
)

// Node is a labeled attribute tree. Leaves carry a Value; inner nodes carry Children.
type Node struct {
	Name     string
	Value    string
	Children []*Node
}

// Child returns the first direct child with the given name.
func (n *Node) Child(name string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	for _, c := range n.Children {
		if c != nil && c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Lookup walks path from n and returns the value at its end.
// Any missing step yields ok=false.
func (n *Node) Lookup(path ...string) (string, bool) {
	cur := n
	for _, step := range path {
		next, ok := cur.Child(step)
		if !ok {
			return "", false
		}
		cur = next
	}
	if cur == nil {
		return "", false
	}
	return cur.Value, true
}

// BuildID extracts the public build number. Absent or non-numeric values yield ok=false.
func BuildID(n *Node) (uint32, bool) {
	raw, ok := n.Lookup(BuildIDPath...)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// DisplayName extracts the package's human-readable name.
func DisplayName(n *Node) (string, bool) {
	raw, ok := n.Lookup(NamePath...)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

// NodeFromJSON converts a decoded JSON value into a tree rooted at name.
// Objects become children (sorted by key), scalars become values, nulls become empty leaves.
// Arrays become children named by index.
func NodeFromJSON(name string, v any) *Node {
	n := &Node{Name: name}
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		n.Children = make([]*Node, 0, len(keys))
		for _, k := range keys {
			n.Children = append(n.Children, NodeFromJSON(k, x[k]))
		}
	case []any:
		n.Children = make([]*Node, 0, len(x))
		for i, e := range x {
			n.Children = append(n.Children, NodeFromJSON(strconv.Itoa(i), e))
		}
	case nil:
	case string:
		n.Value = x
	case json.Number:
		n.Value = x.String()
	default:
		n.Value = fmt.Sprint(x)
	}
	return n
}
