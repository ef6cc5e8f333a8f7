// Package fdt describes device trees: the in-memory node model used for
// device discovery and the serialised Flattened Device Tree blob.
package fdt

import "strings"

// Property describes a single device-tree property in a config-friendly form.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Strings []string `json:"strings,omitempty" yaml:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty" yaml:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty" yaml:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node describes a device-tree node.
type Node struct {
	Name       string              `json:"name" yaml:"name"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty" yaml:"children,omitempty"`
}

// UnitName returns the node name without its unit address.
func (n Node) UnitName() string {
	name, _, _ := strings.Cut(n.Name, "@")
	return name
}

// Strings returns a string-list property.
func (n Node) Strings(name string) ([]string, bool) {
	p, ok := n.Properties[name]
	if !ok || len(p.Strings) == 0 {
		return nil, false
	}
	return p.Strings, true
}

// U32 returns the first cell of a u32 property.
func (n Node) U32(name string) (uint32, bool) {
	p, ok := n.Properties[name]
	if !ok || len(p.U32) == 0 {
		return 0, false
	}
	return p.U32[0], true
}

// U64s returns a u64 property.
func (n Node) U64s(name string) ([]uint64, bool) {
	p, ok := n.Properties[name]
	if !ok || len(p.U64) == 0 {
		return nil, false
	}
	return p.U64, true
}

// Walk visits n and every descendant depth-first. Returning false from fn
// stops the walk below that node.
func (n Node) Walk(fn func(path string, node Node) bool) {
	n.walk("", fn)
}

func (n Node) walk(parent string, fn func(string, Node) bool) {
	path := parent + "/" + n.Name
	if parent == "" && n.Name == "" {
		path = "/"
	}
	if !fn(path, n) {
		return
	}
	prefix := path
	if prefix == "/" {
		prefix = ""
	}
	for _, child := range n.Children {
		child.walk(prefix, fn)
	}
}

// FindCompatible returns every node whose compatible list contains compat.
func (n Node) FindCompatible(compat string) []Node {
	var out []Node
	n.Walk(func(_ string, node Node) bool {
		list, _ := node.Strings("compatible")
		for _, c := range list {
			if c == compat {
				out = append(out, node)
				break
			}
		}
		return true
	})
	return out
}
