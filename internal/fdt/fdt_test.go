package fdt

import (
	"encoding/binary"
	"testing"
)

func testTree() Node {
	return Node{
		Name: "",
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
		},
		Children: []Node{
			{
				Name: "soc",
				Children: []Node{
					{
						Name: "imsics@28000000",
						Properties: map[string]Property{
							"compatible":           {Strings: []string{"qemu,imsics", "riscv,imsics"}},
							"reg":                  {U64: []uint64{0x28000000, 0x1000}},
							"riscv,num-ids":        {U32: []uint32{255}},
							"interrupt-controller": {Flag: true},
						},
					},
				},
			},
		},
	}
}

func TestFindCompatible(t *testing.T) {
	nodes := testTree().FindCompatible("riscv,imsics")
	if len(nodes) != 1 {
		t.Fatalf("found %d nodes, want 1", len(nodes))
	}
	n := nodes[0]
	if got := n.UnitName(); got != "imsics" {
		t.Fatalf("UnitName = %q", got)
	}
	if v, ok := n.U32("riscv,num-ids"); !ok || v != 255 {
		t.Fatalf("num-ids = %d, %v", v, ok)
	}
	if _, ok := n.U32("missing"); ok {
		t.Fatalf("missing property reported present")
	}
	reg, ok := n.U64s("reg")
	if !ok || len(reg) != 2 || reg[0] != 0x28000000 {
		t.Fatalf("reg = %#v", reg)
	}
}

func TestWalkPaths(t *testing.T) {
	var paths []string
	testTree().Walk(func(path string, _ Node) bool {
		paths = append(paths, path)
		return true
	})
	want := []string{"/", "/soc", "/soc/imsics@28000000"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestBuildHeader(t *testing.T) {
	blob, err := Build(testTree())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := binary.BigEndian.Uint32(blob[0:4]); got != fdtMagic {
		t.Fatalf("magic = 0x%x", got)
	}
	if got := binary.BigEndian.Uint32(blob[4:8]); int(got) != len(blob) {
		t.Fatalf("totalsize = %d, blob is %d bytes", got, len(blob))
	}
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	if got := binary.BigEndian.Uint32(blob[offStruct:]); got != fdtBeginNodeToken {
		t.Fatalf("first struct token = %d", got)
	}
}

func TestBuildRejectsAmbiguousProperty(t *testing.T) {
	n := Node{Properties: map[string]Property{
		"bad": {U32: []uint32{1}, Flag: true},
	}}
	if _, err := Build(n); err == nil {
		t.Fatalf("expected error for property with two kinds")
	}
	n = Node{Properties: map[string]Property{"empty": {}}}
	if _, err := Build(n); err == nil {
		t.Fatalf("expected error for empty property")
	}
}
