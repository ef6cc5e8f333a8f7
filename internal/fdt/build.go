package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9
)

// Build serializes the provided node tree into an FDT blob.
func Build(root Node) ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.emitNode(root); err != nil {
		return nil, err
	}
	return b.finish(), nil
}

// Encode returns the big-endian cell encoding of the property value.
func (p Property) Encode() ([]byte, error) {
	switch p.DefinedCount() {
	case 0:
		return nil, fmt.Errorf("no values")
	case 1:
	default:
		return nil, fmt.Errorf("multiple value kinds")
	}

	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, 4*len(p.U32))
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(data[4*i:], v)
		}
		return data, nil
	case "u64":
		data := make([]byte, 8*len(p.U64))
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(data[8*i:], v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	case "flag":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported kind %q", p.Kind())
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) emitNode(n Node) error {
	b.writeToken(fdtBeginNodeToken)
	b.structBuf.WriteString(n.Name)
	b.structBuf.WriteByte(0)
	b.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := n.Properties[name].Encode()
		if err != nil {
			return fmt.Errorf("fdt: node %q property %q: %w", n.Name, name, err)
		}
		b.property(name, value)
	}

	for _, child := range n.Children {
		if err := b.emitNode(child); err != nil {
			return err
		}
	}

	b.writeToken(fdtEndNodeToken)
	return nil
}

func (b *builder) property(name string, value []byte) {
	b.writeToken(fdtPropToken)
	b.writeToken(uint32(len(value)))
	b.writeToken(b.stringOffset(name))
	b.structBuf.Write(value)
	b.pad()
}

func (b *builder) finish() []byte {
	b.writeToken(fdtEndToken)

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	// The reservation map is a single all-zero terminator entry.
	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + 16
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := []uint32{
		fdtMagic,
		uint32(totalSize),
		uint32(offStruct),
		uint32(offStrings),
		uint32(offMemReserve),
		fdtVersion,
		fdtLastCompVer,
		0, // boot_cpuid_phys
		uint32(len(stringsBytes)),
		uint32(len(structBytes)),
	}
	for i, v := range header {
		binary.BigEndian.PutUint32(blob[4*i:], v)
	}

	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *builder) pad() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
