package fdt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize     = 0x28
	version        = 17
	lastCompatible = 16
	magic          = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

// Build serializes the tree rooted at root into an FDT blob.
func Build(root Node) ([]byte, error) {
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root, "/"); err != nil {
		return nil, err
	}
	e.u32(tokenEnd)
	return e.blob(), nil
}

type encoder struct {
	structure []byte
	strings   []byte
	offsets   map[string]uint32
}

func (e *encoder) node(n Node, path string) error {
	e.u32(tokenBeginNode)
	e.structure = append(e.structure, n.Name...)
	e.structure = append(e.structure, 0)
	e.align()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := encodeProperty(n.Properties[name])
		if err != nil {
			return fmt.Errorf("fdt: %s: property %q: %w", path, name, err)
		}
		e.u32(tokenProp)
		e.u32(uint32(len(value)))
		e.u32(e.stringOffset(name))
		e.structure = append(e.structure, value...)
		e.align()
	}

	seen := make(map[string]bool, len(n.Children))
	for _, child := range n.Children {
		if child.Name == "" {
			return fmt.Errorf("fdt: %s: child without a name", path)
		}
		if seen[child.Name] {
			return fmt.Errorf("fdt: %s: duplicate child %q", path, child.Name)
		}
		seen[child.Name] = true
		if err := e.node(child, path+child.Name+"/"); err != nil {
			return err
		}
	}

	e.u32(tokenEndNode)
	return nil
}

func encodeProperty(p Property) ([]byte, error) {
	kinds := p.kinds()
	switch len(kinds) {
	case 0:
		return nil, fmt.Errorf("no value")
	case 1:
	default:
		return nil, fmt.Errorf("more than one kind of value")
	}

	var out []byte
	switch kinds[0] {
	case kindStrings:
		for _, s := range p.Strings {
			out = append(out, s...)
			out = append(out, 0)
		}
	case kindU32:
		for _, v := range p.U32 {
			out = binary.BigEndian.AppendUint32(out, v)
		}
	case kindU64:
		for _, v := range p.U64 {
			out = binary.BigEndian.AppendUint64(out, v)
		}
	case kindBytes:
		out = append(out, p.Bytes...)
	case kindFlag:
	}
	return out, nil
}

func (e *encoder) u32(v uint32) {
	e.structure = binary.BigEndian.AppendUint32(e.structure, v)
}

func (e *encoder) align() {
	for len(e.structure)%4 != 0 {
		e.structure = append(e.structure, 0)
	}
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(len(e.strings))
	e.strings = append(e.strings, name...)
	e.strings = append(e.strings, 0)
	e.offsets[name] = off
	return off
}

// blob lays out header, empty reservation map, structure and strings.
func (e *encoder) blob() []byte {
	const reserveSize = 16

	offReserve := uint32(headerSize)
	offStruct := offReserve + reserveSize
	offStrings := offStruct + uint32(len(e.structure))
	total := offStrings + uint32(len(e.strings))

	blob := make([]byte, 0, total)
	for _, v := range []uint32{
		magic,
		total,
		offStruct,
		offStrings,
		offReserve,
		version,
		lastCompatible,
		0, // boot cpu
		uint32(len(e.strings)),
		uint32(len(e.structure)),
	} {
		blob = binary.BigEndian.AppendUint32(blob, v)
	}
	blob = append(blob, make([]byte, reserveSize)...)
	blob = append(blob, e.structure...)
	blob = append(blob, e.strings...)
	return blob
}
