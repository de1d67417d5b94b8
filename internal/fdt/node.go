// Package fdt builds flattened device tree blobs describing a machine to
// the guest.
package fdt

// Property is a single device-tree property. Exactly one of the typed
// fields is populated.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Strings returns a string list property.
func Strings(values ...string) Property { return Property{Strings: values} }

// Cells returns a property of 32-bit cells.
func Cells(values ...uint32) Property { return Property{U32: values} }

// Empty returns a property with no value, used for boolean markers such
// as interrupt-controller.
func Empty() Property { return Property{Flag: true} }

type kind int

const (
	kindNone kind = iota
	kindStrings
	kindU32
	kindU64
	kindBytes
	kindFlag
)

func (p Property) kinds() []kind {
	var out []kind
	if len(p.Strings) > 0 {
		out = append(out, kindStrings)
	}
	if len(p.U32) > 0 {
		out = append(out, kindU32)
	}
	if len(p.U64) > 0 {
		out = append(out, kindU64)
	}
	if len(p.Bytes) > 0 {
		out = append(out, kindBytes)
	}
	if p.Flag {
		out = append(out, kindFlag)
	}
	return out
}

// Node is a device-tree node. The root node has an empty name.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the direct child called name.
func (n *Node) Child(name string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i], true
		}
	}
	return nil, false
}
