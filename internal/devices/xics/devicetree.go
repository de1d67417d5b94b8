package xics

import (
	"github.com/tinyrange/xics/internal/fdt"
)

// Phandle is the phandle of the interrupt controller node. Device nodes
// name it in their interrupt-parent property.
const Phandle uint32 = 0x1111

// Interrupt sense cells of an interrupts specifier.
const (
	SenseEdge  uint32 = 0
	SenseLevel uint32 = 1
)

// DeviceTreeNode returns the interrupt-controller node through which the
// guest finds the presentation controllers. Registered servers are
// described as ranges of consecutive server numbers.
func (c *Controller) DeviceTreeNode() fdt.Node {
	return fdt.Node{
		Name: "interrupt-controller",
		Properties: map[string]fdt.Property{
			"device_type":                 fdt.Strings("PowerPC-External-Interrupt-Presentation"),
			"compatible":                  fdt.Strings("IBM,ppc-xicp"),
			"interrupt-controller":        fdt.Empty(),
			"ibm,interrupt-server-ranges": fdt.Cells(c.serverRanges()...),
			"#interrupt-cells":            fdt.Cells(2),
			"linux,phandle":               fdt.Cells(Phandle),
			"phandle":                     fdt.Cells(Phandle),
		},
	}
}

// InterruptSpecifier returns the interrupts property of a device wired to
// irq.
func InterruptSpecifier(irq uint32, level bool) fdt.Property {
	sense := SenseEdge
	if level {
		sense = SenseLevel
	}
	return fdt.Cells(irq, sense)
}

// serverRanges returns <first count> pairs covering every registered
// server.
func (c *Controller) serverRanges() []uint32 {
	var ranges []uint32
	for _, icp := range c.presenters() {
		n := len(ranges)
		if n > 0 && ranges[n-2]+ranges[n-1] == icp.server {
			ranges[n-1]++
			continue
		}
		ranges = append(ranges, icp.server, 1)
	}
	return ranges
}
