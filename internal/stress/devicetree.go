package stress

import (
	"fmt"

	"github.com/tinyrange/xics/internal/config"
	"github.com/tinyrange/xics/internal/devices/xics"
	"github.com/tinyrange/xics/internal/fdt"
)

// DeviceTree returns the device tree of the machine: the interrupt
// controller and one node per device naming its interrupt.
func (h *Harness) DeviceTree() ([]byte, error) {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"model":            fdt.Strings(h.cfg.Name),
			"interrupt-parent": fdt.Cells(xics.Phandle),
			"#address-cells":   fdt.Cells(2),
			"#size-cells":      fdt.Cells(2),
		},
		Children: []fdt.Node{h.ctrl.DeviceTreeNode()},
	}
	for _, dev := range h.sortedDevices() {
		root.Children = append(root.Children, fdt.Node{
			Name: fmt.Sprintf("device@%x", dev.irq),
			Properties: map[string]fdt.Property{
				"compatible":       fdt.Strings("tinyrange,xics-test-device"),
				"interrupts":       xics.InterruptSpecifier(dev.irq, dev.trigger == config.TriggerLevel),
				"interrupt-parent": fdt.Cells(xics.Phandle),
			},
		})
	}
	blob, err := fdt.Build(root)
	if err != nil {
		return nil, fmt.Errorf("stress: device tree: %w", err)
	}
	return blob, nil
}
