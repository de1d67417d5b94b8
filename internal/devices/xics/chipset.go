package xics

import (
	"fmt"

	"github.com/tinyrange/xics/internal/chipset"
	"github.com/tinyrange/xics/internal/hv"
)

type chipsetDevice struct {
	c *Controller
}

// ChipsetDevice returns the controller as a chipset device serving the XICS
// hypercalls and RTAS services.
func (c *Controller) ChipsetDevice() chipset.ChipsetDevice {
	return &chipsetDevice{c: c}
}

// Init implements hv.Device. The controller must already be installed on vm.
func (d *chipsetDevice) Init(vm *hv.Machine) error {
	installed, err := FromMachine(vm)
	if err != nil {
		return fmt.Errorf("xics: chipset init: %w", err)
	}
	if installed != d.c {
		return fmt.Errorf("xics: chipset init: machine %q has another controller", vm.Name())
	}
	return nil
}

func (d *chipsetDevice) Start() error { return nil }
func (d *chipsetDevice) Stop() error  { return nil }

func (d *chipsetDevice) Reset() error {
	d.c.Reset()
	return nil
}

func (d *chipsetDevice) SupportsHypercalls() *chipset.HypercallIntercept {
	return &chipset.HypercallIntercept{Opcodes: d.c.Hypercalls(), Handler: d.c}
}

func (d *chipsetDevice) SupportsRTAS() *chipset.RTASIntercept {
	return &chipset.RTASIntercept{Tokens: d.c.RTASTokens(), Handler: d.c}
}

func (d *chipsetDevice) SupportsPollDevice() *chipset.PollDevice { return nil }

var (
	_ chipset.ChipsetDevice = (*chipsetDevice)(nil)
	_ chipset.InterruptSink = (*Controller)(nil)
)
