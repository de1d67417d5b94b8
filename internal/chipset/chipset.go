package chipset

import (
	"context"
	"fmt"
	"sort"

	"github.com/tinyrange/xics/internal/hv"
)

// hFunction is the PAPR status for an unsupported hypercall.
const hFunction int64 = -2

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices and lowers every allocated line.
func (c *Chipset) Reset() error {
	c.lines.reset()
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandleHypercall dispatches a guest hypercall to the registered device. An
// opcode nobody serves answers H_FUNCTION and returns an error.
func (c *Chipset) HandleHypercall(vcpu hv.VirtualCPU, call *hv.Hypercall) error {
	handler, ok := c.hypercalls[call.Opcode]
	if !ok {
		call.Status = hFunction
		return fmt.Errorf("chipset: no handler for hypercall 0x%x", call.Opcode)
	}
	handler.HandleHypercall(vcpu, call)
	return nil
}

// HandleRTAS dispatches an RTAS call to the registered device.
func (c *Chipset) HandleRTAS(call *hv.RTASCall) error {
	handler, ok := c.rtas[call.Token]
	if !ok {
		return fmt.Errorf("chipset: no handler for RTAS token %q", call.Token)
	}
	return handler.HandleRTAS(call)
}

// Lines returns the interrupt lines of the chipset.
func (c *Chipset) Lines() *LineSet {
	return c.lines
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
