package chipset

import (
	"fmt"

	"github.com/tinyrange/xics/internal/hv"
)

// InterruptSink receives line changes for interrupt numbers. SetIRQ drives
// a level-triggered line, PulseIRQ signals an edge.
type InterruptSink interface {
	SetIRQ(irq uint32, high bool)
	PulseIRQ(irq uint32)
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	vm *hv.Machine

	devices    map[string]ChipsetDevice
	hypercalls map[uint64]HypercallHandler
	rtas       map[string]RTASHandler
	polls      []PollHandler
	sink       InterruptSink
}

// NewBuilder returns an empty ChipsetBuilder for vm.
func NewBuilder(vm *hv.Machine) *ChipsetBuilder {
	return &ChipsetBuilder{
		vm:         vm,
		devices:    make(map[string]ChipsetDevice),
		hypercalls: make(map[uint64]HypercallHandler),
		rtas:       make(map[string]RTASHandler),
	}
}

// RegisterDevice initializes a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsHypercalls(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided hypercalls with nil handler", name)
		}
		for _, opcode := range intercept.Opcodes {
			if err := b.WithHypercall(opcode, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsRTAS(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided RTAS tokens with nil handler", name)
		}
		for _, token := range intercept.Tokens {
			if err := b.WithRTAS(token, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if poll := dev.SupportsPollDevice(); poll != nil {
		if poll.Handler == nil {
			return fmt.Errorf("device %q provided poll handler nil", name)
		}
		b.polls = append(b.polls, poll.Handler)
	}

	b.devices[name] = dev
	return nil
}

// WithHypercall registers the handler for a single hypercall opcode.
func (b *ChipsetBuilder) WithHypercall(opcode uint64, handler HypercallHandler) error {
	if handler == nil {
		return fmt.Errorf("hypercall handler for opcode 0x%x is nil", opcode)
	}
	if _, exists := b.hypercalls[opcode]; exists {
		return fmt.Errorf("hypercall 0x%x already registered", opcode)
	}
	b.hypercalls[opcode] = handler
	return nil
}

// WithRTAS registers the handler for a single RTAS service.
func (b *ChipsetBuilder) WithRTAS(token string, handler RTASHandler) error {
	if handler == nil {
		return fmt.Errorf("RTAS handler for %q is nil", token)
	}
	if _, exists := b.rtas[token]; exists {
		return fmt.Errorf("RTAS token %q already registered", token)
	}
	b.rtas[token] = handler
	return nil
}

// WithInterruptSink sets where lines allocated from the chipset deliver.
func (b *ChipsetBuilder) WithInterruptSink(sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("interrupt sink is nil")
	}
	if b.sink != nil {
		return fmt.Errorf("interrupt sink already registered")
	}
	b.sink = sink
	return nil
}

// Build initializes every device and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	hypercalls := make(map[uint64]HypercallHandler, len(b.hypercalls))
	for opcode, handler := range b.hypercalls {
		hypercalls[opcode] = handler
	}

	rtas := make(map[string]RTASHandler, len(b.rtas))
	for token, handler := range b.rtas {
		rtas[token] = handler
	}

	polls := make([]PollHandler, len(b.polls))
	copy(polls, b.polls)

	c := &Chipset{
		vm:         b.vm,
		devices:    devices,
		hypercalls: hypercalls,
		rtas:       rtas,
		polls:      polls,
		lines:      NewLineSet(b.sink),
	}
	for _, name := range c.deviceNames() {
		if err := devices[name].Init(b.vm); err != nil {
			return nil, fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return c, nil
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	vm *hv.Machine

	devices    map[string]ChipsetDevice
	hypercalls map[uint64]HypercallHandler
	rtas       map[string]RTASHandler
	polls      []PollHandler
	lines      *LineSet
}
