package hv

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInterruptControllerSet = errors.New("interrupt controller already installed")

// VirtualCPU is the part of a vCPU the interrupt controller is allowed to
// touch. The controller never owns the vCPU; it only raises or lowers the
// external interrupt input and wakes the thread running it.
type VirtualCPU interface {
	ID() int

	// QueueExternalInterrupt marks the external interrupt input as pending.
	// Calling it while already pending is harmless.
	QueueExternalInterrupt()
	// DequeueExternalInterrupt clears the external interrupt input.
	DequeueExternalInterrupt()
	// Kick wakes the thread running the vCPU if it is waiting.
	Kick()
}

type Device interface {
	Init(vm *Machine) error
}

// InterruptController is installed once per Machine.
type InterruptController interface {
	Device

	// Release drops every resource held by the controller. All vCPUs must
	// already be gone.
	Release()
}

// Machine is the per-VM holder the control plane creates devices against.
type Machine struct {
	mu sync.Mutex

	name    string
	irqchip InterruptController
}

func NewMachine(name string) *Machine {
	return &Machine{name: name}
}

func (m *Machine) Name() string { return m.name }

// InstallInterruptController attaches ctrl to the machine. Only one
// controller may be installed at a time.
func (m *Machine) InstallInterruptController(ctrl InterruptController) error {
	if ctrl == nil {
		return fmt.Errorf("hv: interrupt controller is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.irqchip != nil {
		return ErrInterruptControllerSet
	}
	if err := ctrl.Init(m); err != nil {
		return fmt.Errorf("hv: init interrupt controller: %w", err)
	}
	m.irqchip = ctrl
	return nil
}

// InterruptController returns the installed controller or nil.
func (m *Machine) InterruptController() InterruptController {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irqchip
}

// RemoveInterruptController releases and detaches the installed controller.
func (m *Machine) RemoveInterruptController() InterruptController {
	m.mu.Lock()
	ctrl := m.irqchip
	m.irqchip = nil
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.Release()
	}
	return ctrl
}

// Hypercall is the register frame of a PAPR hypercall: the opcode comes in
// r3 and arguments in r4..r7. Handlers write the status back to r3 (Status)
// and any return values to r4..r5 (Ret).
type Hypercall struct {
	Opcode uint64
	Args   [4]uint64

	Status int64
	Ret    [2]uint64
}

// RTASCall is a decoded RTAS request: the service token name, its input
// words and room for the output words. Outputs[0] carries the status.
type RTASCall struct {
	Token   string
	Inputs  []uint32
	Outputs []uint32
}
