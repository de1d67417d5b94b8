// Package xics emulates the PAPR XICS interrupt controller: blocks of
// interrupt sources (ICS) and one interrupt presentation controller (ICP)
// per vCPU, driven by the guest through the H_XIRR, H_CPPR, H_EOI and H_IPI
// hypercalls.
//
// Source state is guarded by one mutex per block. Presentation state is a
// single 64-bit word updated with compare-and-swap, so delivery from any
// thread to any vCPU never blocks on the target. A block lock is never held
// while calling back into delivery for another interrupt.
package xics

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/xics/internal/debug"
	"github.com/tinyrange/xics/internal/hv"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoController is returned when a machine has no XICS, or a vCPU has
	// no ICP.
	ErrNoController = errors.New("interrupt controller not present")
)

var trace = debug.WithSource("xics")

// Level is the kind of source event injected by DeliverExternalInterrupt.
type Level int32

const (
	// LevelSet is an edge: it delivers once without latching the line.
	LevelSet Level = -1
	// LevelUnset lowers the line. Nothing is delivered.
	LevelUnset Level = -2
	// LevelSetLevel raises the line. The source is delivered again on EOI
	// until it is lowered.
	LevelSetLevel Level = -3
)

func (l Level) String() string {
	switch l {
	case LevelSet:
		return "set"
	case LevelUnset:
		return "unset"
	case LevelSetLevel:
		return "set-level"
	default:
		return fmt.Sprintf("Level(%d)", int32(l))
	}
}

func (l Level) valid() bool {
	return l == LevelSet || l == LevelUnset || l == LevelSetLevel
}

// Controller is the XICS of one machine.
type Controller struct {
	// mu serializes creation of blocks and ICPs.
	mu sync.Mutex

	vm *hv.Machine

	ics      [MaxICSID + 1]atomic.Pointer[ics]
	maxICSID atomic.Int32

	servers sync.Map // uint32 -> *ICP
	vcpus   sync.Map // int -> *ICP

	// refusedHook, if set, runs after a refused delivery and before the
	// resend bit is published, with the block lock held.
	refusedHook func(icp *ICP, irq uint32)
}

func newController() *Controller {
	c := &Controller{}
	c.maxICSID.Store(-1)
	return c
}

// Create installs a new XICS on vm.
func Create(vm *hv.Machine) (*Controller, error) {
	c := newController()
	if err := vm.InstallInterruptController(c); err != nil {
		if errors.Is(err, hv.ErrInterruptControllerSet) {
			return nil, fmt.Errorf("xics: create: %w", ErrAlreadyExists)
		}
		return nil, fmt.Errorf("xics: create: %w", err)
	}
	return c, nil
}

// FromMachine returns the XICS installed on vm.
func FromMachine(vm *hv.Machine) (*Controller, error) {
	c, ok := vm.InterruptController().(*Controller)
	if !ok || c == nil {
		return nil, ErrNoController
	}
	return c, nil
}

// Destroy removes the XICS from vm. Every vCPU must already be gone.
func Destroy(vm *hv.Machine) error {
	if _, err := FromMachine(vm); err != nil {
		return err
	}
	vm.RemoveInterruptController()
	return nil
}

// Init implements hv.Device.
func (c *Controller) Init(vm *hv.Machine) error {
	c.vm = vm
	return nil
}

// Release implements hv.InterruptController.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.ics {
		c.ics[i].Store(nil)
	}
	c.maxICSID.Store(-1)
	c.servers.Clear()
	c.vcpus.Clear()
}

// createBlock returns the block holding irq, creating it on first use.
func (c *Controller) createBlock(irq uint32) (*ics, error) {
	id := irq >> ICSShift
	if id > MaxICSID {
		return nil, fmt.Errorf("xics: irq %#x: %w", irq, ErrInvalidArgument)
	}
	if block := c.ics[id].Load(); block != nil {
		return block, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have won while we waited for the lock.
	if block := c.ics[id].Load(); block != nil {
		return block, nil
	}
	block := newICS(uint16(id))
	c.ics[id].Store(block)
	if int32(id) > c.maxICSID.Load() {
		c.maxICSID.Store(int32(id))
	}
	return block, nil
}

// CreateSource makes irq a configured source. It starts masked. Creating
// an existing source is not an error.
func (c *Controller) CreateSource(irq uint32) error {
	if irq < FirstIRQ || irq >= NumIRQs {
		return fmt.Errorf("xics: create source %#x: %w", irq, ErrInvalidArgument)
	}
	block, err := c.createBlock(irq)
	if err != nil {
		return err
	}
	block.mu.Lock()
	block.sources[irq&ICSMask].exists = true
	block.mu.Unlock()
	return nil
}

// RegisterVCPU creates the ICP of vcpu as interrupt server server.
func (c *Controller) RegisterVCPU(vcpu hv.VirtualCPU, server uint32) (*ICP, error) {
	if vcpu == nil {
		return nil, fmt.Errorf("xics: register vcpu: %w", ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.servers.Load(server); ok {
		return nil, fmt.Errorf("xics: register server %d: %w", server, ErrAlreadyExists)
	}
	if _, ok := c.vcpus.Load(vcpu.ID()); ok {
		return nil, fmt.Errorf("xics: register vcpu %d: %w", vcpu.ID(), ErrAlreadyExists)
	}

	icp := newICP(c, vcpu, server)
	c.servers.Store(server, icp)
	c.vcpus.Store(vcpu.ID(), icp)
	return icp, nil
}

// UnregisterVCPU drops the ICP of vcpu when the vCPU is destroyed.
func (c *Controller) UnregisterVCPU(vcpu hv.VirtualCPU) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.vcpus.LoadAndDelete(vcpu.ID())
	if !ok {
		return
	}
	c.servers.Delete(value.(*ICP).server)
}

// Presenter returns the ICP of vcpu.
func (c *Controller) Presenter(vcpu hv.VirtualCPU) (*ICP, error) {
	value, ok := c.vcpus.Load(vcpu.ID())
	if !ok {
		return nil, ErrNoController
	}
	return value.(*ICP), nil
}

// Server returns the ICP registered for server.
func (c *Controller) Server(server uint32) (*ICP, error) {
	icp := c.findServer(server)
	if icp == nil {
		return nil, fmt.Errorf("xics: server %d: %w", server, ErrNotFound)
	}
	return icp, nil
}

func (c *Controller) findServer(server uint32) *ICP {
	value, ok := c.servers.Load(server)
	if !ok {
		return nil
	}
	return value.(*ICP)
}

// DeliverExternalInterrupt injects a source event from a platform device.
func (c *Controller) DeliverExternalInterrupt(irq uint32, level Level) error {
	if !level.valid() {
		return fmt.Errorf("xics: irq %#x level %s: %w", irq, level, ErrInvalidArgument)
	}

	block, state, err := c.lockSource(irq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	switch level {
	case LevelSetLevel:
		state.asserted = true
	case LevelUnset:
		state.asserted = false
		block.mu.Unlock()
		return nil
	}
	block.mu.Unlock()

	trace.Writef("deliver external irq=%#x level=%s", irq, level)

	c.deliverIRQ(nil, irq)
	return nil
}

// SetIRQ drives irq as a level-triggered line.
func (c *Controller) SetIRQ(irq uint32, high bool) {
	level := LevelUnset
	if high {
		level = LevelSetLevel
	}
	if err := c.DeliverExternalInterrupt(irq, level); err != nil {
		slog.Warn("xics: set irq", "irq", irq, "error", err)
	}
}

// PulseIRQ signals an edge on irq.
func (c *Controller) PulseIRQ(irq uint32) {
	if err := c.DeliverExternalInterrupt(irq, LevelSet); err != nil {
		slog.Warn("xics: pulse irq", "irq", irq, "error", err)
	}
}

// Reset masks every source and returns every ICP to its power-on state.
// vCPUs must not be running.
func (c *Controller) Reset() {
	limit := int(c.maxICSID.Load())
	for id := 0; id <= limit; id++ {
		block := c.ics[id].Load()
		if block == nil {
			continue
		}
		block.mu.Lock()
		for i := range block.sources {
			block.sources[i].reset()
		}
		block.mu.Unlock()
	}
	for _, icp := range c.presenters() {
		icp.reset()
		icp.vcpu.DequeueExternalInterrupt()
	}
}

var _ hv.InterruptController = (*Controller)(nil)
