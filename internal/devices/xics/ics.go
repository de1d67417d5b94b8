package xics

import (
	"fmt"
	"sync"
)

const (
	// ICSShift splits an interrupt number into block id and index.
	ICSShift = 10
	// IRQPerICS is the number of sources in one block.
	IRQPerICS = 1 << ICSShift
	// ICSMask extracts the index of a source within its block.
	ICSMask = IRQPerICS - 1
	// MaxICSID is the largest block id.
	MaxICSID = 1023

	// FirstIRQ is the lowest interrupt number a source may use. Numbers
	// below it are reserved (0 means "none", IPI is the IPI pseudo source).
	FirstIRQ = 16
	// NumIRQs bounds interrupt numbers to what the blocks can hold.
	NumIRQs = (MaxICSID + 1) * IRQPerICS
)

// sourceState is the state of one interrupt source. It is only touched with
// the owning block's lock held.
type sourceState struct {
	number        uint32
	server        uint32
	priority      uint8
	savedPriority uint8

	exists        bool
	asserted      bool
	maskedPending bool
	resend        bool
}

func (s *sourceState) reset() {
	s.server = 0
	s.priority = Masked
	s.savedPriority = Masked
	s.asserted = false
	s.maskedPending = false
	s.resend = false
}

// ics is one block of interrupt sources.
type ics struct {
	mu sync.Mutex

	id      uint16
	sources [IRQPerICS]sourceState
}

func newICS(id uint16) *ics {
	block := &ics{id: id}
	for i := range block.sources {
		block.sources[i].number = uint32(id)<<ICSShift | uint32(i)
		block.sources[i].reset()
	}
	return block
}

// findICS resolves irq to its block. The block is nil when it was never
// created.
func (c *Controller) findICS(irq uint32) (*ics, uint16) {
	id := irq >> ICSShift
	if id > MaxICSID {
		return nil, 0
	}
	return c.ics[id].Load(), uint16(irq & ICSMask)
}

// lockSource returns the locked block and the state for irq. The caller
// must unlock the block.
func (c *Controller) lockSource(irq uint32) (*ics, *sourceState, error) {
	block, src := c.findICS(irq)
	if block == nil {
		return nil, nil, fmt.Errorf("xics: irq %#x: %w", irq, ErrNotFound)
	}
	block.mu.Lock()
	state := &block.sources[src]
	if !state.exists {
		block.mu.Unlock()
		return nil, nil, fmt.Errorf("xics: irq %#x: %w", irq, ErrNotFound)
	}
	return block, state, nil
}

// SetXive sets the target server and priority of irq. A source that was
// masked with an interrupt pending, or waiting for a resend, is delivered
// once it is given a real priority.
func (c *Controller) SetXive(irq uint32, server uint32, priority uint8) error {
	icp := c.findServer(server)
	if icp == nil {
		return fmt.Errorf("xics: set xive %#x: server %d: %w", irq, server, ErrNotFound)
	}

	block, state, err := c.lockSource(irq)
	if err != nil {
		return err
	}
	state.server = server
	state.priority = priority
	state.savedPriority = priority
	deliver := false
	if (state.maskedPending || state.resend) && priority != Masked {
		state.maskedPending = false
		deliver = true
	}
	block.mu.Unlock()

	trace.Writef("set xive irq=%#x server=%d priority=%#x deliver=%t", irq, server, priority, deliver)

	if deliver {
		c.deliverIRQ(icp, irq)
	}
	return nil
}

// GetXive returns the target server and priority of irq.
func (c *Controller) GetXive(irq uint32) (server uint32, priority uint8, err error) {
	block, state, err := c.lockSource(irq)
	if err != nil {
		return 0, 0, err
	}
	server, priority = state.server, state.priority
	block.mu.Unlock()
	return server, priority, nil
}

// IntOff masks irq while keeping its configured priority for IntOn.
func (c *Controller) IntOff(irq uint32) error {
	block, state, err := c.lockSource(irq)
	if err != nil {
		return err
	}
	state.priority = Masked
	block.mu.Unlock()
	return nil
}

// IntOn restores the priority saved by SetXive and delivers an interrupt
// that arrived while the source was masked. It fails without touching the
// source when the target server is gone.
func (c *Controller) IntOn(irq uint32) error {
	block, state, err := c.lockSource(irq)
	if err != nil {
		return err
	}
	// The target must exist before anything changes.
	icp := c.findServer(state.server)
	if icp == nil {
		server := state.server
		block.mu.Unlock()
		return fmt.Errorf("xics: int on %#x: server %d: %w", irq, server, ErrNotFound)
	}
	state.priority = state.savedPriority
	deliver := false
	if (state.maskedPending || state.resend) && state.priority != Masked {
		state.maskedPending = false
		deliver = true
	}
	block.mu.Unlock()

	if deliver {
		c.deliverIRQ(icp, irq)
	}
	return nil
}

// checkResendBlock redelivers every source of the block that is waiting for a
// resend. The lock is dropped around each delivery because delivery locks
// the block itself, and a rejection may re-enter it.
func (c *Controller) checkResendBlock(block *ics, icp *ICP) {
	block.mu.Lock()
	for i := range block.sources {
		state := &block.sources[i]
		if !state.resend {
			continue
		}
		number := state.number
		block.mu.Unlock()
		icp.stats.resends.Add(1)
		c.deliverIRQ(icp, number)
		block.mu.Lock()
	}
	block.mu.Unlock()
}
