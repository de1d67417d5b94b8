package xics

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/tinyrange/xics/internal/hv"
)

const resendWords = (MaxICSID + 64) / 64

// ICP is the interrupt presentation controller of one vCPU. Its state is
// lock-free: every change is a compare-and-swap of the packed
// PresentationState, retried until it applies.
type ICP struct {
	xics   *Controller
	server uint32
	vcpu   hv.VirtualCPU

	state atomic.Uint64

	// resendMap has one bit per ICS block holding a source that was refused
	// by this ICP and must be retried.
	resendMap [resendWords]atomic.Uint64

	stats icpStats
}

func newICP(c *Controller, vcpu hv.VirtualCPU, server uint32) *ICP {
	icp := &ICP{
		xics:   c,
		server: server,
		vcpu:   vcpu,
	}
	icp.state.Store(initialPresentationState().raw())
	return icp
}

// Server returns the server number of the ICP.
func (icp *ICP) Server() uint32 { return icp.server }

// State returns a snapshot of the presentation state.
func (icp *ICP) State() PresentationState { return icp.load() }

func (icp *ICP) load() PresentationState {
	return decodePresentationState(icp.state.Load())
}

// tryUpdate atomically replaces old with next. OutEE is recomputed from
// next. On success with the output asserted, the vCPU's external input is
// raised, and the vCPU is kicked unless the caller is that vCPU.
//
// The output is only ever raised here. It is lowered by the vCPU itself
// before Accept and before raising its CPPR, so it must be raised again on
// every transition that leaves an interrupt presented.
func (icp *ICP) tryUpdate(old, next PresentationState, changeSelf bool) bool {
	next.OutEE = next.outputAsserted()

	if !icp.state.CompareAndSwap(old.raw(), next.raw()) {
		icp.stats.casFailures.Add(1)
		return false
	}
	icp.stats.updates.Add(1)

	trace.Writef("icp %d: %s -> %s", icp.server, old, next)

	if next.OutEE {
		icp.vcpu.QueueExternalInterrupt()
		if !changeSelf {
			icp.vcpu.Kick()
		}
	}
	return true
}

// tryToDeliver latches irq at priority if it is more favored than the CPPR,
// the MFRR and anything already latched. A latched interrupt displaced by
// irq is returned in reject. When delivery is refused NeedResend is set so
// the next favorable CPPR change retries the sources.
func (icp *ICP) tryToDeliver(irq uint32, priority uint8) (delivered bool, reject uint32) {
	var retries uint64
	for {
		old := icp.load()
		next := old
		reject = 0

		delivered = old.CPPR > priority &&
			old.MFRR > priority &&
			old.PendingPriority > priority
		if delivered {
			reject = old.XISR
			next.XISR = irq
			next.PendingPriority = priority
		} else {
			next.NeedResend = true
		}

		if icp.tryUpdate(old, next, false) {
			icp.stats.noteRetries(retries)
			return delivered, reject
		}
		retries++
	}
}

// setResend records that a source in block id needs a retry on this ICP.
func (icp *ICP) setResend(id uint16) {
	icp.resendMap[id/64].Or(uint64(1) << (id % 64))
}

// checkResend retries every block flagged in the resend map.
func (icp *ICP) checkResend() {
	limit := int(icp.xics.maxICSID.Load())
	for w := range icp.resendMap {
		if w*64 > limit {
			break
		}
		word := &icp.resendMap[w]
		pending := word.Load()
		for pending != 0 {
			bit := uint64(1) << bits.TrailingZeros64(pending)
			pending &^= bit
			if word.And(^bit)&bit == 0 {
				// Someone else claimed it.
				continue
			}
			id := w*64 + bits.TrailingZeros64(bit)
			block := icp.xics.ics[id].Load()
			if block == nil {
				continue
			}
			icp.xics.checkResendBlock(block, icp)
		}
	}
}

// Accept implements H_XIRR: it returns the latched interrupt together with
// the CPPR in force before the accept, and makes the interrupt's priority
// the new CPPR. With nothing latched the XISR part is 0 and nothing changes.
func (icp *ICP) Accept() uint32 {
	// The update below raises the output again if something is still
	// presented.
	icp.vcpu.DequeueExternalInterrupt()

	var retries uint64
	for {
		old := icp.load()
		xirr := EncodeXIRR(old.XISR, old.CPPR)
		if old.XISR == 0 {
			return xirr
		}
		next := old
		next.CPPR = old.PendingPriority
		next.PendingPriority = Masked
		next.XISR = 0
		if icp.tryUpdate(old, next, true) {
			icp.stats.noteRetries(retries)
			icp.stats.accepted.Add(1)
			return xirr
		}
		retries++
	}
}

// SetPriority implements H_CPPR.
func (icp *ICP) SetPriority(cppr uint8) {
	// Only this vCPU changes its CPPR, so reading it outside the update is
	// safe.
	current := icp.load().CPPR
	switch {
	case cppr > current:
		icp.downCPPR(cppr)
	case cppr < current:
		icp.upCPPR(cppr)
	}
}

// downCPPR makes the CPPR less favored. A requested IPI that becomes
// presentable is latched, and sources refused earlier get a retry.
func (icp *ICP) downCPPR(cppr uint8) {
	var (
		resend  bool
		reject  uint32
		retries uint64
	)
	for {
		old := icp.load()
		next := old
		next.CPPR = cppr
		reject = 0

		// Nothing latched can be less favored than the MFRR here: Set_MFRR
		// rejects it when the IPI is requested. An interrupt found anyway
		// is redelivered, never dropped.
		if old.MFRR < cppr && old.MFRR <= old.PendingPriority {
			if old.XISR != 0 && old.XISR != IPI {
				reject = old.XISR
			}
			next.PendingPriority = old.MFRR
			next.XISR = IPI
		}

		resend = old.NeedResend
		next.NeedResend = false

		if icp.tryUpdate(old, next, true) {
			icp.stats.noteRetries(retries)
			break
		}
		retries++
	}

	if reject != 0 {
		icp.stats.rejected.Add(1)
		icp.xics.deliverIRQ(icp, reject)
	}
	if resend {
		icp.checkResend()
	}
}

// upCPPR makes the CPPR more favored, rejecting a latched interrupt that is
// no longer presentable.
func (icp *ICP) upCPPR(cppr uint8) {
	icp.vcpu.DequeueExternalInterrupt()

	var (
		reject  uint32
		retries uint64
	)
	for {
		old := icp.load()
		next := old
		next.CPPR = cppr
		reject = 0
		if cppr <= old.PendingPriority {
			reject = old.XISR
			next.XISR = 0
			next.PendingPriority = Masked
		}
		if icp.tryUpdate(old, next, true) {
			icp.stats.noteRetries(retries)
			break
		}
		retries++
	}

	// A more favored CPPR frees nothing for previously refused sources, so
	// there is no resend check here.
	if reject != 0 && reject != IPI {
		icp.stats.rejected.Add(1)
		icp.xics.deliverIRQ(nil, reject)
	}
}

// EndOfInterrupt implements H_EOI. The CPPR is restored from the top byte
// of xirr first; then, unless the interrupt is an IPI, a level source that
// is still asserted is delivered again.
func (icp *ICP) EndOfInterrupt(xirr uint32) error {
	irq, cppr := DecodeXIRR(xirr)

	icp.downCPPR(cppr)

	if irq == IPI {
		return nil
	}

	block, state, err := icp.xics.lockSource(irq)
	if err != nil {
		return fmt.Errorf("xics: eoi: %w", err)
	}
	asserted := state.asserted
	block.mu.Unlock()

	if asserted {
		icp.xics.deliverIRQ(icp, irq)
	}
	return nil
}

// SendIPI implements H_IPI: it sets the MFRR of server's ICP to mfrr.
func (icp *ICP) SendIPI(server uint32, mfrr uint8) error {
	target := icp
	local := icp.server == server
	if !local {
		target = icp.xics.findServer(server)
		if target == nil {
			return fmt.Errorf("xics: ipi: server %d: %w", server, ErrNotFound)
		}
	}
	target.setMFRR(mfrr, local)
	return nil
}

func (icp *ICP) setMFRR(mfrr uint8, local bool) {
	var (
		reject  uint32
		resend  bool
		retries uint64
	)
	for {
		old := icp.load()
		next := old
		next.MFRR = mfrr
		reject = 0
		resend = false

		// Check_IPI: present the IPI if it beats both the CPPR and what is
		// latched, rejecting the latched interrupt.
		if mfrr < old.CPPR && mfrr <= old.PendingPriority {
			reject = old.XISR
			next.PendingPriority = mfrr
			next.XISR = IPI
		}

		// A less favored MFRR may leave room for a refused source.
		if mfrr > old.MFRR && mfrr > old.CPPR && old.NeedResend {
			resend = true
			next.NeedResend = false
		}

		if icp.tryUpdate(old, next, local) {
			icp.stats.noteRetries(retries)
			break
		}
		retries++
	}
	icp.stats.ipis.Add(1)

	if reject != 0 && reject != IPI {
		icp.stats.rejected.Add(1)
		icp.xics.deliverIRQ(icp, reject)
	}
	if resend {
		icp.checkResend()
	}
}

// Poll implements H_IPOLL: it reports the XIRR and MFRR of server's ICP
// without accepting anything.
func (icp *ICP) Poll(server uint32) (xirr uint32, mfrr uint8, err error) {
	target := icp
	if icp.server != server {
		target = icp.xics.findServer(server)
		if target == nil {
			return 0, 0, fmt.Errorf("xics: ipoll: server %d: %w", server, ErrNotFound)
		}
	}
	state := target.load()
	return EncodeXIRR(state.XISR, state.CPPR), state.MFRR, nil
}

func (icp *ICP) reset() {
	icp.state.Store(initialPresentationState().raw())
	for i := range icp.resendMap {
		icp.resendMap[i].Store(0)
	}
}
