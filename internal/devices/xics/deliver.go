package xics

import "log/slog"

// deliverIRQ attempts to present irq to the server its source targets.
// icp is a hint for that server and may be nil.
//
// The same path serves first deliveries, resends and rejections. A
// rejection is a failed delivery of the displaced interrupt: by the time it
// is handled the target may already accept it again, or the source may have
// been retargeted, so everything is looked up afresh.
func (c *Controller) deliverIRQ(icp *ICP, irq uint32) {
	for {
		block, src := c.findICS(irq)
		if block == nil {
			slog.Warn("xics: deliver irq: source not found", "irq", irq)
			return
		}

		block.mu.Lock()
		state := &block.sources[src]
		if !state.exists {
			block.mu.Unlock()
			slog.Warn("xics: deliver irq: source not found", "irq", irq)
			return
		}

		if icp == nil || state.server != icp.server {
			icp = c.findServer(state.server)
			if icp == nil {
				block.mu.Unlock()
				slog.Warn("xics: deliver irq: server not found", "irq", irq, "server", state.server)
				return
			}
		}

		state.resend = false

		// Masked sources remember the interrupt, resends included, so an
		// interrupt rejected while its source was masked is not lost.
		if state.priority == Masked {
			state.maskedPending = true
			block.mu.Unlock()
			trace.Writef("irq %#x masked pending", irq)
			return
		}

		delivered, reject := icp.tryToDeliver(irq, state.priority)
		if delivered {
			block.mu.Unlock()
			icp.stats.delivered.Add(1)
			if reject != 0 && reject != IPI {
				trace.Writef("irq %#x rejected %#x on server %d", irq, reject, icp.server)
				icp.stats.rejected.Add(1)
				irq = reject
				continue
			}
			return
		}

		icp.stats.refused.Add(1)
		if c.refusedHook != nil {
			c.refusedHook(icp, irq)
		}
		icp.setResend(block.id)
		state.resend = true

		// If NeedResend was cleared between the refused update and the
		// resend bit above, the CPPR change that cleared it may have
		// scanned the resend map too early. Retry instead of waiting for
		// the next one.
		if !icp.load().NeedResend {
			block.mu.Unlock()
			icp.stats.missedWindow.Add(1)
			continue
		}
		block.mu.Unlock()
		return
	}
}
