package xics

import (
	"bufio"
	"fmt"
	"io"
)

// WriteState writes a human readable view of every ICP and every
// configured source.
func (c *Controller) WriteState(w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "=========\nICP state\n=========\n")
	for _, icp := range c.presenters() {
		state := icp.load()
		fmt.Fprintf(bw, "server#%d: xisr=%#06x pend_pri=%#02x cppr=%#02x mfrr=%#02x resend=%t out_ee=%t\n",
			icp.server, state.XISR, state.PendingPriority, state.CPPR, state.MFRR,
			state.NeedResend, state.OutEE)
	}

	limit := int(c.maxICSID.Load())
	for id := 0; id <= limit; id++ {
		block := c.ics[id].Load()
		if block == nil {
			continue
		}
		fmt.Fprintf(bw, "=========\nICS state for ICS %#x\n=========\n", id)
		block.mu.Lock()
		for i := range block.sources {
			s := &block.sources[i]
			if !s.exists {
				continue
			}
			fmt.Fprintf(bw, "irq %#06x: server %d prio %#02x save prio %#02x asserted %t resend %t masked pending %t\n",
				s.number, s.server, s.priority, s.savedPriority, s.asserted, s.resend, s.maskedPending)
		}
		block.mu.Unlock()
	}

	return bw.Flush()
}
