package xics

import (
	"sort"
	"sync/atomic"
)

type icpStats struct {
	updates     atomic.Uint64
	casFailures atomic.Uint64
	maxRetries  atomic.Uint64

	delivered    atomic.Uint64
	refused      atomic.Uint64
	rejected     atomic.Uint64
	resends      atomic.Uint64
	missedWindow atomic.Uint64
	accepted     atomic.Uint64
	ipis         atomic.Uint64
}

// noteRetries records the number of failed compare-and-swaps one
// operation needed before it applied.
func (s *icpStats) noteRetries(n uint64) {
	for {
		cur := s.maxRetries.Load()
		if n <= cur || s.maxRetries.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Stats is a snapshot of the counters of one ICP.
type Stats struct {
	Server uint32

	// Updates counts state transitions that applied.
	Updates uint64
	// CASFailures counts transitions that lost a race and were retried.
	CASFailures uint64
	// MaxRetries is the longest retry run a single operation needed.
	MaxRetries uint64

	Delivered    uint64
	Refused      uint64
	Rejected     uint64
	Resends      uint64
	MissedWindow uint64
	Accepted     uint64
	IPIs         uint64
}

func (icp *ICP) Stats() Stats {
	return Stats{
		Server:       icp.server,
		Updates:      icp.stats.updates.Load(),
		CASFailures:  icp.stats.casFailures.Load(),
		MaxRetries:   icp.stats.maxRetries.Load(),
		Delivered:    icp.stats.delivered.Load(),
		Refused:      icp.stats.refused.Load(),
		Rejected:     icp.stats.rejected.Load(),
		Resends:      icp.stats.resends.Load(),
		MissedWindow: icp.stats.missedWindow.Load(),
		Accepted:     icp.stats.accepted.Load(),
		IPIs:         icp.stats.ipis.Load(),
	}
}

// Stats returns the counters of every ICP ordered by server number.
func (c *Controller) Stats() []Stats {
	var out []Stats
	for _, icp := range c.presenters() {
		out = append(out, icp.Stats())
	}
	return out
}

// presenters returns every registered ICP ordered by server number.
func (c *Controller) presenters() []*ICP {
	var icps []*ICP
	c.servers.Range(func(_, value any) bool {
		icps = append(icps, value.(*ICP))
		return true
	})
	sort.Slice(icps, func(i, j int) bool { return icps[i].server < icps[j].server })
	return icps
}
