package chipset

import "sync"

// LineSet tracks the level of interrupt lines driven by platform devices
// and forwards changes to an InterruptSink.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint32]*lineState
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
	}
}

// AllocateLine returns a LineInterrupt handle for the given interrupt number.
func (l *LineSet) AllocateLine(irq uint32) LineInterrupt {
	l.line(irq)
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the current level of irq.
func (l *LineSet) Level(irq uint32) bool {
	state := l.line(irq)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.level
}

func (l *LineSet) line(irq uint32) *lineState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	return state
}

// lineState is held across the call into the sink so changes of one line
// reach it in the order they were made.
type lineState struct {
	mu    sync.Mutex
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.sink.PulseIRQ(h.irq)
}

// setLevel only forwards changes.
func (l *LineSet) setLevel(irq uint32, high bool) {
	state := l.line(irq)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.level == high {
		return
	}
	state.level = high
	l.sink.SetIRQ(irq, high)
}

func (l *LineSet) reset() {
	l.mu.Lock()
	irqs := make([]uint32, 0, len(l.lines))
	for irq := range l.lines {
		irqs = append(irqs, irq)
	}
	l.mu.Unlock()

	for _, irq := range irqs {
		l.setLevel(irq, false)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
func (noopInterruptSink) PulseIRQ(uint32)     {}
