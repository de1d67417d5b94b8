package xics

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/xics/internal/hv"
)

type testMachine struct {
	vm    *hv.Machine
	c     *Controller
	vcpus []*hv.SoftVCPU
	icps  []*ICP
}

func newTestMachine(t *testing.T, servers ...uint32) *testMachine {
	t.Helper()

	vm := hv.NewMachine(t.Name())
	c, err := Create(vm)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m := &testMachine{vm: vm, c: c}
	for i, server := range servers {
		vcpu := hv.NewSoftVCPU(i)
		icp, err := c.RegisterVCPU(vcpu, server)
		if err != nil {
			t.Fatalf("RegisterVCPU(%d): %v", server, err)
		}
		m.vcpus = append(m.vcpus, vcpu)
		m.icps = append(m.icps, icp)
	}
	return m
}

func (m *testMachine) source(t *testing.T, irq, server uint32, priority uint8) {
	t.Helper()
	if err := m.c.CreateSource(irq); err != nil {
		t.Fatalf("CreateSource(%#x): %v", irq, err)
	}
	if err := m.c.SetXive(irq, server, priority); err != nil {
		t.Fatalf("SetXive(%#x): %v", irq, err)
	}
}

// sourceState returns a copy of the state of irq.
func (m *testMachine) sourceState(t *testing.T, irq uint32) sourceState {
	t.Helper()
	block, state, err := m.c.lockSource(irq)
	if err != nil {
		t.Fatalf("lockSource(%#x): %v", irq, err)
	}
	defer block.mu.Unlock()
	return *state
}

func assertState(t *testing.T, icp *ICP, want PresentationState) {
	t.Helper()
	if diff := cmp.Diff(want, icp.State()); diff != "" {
		t.Fatalf("server %d state mismatch (-want +got):\n%s", icp.Server(), diff)
	}
}

func TestEndToEnd(t *testing.T) {
	m := newTestMachine(t, 1, 2)
	a, b := m.icps[0], m.icps[1]
	vcpuA, vcpuB := m.vcpus[0], m.vcpus[1]

	a.SetPriority(0x20)
	b.SetPriority(0x20)

	// A level source latches on A and raises A's external input.
	m.source(t, 0x10, 1, 0x10)
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSetLevel); err != nil {
		t.Fatalf("DeliverExternalInterrupt: %v", err)
	}
	assertState(t, a, PresentationState{CPPR: 0x20, MFRR: Masked, PendingPriority: 0x10, XISR: 0x10, OutEE: true})
	if !vcpuA.ExternalPending() {
		t.Fatalf("A external input not pending")
	}
	if vcpuA.Kicks() != 1 {
		t.Fatalf("A kicked %d times, want 1", vcpuA.Kicks())
	}

	// Accept returns the CPPR from before the accept.
	xirr := a.Accept()
	if irq, prio := DecodeXIRR(xirr); irq != 0x10 || prio != 0x20 {
		t.Fatalf("Accept = (%#x, %#x), want (0x10, 0x20)", irq, prio)
	}
	assertState(t, a, PresentationState{CPPR: 0x10, MFRR: Masked, PendingPriority: Masked})
	if vcpuA.ExternalPending() {
		t.Fatalf("A external input still pending after accept")
	}

	// The line is still high, so EOI delivers it again.
	if err := a.EndOfInterrupt(EncodeXIRR(0x10, 0x20)); err != nil {
		t.Fatalf("EndOfInterrupt: %v", err)
	}
	assertState(t, a, PresentationState{CPPR: 0x20, MFRR: Masked, PendingPriority: 0x10, XISR: 0x10, OutEE: true})

	// A more favored source latches while A runs at 0x10.
	a.Accept()
	m.source(t, 0x11, 1, 0x08)
	if err := m.c.DeliverExternalInterrupt(0x11, LevelSet); err != nil {
		t.Fatalf("DeliverExternalInterrupt: %v", err)
	}
	assertState(t, a, PresentationState{CPPR: 0x10, MFRR: Masked, PendingPriority: 0x08, XISR: 0x11, OutEE: true})

	// An IPI from A wakes B.
	kicks := vcpuB.Kicks()
	if err := a.SendIPI(2, 0x05); err != nil {
		t.Fatalf("SendIPI: %v", err)
	}
	assertState(t, b, PresentationState{CPPR: 0x20, MFRR: 0x05, PendingPriority: 0x05, XISR: IPI, OutEE: true})
	if !vcpuB.ExternalPending() {
		t.Fatalf("B external input not pending")
	}
	if vcpuB.Kicks() != kicks+1 {
		t.Fatalf("B kicked %d times, want %d", vcpuB.Kicks(), kicks+1)
	}
}

func TestSamePrioritySourcesResend(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x20)
	m.source(t, 0x20, 1, 0x10)
	m.source(t, 0x21, 1, 0x10)

	var g errgroup.Group
	for _, irq := range []uint32{0x20, 0x21} {
		g.Go(func() error {
			return m.c.DeliverExternalInterrupt(irq, LevelSet)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	state := a.State()
	var winner, loser uint32
	switch state.XISR {
	case 0x20:
		winner, loser = 0x20, 0x21
	case 0x21:
		winner, loser = 0x21, 0x20
	default:
		t.Fatalf("XISR = %#x, want 0x20 or 0x21", state.XISR)
	}
	if !state.NeedResend {
		t.Fatalf("NeedResend not set after refused delivery")
	}
	if !m.sourceState(t, loser).resend {
		t.Fatalf("irq %#x resend flag not set", loser)
	}
	if m.sourceState(t, winner).resend {
		t.Fatalf("irq %#x resend flag set", winner)
	}
	if a.resendMap[0].Load()&1 == 0 {
		t.Fatalf("block 0 not flagged in resend map")
	}

	// EOI of the winner lowers the CPPR and picks the loser up.
	xirr := a.Accept()
	if err := a.EndOfInterrupt(xirr); err != nil {
		t.Fatalf("EndOfInterrupt: %v", err)
	}
	assertState(t, a, PresentationState{CPPR: 0x20, MFRR: Masked, PendingPriority: 0x10, XISR: loser, OutEE: true})
	if m.sourceState(t, loser).resend {
		t.Fatalf("irq %#x still flagged for resend", loser)
	}
	if a.resendMap[0].Load() != 0 {
		t.Fatalf("resend map not cleared")
	}
	if got := a.Stats().Resends; got != 1 {
		t.Fatalf("resends = %d, want 1", got)
	}
}

func TestRefusedDeliveryRetriesMissedWindow(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	m.source(t, 0x10, 1, 0x10)

	// Open the ICP between the refusal and the resend bit, the way a
	// concurrent H_CPPR would: NeedResend is consumed while the resend
	// map is still empty.
	hooked := 0
	m.c.refusedHook = func(icp *ICP, irq uint32) {
		hooked++
		if hooked > 1 {
			return
		}
		old := icp.load()
		next := old
		next.CPPR = Masked
		next.NeedResend = false
		if !icp.tryUpdate(old, next, true) {
			t.Errorf("tryUpdate lost a race with nobody")
		}
	}

	// CPPR starts at 0, so the first attempt is refused.
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}
	if hooked != 1 {
		t.Fatalf("refused %d times, want 1", hooked)
	}
	assertState(t, a, PresentationState{
		CPPR:            Masked,
		MFRR:            Masked,
		PendingPriority: 0x10,
		XISR:            0x10,
		OutEE:           true,
	})
	if m.sourceState(t, 0x10).resend {
		t.Fatalf("source still waiting for a resend")
	}
	stats := a.Stats()
	if stats.MissedWindow != 1 || stats.Refused != 1 || stats.Delivered != 1 {
		t.Fatalf("stats = %+v, want one refusal, one missed window, one delivery", stats)
	}
}

func TestRefusedDeliveryWaitsForResend(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	m.source(t, 0x10, 1, 0x10)

	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}
	if !a.State().NeedResend || !m.sourceState(t, 0x10).resend {
		t.Fatalf("refused delivery not recorded for resend")
	}
	if got := a.Stats().MissedWindow; got != 0 {
		t.Fatalf("MissedWindow = %d, want 0", got)
	}

	a.SetPriority(Masked)
	if got := a.State().XISR; got != 0x10 {
		t.Fatalf("XISR after opening the ICP = %#x, want 0x10", got)
	}
}

func TestRejectRedeliversToNewServer(t *testing.T) {
	m := newTestMachine(t, 1, 2)
	a, b := m.icps[0], m.icps[1]
	a.SetPriority(0x20)
	b.SetPriority(0x20)

	m.source(t, 0x10, 1, 0x10)
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatalf("DeliverExternalInterrupt: %v", err)
	}
	if err := m.c.SetXive(0x10, 2, 0x10); err != nil {
		t.Fatalf("SetXive: %v", err)
	}

	// Raising A's CPPR above the latched interrupt rejects it; it follows
	// its source to B.
	a.SetPriority(0x08)
	assertState(t, a, PresentationState{CPPR: 0x08, MFRR: Masked, PendingPriority: Masked})
	assertState(t, b, PresentationState{CPPR: 0x20, MFRR: Masked, PendingPriority: 0x10, XISR: 0x10, OutEE: true})
	if got := a.Stats().Rejected; got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
}

func TestMoreFavoredDeliveryRejects(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x20)
	m.source(t, 0x30, 1, 0x10)
	m.source(t, 0x31, 1, 0x08)

	for _, irq := range []uint32{0x30, 0x31} {
		if err := m.c.DeliverExternalInterrupt(irq, LevelSet); err != nil {
			t.Fatalf("DeliverExternalInterrupt(%#x): %v", irq, err)
		}
	}
	state := a.State()
	if state.XISR != 0x31 || state.PendingPriority != 0x08 {
		t.Fatalf("latched %s, want 0x31 at 0x08", state)
	}
	// The displaced interrupt is refused and kept for a resend.
	if !m.sourceState(t, 0x30).resend || !state.NeedResend {
		t.Fatalf("displaced irq not flagged for resend")
	}
}

func TestSetPriorityIdempotent(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	m.source(t, 0x10, 1, 0x10)
	a.SetPriority(0x20)
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}

	before := a.State()
	updates := a.Stats().Updates
	a.SetPriority(0x20)
	if diff := cmp.Diff(before, a.State()); diff != "" {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
	if got := a.Stats().Updates; got != updates {
		t.Fatalf("updates = %d, want %d", got, updates)
	}
}

func TestAcceptNothingPending(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x40)

	if irq, prio := DecodeXIRR(a.Accept()); irq != 0 || prio != 0x40 {
		t.Fatalf("Accept = (%#x, %#x), want (0, 0x40)", irq, prio)
	}
	assertState(t, a, PresentationState{CPPR: 0x40, MFRR: Masked, PendingPriority: Masked})
}

func TestInitialState(t *testing.T) {
	m := newTestMachine(t, 7)
	assertState(t, m.icps[0], PresentationState{CPPR: 0, MFRR: Masked, PendingPriority: Masked})

	// CPPR 0 refuses everything until the guest opens the ICP.
	m.source(t, 0x10, 7, 0x10)
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}
	if m.icps[0].State().XISR != 0 {
		t.Fatalf("interrupt latched with CPPR 0")
	}
	m.icps[0].SetPriority(Masked)
	if m.icps[0].State().XISR != 0x10 {
		t.Fatalf("refused interrupt not resent when the ICP opened")
	}
}

func TestEdgeAndLevel(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x20)
	m.source(t, 0x10, 1, 0x10)

	// An edge is not redelivered on EOI.
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}
	if err := a.EndOfInterrupt(a.Accept()); err != nil {
		t.Fatal(err)
	}
	assertState(t, a, PresentationState{CPPR: 0x20, MFRR: Masked, PendingPriority: Masked})

	// A lowered level line is not redelivered either.
	m.c.SetIRQ(0x10, true)
	xirr := a.Accept()
	m.c.SetIRQ(0x10, false)
	if err := a.EndOfInterrupt(xirr); err != nil {
		t.Fatal(err)
	}
	assertState(t, a, PresentationState{CPPR: 0x20, MFRR: Masked, PendingPriority: Masked})

	if got := a.Stats().Delivered; got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
}

func TestSelfIPIDoesNotKick(t *testing.T) {
	m := newTestMachine(t, 1)
	a, vcpu := m.icps[0], m.vcpus[0]
	a.SetPriority(0x20)

	if err := a.SendIPI(1, 0x05); err != nil {
		t.Fatalf("SendIPI: %v", err)
	}
	assertState(t, a, PresentationState{CPPR: 0x20, MFRR: 0x05, PendingPriority: 0x05, XISR: IPI, OutEE: true})
	if !vcpu.ExternalPending() {
		t.Fatalf("external input not pending after self IPI")
	}
	if vcpu.Kicks() != 0 {
		t.Fatalf("self IPI kicked the vCPU")
	}

	// The guest clears the MFRR, then EOIs the IPI without a source lookup.
	xirr := a.Accept()
	if err := a.SendIPI(1, Masked); err != nil {
		t.Fatal(err)
	}
	if err := a.EndOfInterrupt(xirr); err != nil {
		t.Fatalf("EndOfInterrupt(IPI): %v", err)
	}
	assertState(t, a, PresentationState{CPPR: 0x20, MFRR: Masked, PendingPriority: Masked})
}

func TestIPIRejectsLatchedInterrupt(t *testing.T) {
	m := newTestMachine(t, 1, 2)
	a, b := m.icps[0], m.icps[1]
	b.SetPriority(0x20)
	m.source(t, 0x10, 2, 0x10)
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}

	if err := a.SendIPI(2, 0x10); err != nil {
		t.Fatal(err)
	}
	state := b.State()
	if state.XISR != IPI {
		t.Fatalf("XISR = %#x, want IPI", state.XISR)
	}
	if !m.sourceState(t, 0x10).resend {
		t.Fatalf("rejected irq not flagged for resend")
	}

	// Clearing the MFRR after the IPI is handled brings the source back.
	xirr := b.Accept()
	if err := b.SendIPI(2, Masked); err != nil {
		t.Fatal(err)
	}
	if err := b.EndOfInterrupt(xirr); err != nil {
		t.Fatal(err)
	}
	if got := b.State().XISR; got != 0x10 {
		t.Fatalf("XISR = %#x, want 0x10", got)
	}
}

func TestMaskedPending(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x20)
	m.source(t, 0x10, 1, 0x10)

	if err := m.c.IntOff(0x10); err != nil {
		t.Fatalf("IntOff: %v", err)
	}
	if _, prio, _ := m.c.GetXive(0x10); prio != Masked {
		t.Fatalf("priority after IntOff = %#x, want masked", prio)
	}
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}
	if a.State().XISR != 0 {
		t.Fatalf("masked source delivered")
	}
	if !m.sourceState(t, 0x10).maskedPending {
		t.Fatalf("masked source did not remember the interrupt")
	}

	if err := m.c.IntOn(0x10); err != nil {
		t.Fatalf("IntOn: %v", err)
	}
	if a.State().XISR != 0x10 {
		t.Fatalf("IntOn did not deliver the pending interrupt")
	}
	if m.sourceState(t, 0x10).maskedPending {
		t.Fatalf("masked pending still set after delivery")
	}
}

func TestIntOnMissingServerKeepsSource(t *testing.T) {
	m := newTestMachine(t, 1)
	m.source(t, 0x10, 1, 0x10)

	if err := m.c.IntOff(0x10); err != nil {
		t.Fatalf("IntOff: %v", err)
	}
	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}
	m.c.UnregisterVCPU(m.vcpus[0])

	if err := m.c.IntOn(0x10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("IntOn error = %v, want %v", err, ErrNotFound)
	}
	state := m.sourceState(t, 0x10)
	if state.priority != Masked || !state.maskedPending {
		t.Fatalf("failed IntOn changed the source: priority=%#x maskedPending=%t",
			state.priority, state.maskedPending)
	}

	// The interrupt is still owed once the server comes back.
	icp, err := m.c.RegisterVCPU(hv.NewSoftVCPU(1), 1)
	if err != nil {
		t.Fatalf("RegisterVCPU: %v", err)
	}
	icp.SetPriority(0x20)
	if err := m.c.IntOn(0x10); err != nil {
		t.Fatalf("IntOn: %v", err)
	}
	if got := icp.State().XISR; got != 0x10 {
		t.Fatalf("XISR = %#x, want 0x10", got)
	}
}

func TestSetXiveDeliversMaskedPending(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x20)
	m.source(t, 0x10, 1, Masked)

	if err := m.c.DeliverExternalInterrupt(0x10, LevelSet); err != nil {
		t.Fatal(err)
	}
	if err := m.c.SetXive(0x10, 1, 0x10); err != nil {
		t.Fatal(err)
	}
	if a.State().XISR != 0x10 {
		t.Fatalf("SetXive did not deliver the pending interrupt")
	}
}

func TestSetXiveErrors(t *testing.T) {
	m := newTestMachine(t, 1)
	m.source(t, 0x10, 1, 0x10)

	tests := []struct {
		name   string
		irq    uint32
		server uint32
	}{
		{"unknown server", 0x10, 9},
		{"unknown block", 0x4000, 1},
		{"unconfigured source", 0x12, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.c.SetXive(tt.irq, tt.server, 0x10); !errors.Is(err, ErrNotFound) {
				t.Fatalf("SetXive error = %v, want ErrNotFound", err)
			}
		})
	}
	if server, prio, err := m.c.GetXive(0x10); err != nil || server != 1 || prio != 0x10 {
		t.Fatalf("GetXive = %d, %#x, %v; want 1, 0x10, nil", server, prio, err)
	}
}

func TestDeliverErrors(t *testing.T) {
	m := newTestMachine(t, 1)
	m.icps[0].SetPriority(0x20)
	m.source(t, 0x10, 1, 0x10)

	before := m.sourceState(t, 0x10)
	if err := m.c.DeliverExternalInterrupt(0x10, Level(5)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("invalid level error = %v, want ErrInvalidArgument", err)
	}
	if diff := cmp.Diff(before, m.sourceState(t, 0x10), cmp.AllowUnexported(sourceState{})); diff != "" {
		t.Fatalf("invalid level changed the source (-before +after):\n%s", diff)
	}
	if m.icps[0].State().XISR != 0 {
		t.Fatalf("invalid level delivered")
	}

	err := m.c.DeliverExternalInterrupt(0x99, LevelSet)
	if !errors.Is(err, ErrInvalidArgument) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown irq error = %v, want ErrInvalidArgument and ErrNotFound", err)
	}
}

func TestEndOfInterruptUnknownIRQ(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x10)

	if err := a.EndOfInterrupt(EncodeXIRR(0x99, 0x20)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EndOfInterrupt error = %v, want ErrNotFound", err)
	}
	// The CPPR is restored before the lookup fails.
	if got := a.State().CPPR; got != 0x20 {
		t.Fatalf("CPPR = %#x, want 0x20", got)
	}
}

func TestSendIPIUnknownServer(t *testing.T) {
	m := newTestMachine(t, 1)
	if err := m.icps[0].SendIPI(5, 0x05); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SendIPI error = %v, want ErrNotFound", err)
	}
	if _, _, err := m.icps[0].Poll(5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Poll error = %v, want ErrNotFound", err)
	}
}

func TestCreateSource(t *testing.T) {
	m := newTestMachine(t, 1)
	for _, irq := range []uint32{0, IPI, FirstIRQ - 1, NumIRQs} {
		if err := m.c.CreateSource(irq); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("CreateSource(%#x) error = %v, want ErrInvalidArgument", irq, err)
		}
	}
	if err := m.c.CreateSource(0x1234); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if err := m.c.CreateSource(0x1234); err != nil {
		t.Fatalf("CreateSource twice: %v", err)
	}
	if got := m.c.maxICSID.Load(); got != 0x1234>>ICSShift {
		t.Fatalf("maxICSID = %d, want %d", got, 0x1234>>ICSShift)
	}
	if _, prio, err := m.c.GetXive(0x1234); err != nil || prio != Masked {
		t.Fatalf("new source = %#x, %v; want masked", prio, err)
	}
}

func TestCreateAndDestroy(t *testing.T) {
	vm := hv.NewMachine("test")
	if _, err := FromMachine(vm); !errors.Is(err, ErrNoController) {
		t.Fatalf("FromMachine error = %v, want ErrNoController", err)
	}

	c, err := Create(vm)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Create(vm); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Create error = %v, want ErrAlreadyExists", err)
	}
	if got, err := FromMachine(vm); err != nil || got != c {
		t.Fatalf("FromMachine = %p, %v; want %p", got, err, c)
	}

	vcpu := hv.NewSoftVCPU(0)
	if _, err := c.RegisterVCPU(vcpu, 1); err != nil {
		t.Fatalf("RegisterVCPU: %v", err)
	}
	if _, err := c.RegisterVCPU(hv.NewSoftVCPU(1), 1); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate server error = %v, want ErrAlreadyExists", err)
	}
	if _, err := c.RegisterVCPU(vcpu, 2); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate vcpu error = %v, want ErrAlreadyExists", err)
	}

	c.UnregisterVCPU(vcpu)
	if _, err := c.Presenter(vcpu); !errors.Is(err, ErrNoController) {
		t.Fatalf("Presenter after unregister = %v, want ErrNoController", err)
	}
	if _, err := c.Server(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Server after unregister = %v, want ErrNotFound", err)
	}

	if err := Destroy(vm); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := FromMachine(vm); !errors.Is(err, ErrNoController) {
		t.Fatalf("FromMachine after destroy = %v, want ErrNoController", err)
	}
	if err := Destroy(vm); !errors.Is(err, ErrNoController) {
		t.Fatalf("second Destroy = %v, want ErrNoController", err)
	}
	if _, err := Create(vm); err != nil {
		t.Fatalf("Create after destroy: %v", err)
	}
}

func TestReset(t *testing.T) {
	m := newTestMachine(t, 1)
	a := m.icps[0]
	a.SetPriority(0x20)
	m.source(t, 0x10, 1, 0x10)
	m.source(t, 0x11, 1, 0x10)
	m.c.SetIRQ(0x10, true)
	m.c.PulseIRQ(0x11)

	m.c.Reset()

	assertState(t, a, initialPresentationState())
	if m.vcpus[0].ExternalPending() {
		t.Fatalf("external input pending after reset")
	}
	if a.resendMap[0].Load() != 0 {
		t.Fatalf("resend map not cleared")
	}
	for _, irq := range []uint32{0x10, 0x11} {
		state := m.sourceState(t, irq)
		if state.priority != Masked || state.asserted || state.resend || !state.exists {
			t.Fatalf("irq %#x not reset: %+v", irq, state)
		}
	}
}

func TestWriteState(t *testing.T) {
	m := newTestMachine(t, 1)
	m.icps[0].SetPriority(0x20)
	m.source(t, 0x10, 1, 0x10)
	m.c.SetIRQ(0x10, true)
	if err := m.c.CreateSource(0x12); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	var sb strings.Builder
	if err := m.c.WriteState(&sb); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	out := sb.String()
	for _, want := range []string{
		"server#1: xisr=0x000010 pend_pri=0x10 cppr=0x20 mfrr=0xff",
		"ICS state for ICS 0x0",
		"irq 0x000010: server 1 prio 0x10 save prio 0x10 asserted true",
		"irq 0x000012: server 0 prio 0xff",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("state dump missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "irq 0x000011") {
		t.Fatalf("state dump lists an unconfigured source:\n%s", out)
	}
}
