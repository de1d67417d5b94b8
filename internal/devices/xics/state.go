package xics

import "fmt"

const (
	// Masked is the least favored priority; a source at Masked never delivers.
	Masked uint8 = 0xff

	// IPI is the pseudo interrupt number latched for inter-processor interrupts.
	IPI uint32 = 2

	// xisrMask limits interrupt numbers to the 24 bits of the XISR.
	xisrMask = 0x00ffffff
)

// Packed layout of PresentationState in one 64-bit word.
const (
	stateXISRShift    = 0
	stateXISRMask     = xisrMask
	statePendingShift = 24
	stateMFRRShift    = 32
	stateCPPRShift    = 40
	stateNeedResend   = 1 << 48
	stateOutEE        = 1 << 49
)

// PresentationState is the presentation state of one ICP. It is only ever
// replaced as a whole through tryUpdate.
type PresentationState struct {
	// CPPR is the current processor priority.
	CPPR uint8
	// MFRR is the priority of a requested inter-processor interrupt.
	MFRR uint8
	// PendingPriority is the priority of XISR, Masked when nothing is latched.
	PendingPriority uint8
	// XISR is the latched interrupt number, 0 when none.
	XISR uint32
	// NeedResend is set when a delivery was refused.
	NeedResend bool
	// OutEE mirrors the external interrupt output. It is derived.
	OutEE bool
}

func initialPresentationState() PresentationState {
	return PresentationState{
		MFRR:            Masked,
		PendingPriority: Masked,
	}
}

func (s PresentationState) raw() uint64 {
	value := uint64(s.XISR&stateXISRMask) << stateXISRShift
	value |= uint64(s.PendingPriority) << statePendingShift
	value |= uint64(s.MFRR) << stateMFRRShift
	value |= uint64(s.CPPR) << stateCPPRShift
	if s.NeedResend {
		value |= stateNeedResend
	}
	if s.OutEE {
		value |= stateOutEE
	}
	return value
}

func decodePresentationState(value uint64) PresentationState {
	return PresentationState{
		XISR:            uint32(value>>stateXISRShift) & stateXISRMask,
		PendingPriority: uint8(value >> statePendingShift),
		MFRR:            uint8(value >> stateMFRRShift),
		CPPR:            uint8(value >> stateCPPRShift),
		NeedResend:      value&stateNeedResend != 0,
		OutEE:           value&stateOutEE != 0,
	}
}

// outputAsserted is the only definition of OutEE.
func (s PresentationState) outputAsserted() bool {
	return s.XISR != 0 && s.PendingPriority < s.CPPR
}

func (s PresentationState) String() string {
	return fmt.Sprintf("cppr=%#02x mfrr=%#02x pending=%#02x xisr=%#06x resend=%t out_ee=%t",
		s.CPPR, s.MFRR, s.PendingPriority, s.XISR, s.NeedResend, s.OutEE)
}

// EncodeXIRR packs an interrupt number and a priority the way H_XIRR
// returns them and H_EOI takes them.
func EncodeXIRR(irq uint32, priority uint8) uint32 {
	return irq&xisrMask | uint32(priority)<<24
}

// DecodeXIRR splits an XIRR value.
func DecodeXIRR(xirr uint32) (irq uint32, priority uint8) {
	return xirr & xisrMask, uint8(xirr >> 24)
}
