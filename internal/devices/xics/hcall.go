package xics

import (
	"errors"
	"time"

	"github.com/tinyrange/xics/internal/hv"
	"github.com/tinyrange/xics/internal/timeslice"
)

// PAPR hypercall opcodes served by the XICS.
const (
	HEOI   uint64 = 0x64
	HCPPR  uint64 = 0x68
	HIPI   uint64 = 0x6c
	HIPOLL uint64 = 0x70
	HXIRR  uint64 = 0x74
)

// PAPR hypercall return codes.
const (
	HSuccess   int64 = 0
	HHardware  int64 = -1
	HFunction  int64 = -2
	HParameter int64 = -4
)

var (
	tsHEOI   = timeslice.RegisterKind("xics::h_eoi", timeslice.SliceFlagHypercall)
	tsHCPPR  = timeslice.RegisterKind("xics::h_cppr", timeslice.SliceFlagHypercall)
	tsHIPI   = timeslice.RegisterKind("xics::h_ipi", timeslice.SliceFlagHypercall)
	tsHIPOLL = timeslice.RegisterKind("xics::h_ipoll", timeslice.SliceFlagHypercall)
	tsHXIRR  = timeslice.RegisterKind("xics::h_xirr", timeslice.SliceFlagHypercall)
)

// Hypercalls lists the opcodes HandleHypercall serves.
func (c *Controller) Hypercalls() []uint64 {
	return []uint64{HEOI, HCPPR, HIPI, HIPOLL, HXIRR}
}

// HandleHypercall runs an XICS hypercall on behalf of vcpu and stores the
// PAPR status and return registers in call.
func (c *Controller) HandleHypercall(vcpu hv.VirtualCPU, call *hv.Hypercall) {
	icp, err := c.Presenter(vcpu)
	if err != nil {
		call.Status = HHardware
		return
	}

	start := time.Now()
	switch call.Opcode {
	case HXIRR:
		call.Ret[0] = uint64(icp.Accept())
		call.Status = HSuccess
		timeslice.Record(tsHXIRR, time.Since(start))
	case HCPPR:
		icp.SetPriority(uint8(call.Args[0]))
		call.Status = HSuccess
		timeslice.Record(tsHCPPR, time.Since(start))
	case HEOI:
		call.Status = status(icp.EndOfInterrupt(uint32(call.Args[0])))
		timeslice.Record(tsHEOI, time.Since(start))
	case HIPI:
		call.Status = status(icp.SendIPI(uint32(call.Args[0]), uint8(call.Args[1])))
		timeslice.Record(tsHIPI, time.Since(start))
	case HIPOLL:
		xirr, mfrr, err := icp.Poll(uint32(call.Args[0]))
		call.Status = status(err)
		if err == nil {
			call.Ret[0] = uint64(xirr)
			call.Ret[1] = uint64(mfrr)
		}
		timeslice.Record(tsHIPOLL, time.Since(start))
	default:
		call.Status = HFunction
	}
}

// HandleHypercall routes call to the XICS of vm. A machine without an XICS
// answers H_HARDWARE.
func HandleHypercall(vm *hv.Machine, vcpu hv.VirtualCPU, call *hv.Hypercall) {
	c, err := FromMachine(vm)
	if err != nil {
		call.Status = HHardware
		return
	}
	c.HandleHypercall(vcpu, call)
}

func status(err error) int64 {
	switch {
	case err == nil:
		return HSuccess
	case errors.Is(err, ErrNoController):
		return HHardware
	default:
		return HParameter
	}
}
