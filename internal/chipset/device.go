package chipset

import (
	"context"

	"github.com/tinyrange/xics/internal/hv"
)

// HypercallHandler serves guest hypercalls. It writes the status and return
// registers into call.
type HypercallHandler interface {
	HandleHypercall(vcpu hv.VirtualCPU, call *hv.Hypercall)
}

// HypercallIntercept describes the hypercall opcodes a device serves.
type HypercallIntercept struct {
	Opcodes []uint64
	Handler HypercallHandler
}

// RTASHandler serves RTAS calls.
type RTASHandler interface {
	HandleRTAS(call *hv.RTASCall) error
}

// RTASIntercept describes the RTAS services a device serves.
type RTASIntercept struct {
	Tokens  []string
	Handler RTASHandler
}

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState

	SupportsHypercalls() *HypercallIntercept
	SupportsRTAS() *RTASIntercept
	SupportsPollDevice() *PollDevice
}
