package stress

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinyrange/xics/internal/devices/xics"
	"github.com/tinyrange/xics/internal/hv"
	"github.com/tinyrange/xics/internal/timeslice"
)

var (
	tsIdle    = timeslice.RegisterKind("stress::vcpu_idle", 0)
	tsService = timeslice.RegisterKind("stress::vcpu_service", timeslice.SliceFlagDelivery)
)

// vcpuRunner plays the guest kernel of one vCPU.
type vcpuRunner struct {
	h      *Harness
	vcpu   *hv.SoftVCPU
	server uint32

	ipiRaised   atomic.Uint64
	ipiServiced atomic.Uint64
	spurious    atomic.Uint64

	// Written by run before it returns.
	tid     int
	cpuTime time.Duration
}

func (r *vcpuRunner) hcall(opcode uint64, args ...uint64) (*hv.Hypercall, error) {
	call := &hv.Hypercall{Opcode: opcode}
	copy(call.Args[:], args)
	if err := r.h.hypercall(r.vcpu, call); err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", r.vcpu.ID(), err)
	}
	return call, nil
}

func (r *vcpuRunner) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r.tid = threadID()
	slog.Debug("vcpu started", "vcpu", r.vcpu.ID(), "server", r.server, "tid", r.tid)

	startCPU, err := threadCPUTime()
	if err != nil {
		slog.Debug("vcpu cpu time not available", "vcpu", r.vcpu.ID(), "error", err)
	} else {
		defer func() {
			if end, err := threadCPUTime(); err == nil {
				r.cpuTime = end - startCPU
			}
		}()
	}

	// Open the ICP to every priority.
	if _, err := r.hcall(xics.HCPPR, uint64(xics.Masked)); err != nil {
		return err
	}

	rec := timeslice.NewRecorder()
	for {
		pending, err := r.vcpu.Wait(ctx)
		rec.Record(tsIdle)
		if err != nil {
			return nil
		}
		if !pending {
			continue
		}

		call, err := r.hcall(xics.HXIRR)
		if err != nil {
			return err
		}
		xirr := call.Ret[0]
		irq, _ := xics.DecodeXIRR(uint32(xirr))

		switch irq {
		case 0:
			r.spurious.Add(1)
			continue
		case xics.IPI:
			// Clear the request before reading what was asked of us.
			if _, err := r.hcall(xics.HIPI, uint64(r.server), uint64(xics.Masked)); err != nil {
				return err
			}
			r.ipiServiced.Store(r.ipiRaised.Load())
		default:
			dev, ok := r.h.devices[irq]
			if !ok {
				return fmt.Errorf("vcpu %d: interrupt %#x has no device", r.vcpu.ID(), irq)
			}
			dev.service()
		}

		if _, err := r.hcall(xics.HEOI, xirr); err != nil {
			return err
		}
		rec.Record(tsService)
	}
}
