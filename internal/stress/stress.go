// Package stress drives an XICS the way a guest and its devices do: one
// goroutine per vCPU takes interrupts with H_XIRR and ends them with H_EOI,
// while device and IPI injectors raise events from other threads. Every
// event raised must eventually be serviced.
package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/xics/internal/chipset"
	"github.com/tinyrange/xics/internal/config"
	"github.com/tinyrange/xics/internal/devices/xics"
	"github.com/tinyrange/xics/internal/hv"
	"github.com/tinyrange/xics/internal/timeslice"
)

var tsRaise = timeslice.RegisterKind("stress::raise", timeslice.SliceFlagDelivery)

// ipiPriority is the MFRR the IPI injectors request.
const ipiPriority uint8 = 0x04

// ErrLost is returned by Run when events were still unserviced at the
// deadline.
var ErrLost = errors.New("interrupts lost")

// Harness is a machine with an XICS, its vCPUs and its devices.
type Harness struct {
	cfg *config.Machine

	vm      *hv.Machine
	ctrl    *xics.Controller
	chipset *chipset.Chipset

	vcpus   []*vcpuRunner
	devices map[uint32]*device
}

// New builds the machine described by cfg. Sources are configured through
// RTAS the way firmware would.
func New(cfg *config.Machine) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stress: %w", err)
	}

	vm := hv.NewMachine(cfg.Name)
	ctrl, err := xics.Create(vm)
	if err != nil {
		return nil, fmt.Errorf("stress: %w", err)
	}
	h := &Harness{
		cfg:     cfg,
		vm:      vm,
		ctrl:    ctrl,
		devices: make(map[uint32]*device),
	}

	for i := range cfg.Servers {
		vcpu := hv.NewSoftVCPU(i)
		if _, err := ctrl.RegisterVCPU(vcpu, cfg.ServerNumber(i)); err != nil {
			return nil, fmt.Errorf("stress: %w", err)
		}
		h.vcpus = append(h.vcpus, &vcpuRunner{h: h, vcpu: vcpu, server: cfg.ServerNumber(i)})
	}

	b := chipset.NewBuilder(vm)
	if err := b.RegisterDevice("xics", ctrl.ChipsetDevice()); err != nil {
		return nil, fmt.Errorf("stress: %w", err)
	}
	if err := b.WithInterruptSink(ctrl); err != nil {
		return nil, fmt.Errorf("stress: %w", err)
	}
	if h.chipset, err = b.Build(); err != nil {
		return nil, fmt.Errorf("stress: %w", err)
	}
	if err := h.chipset.Start(); err != nil {
		return nil, fmt.Errorf("stress: %w", err)
	}

	for _, src := range cfg.Sources {
		irq := uint32(src.IRQ)
		if err := ctrl.CreateSource(irq); err != nil {
			return nil, fmt.Errorf("stress: %w", err)
		}
		if err := h.rtas(xics.RTASSetXive, 1, irq, cfg.ServerNumber(src.Server), uint32(src.Priority)); err != nil {
			return nil, err
		}
		if src.Masked {
			if err := h.rtas(xics.RTASIntOff, 1, irq); err != nil {
				return nil, err
			}
		}
		h.devices[irq] = &device{
			irq:     irq,
			trigger: src.Trigger,
			masked:  src.Masked,
			line:    h.chipset.Lines().AllocateLine(irq),
		}
	}
	return h, nil
}

// Controller returns the XICS of the machine.
func (h *Harness) Controller() *xics.Controller { return h.ctrl }

// Close stops the devices and destroys the controller.
func (h *Harness) Close() error {
	if err := h.chipset.Stop(); err != nil {
		return fmt.Errorf("stress: %w", err)
	}
	for _, r := range h.vcpus {
		h.ctrl.UnregisterVCPU(r.vcpu)
	}
	return xics.Destroy(h.vm)
}

// rtas issues an RTAS call and converts a failure status into an error.
func (h *Harness) rtas(token string, nret int, inputs ...uint32) error {
	call := &hv.RTASCall{Token: token, Inputs: inputs, Outputs: make([]uint32, nret)}
	if err := h.chipset.HandleRTAS(call); err != nil {
		return fmt.Errorf("stress: rtas %s: %w", token, err)
	}
	if status := int32(call.Outputs[0]); status != 0 {
		return fmt.Errorf("stress: rtas %s%v: status %d", token, inputs, status)
	}
	return nil
}

// Result summarizes a run.
type Result struct {
	Raised   uint64
	Serviced uint64
	// Spurious counts H_XIRR calls that found nothing latched.
	Spurious uint64
	// Lost lists the interrupt numbers, IPI included, still owed an
	// interrupt when the run ended.
	Lost    []uint32
	Elapsed time.Duration
	Stats   []xics.Stats
	VCPUs   []VCPUResult
}

// VCPUResult describes the thread that ran one vCPU.
type VCPUResult struct {
	VCPU   int
	Server uint32
	Thread int
	// CPUTime is the user and system time of the vCPU thread, 0 where the
	// platform does not report per-thread usage.
	CPUTime time.Duration
}

// Run injects the configured workload and waits until every event has been
// serviced or the stress timeout, if any, expires. onInject, if not nil, is
// called once per injected event.
func (h *Harness) Run(ctx context.Context, onInject func()) (*Result, error) {
	if onInject == nil {
		onInject = func() {}
	}
	start := time.Now()

	if timeout := h.cfg.Stress.Timeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	guests, guestCtx := errgroup.WithContext(ctx)
	guestCtx, stopGuests := context.WithCancel(guestCtx)
	defer stopGuests()
	for _, r := range h.vcpus {
		guests.Go(func() error { return r.run(guestCtx) })
	}

	injectors, injectCtx := errgroup.WithContext(ctx)
	for _, dev := range h.sortedDevices() {
		injectors.Go(func() error { return h.injectSource(injectCtx, dev, onInject) })
	}
	if len(h.vcpus) > 1 {
		for i, r := range h.vcpus {
			target := h.vcpus[(i+1)%len(h.vcpus)]
			injectors.Go(func() error { return h.injectIPIs(injectCtx, r, target, onInject) })
		}
	}
	injectErr := injectors.Wait()

	drainErr := h.drain(guestCtx)
	stopGuests()
	if err := guests.Wait(); err != nil {
		return nil, err
	}
	if injectErr != nil {
		return nil, injectErr
	}

	res := h.result()
	res.Elapsed = time.Since(start)
	if drainErr != nil || len(res.Lost) > 0 {
		return res, fmt.Errorf("stress: %d sources: %w", len(res.Lost), ErrLost)
	}
	return res, nil
}

func (h *Harness) injectSource(ctx context.Context, dev *device, onInject func()) error {
	for range h.cfg.Stress.Interrupts {
		if err := h.pace(ctx); err != nil {
			return err
		}
		dev.raise()
		onInject()
	}
	if dev.masked {
		// Everything raised so far is masked pending; int-on delivers it.
		if err := h.rtas(xics.RTASIntOn, 1, dev.irq); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) injectIPIs(ctx context.Context, from, to *vcpuRunner, onInject func()) error {
	for range h.cfg.Stress.IPIs {
		if err := h.pace(ctx); err != nil {
			return err
		}
		to.ipiRaised.Add(1)
		call := &hv.Hypercall{Opcode: xics.HIPI, Args: [4]uint64{uint64(to.server), uint64(ipiPriority)}}
		if err := h.hypercall(from.vcpu, call); err != nil {
			return err
		}
		onInject()
	}
	return nil
}

func (h *Harness) pace(ctx context.Context) error {
	interval := h.cfg.Stress.Interval.Duration()
	if interval <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(interval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain waits until nothing is owed.
func (h *Harness) drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if len(h.owed()) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			slog.Warn("stress: deadline with interrupts owed", "owed", len(h.owed()))
			return ctx.Err()
		}
	}
}

func (h *Harness) owed() []uint32 {
	var lost []uint32
	for _, dev := range h.sortedDevices() {
		if dev.serviced.Load() != dev.raised.Load() {
			lost = append(lost, dev.irq)
		}
	}
	for _, r := range h.vcpus {
		if r.ipiServiced.Load() != r.ipiRaised.Load() {
			lost = append(lost, xics.IPI)
			break
		}
	}
	return lost
}

func (h *Harness) result() *Result {
	res := &Result{
		Lost:  h.owed(),
		Stats: h.ctrl.Stats(),
	}
	for _, dev := range h.devices {
		res.Raised += dev.raised.Load()
		res.Serviced += dev.serviced.Load()
	}
	for _, r := range h.vcpus {
		res.Raised += r.ipiRaised.Load()
		res.Serviced += r.ipiServiced.Load()
		res.Spurious += r.spurious.Load()
		res.VCPUs = append(res.VCPUs, VCPUResult{
			VCPU:    r.vcpu.ID(),
			Server:  r.server,
			Thread:  r.tid,
			CPUTime: r.cpuTime,
		})
	}
	return res
}

func (h *Harness) sortedDevices() []*device {
	devs := make([]*device, 0, len(h.devices))
	for _, dev := range h.devices {
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].irq < devs[j].irq })
	return devs
}

// hypercall runs call on behalf of vcpu and converts a failure status into
// an error.
func (h *Harness) hypercall(vcpu hv.VirtualCPU, call *hv.Hypercall) error {
	if err := h.chipset.HandleHypercall(vcpu, call); err != nil {
		return fmt.Errorf("stress: %w", err)
	}
	if call.Status != xics.HSuccess {
		return fmt.Errorf("stress: hypercall %#x%v: status %d", call.Opcode, call.Args, call.Status)
	}
	return nil
}

// device is a platform device behind one interrupt line. It counts events
// raised and events its driver has serviced, like a status register.
type device struct {
	irq     uint32
	trigger config.Trigger
	masked  bool
	line    chipset.LineInterrupt

	raised   atomic.Uint64
	serviced atomic.Uint64
}

func (d *device) raise() {
	start := time.Now()
	defer func() { timeslice.Record(tsRaise, time.Since(start)) }()

	d.raised.Add(1)
	if d.trigger == config.TriggerLevel {
		d.line.SetLevel(true)
		return
	}
	d.line.PulseInterrupt()
}

// service is the driver's handler. A level device lowers its line before
// the status is read, so an event raised afterwards asserts it again.
func (d *device) service() {
	if d.trigger == config.TriggerLevel {
		d.line.SetLevel(false)
	}
	d.serviced.Store(d.raised.Load())
}
