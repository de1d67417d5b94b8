package hv

import (
	"context"
	"sync/atomic"
)

// SoftVCPU is a VirtualCPU backed by a goroutine instead of a hardware vCPU.
// The external interrupt input is a flag; Kick wakes a goroutine blocked in
// Wait.
type SoftVCPU struct {
	id int

	external atomic.Bool
	wake     chan struct{}

	queued   atomic.Uint64
	dequeued atomic.Uint64
	kicks    atomic.Uint64
}

func NewSoftVCPU(id int) *SoftVCPU {
	return &SoftVCPU{
		id:   id,
		wake: make(chan struct{}, 1),
	}
}

// ID implements VirtualCPU.
func (v *SoftVCPU) ID() int { return v.id }

// QueueExternalInterrupt implements VirtualCPU.
func (v *SoftVCPU) QueueExternalInterrupt() {
	v.queued.Add(1)
	v.external.Store(true)
}

// DequeueExternalInterrupt implements VirtualCPU.
func (v *SoftVCPU) DequeueExternalInterrupt() {
	v.dequeued.Add(1)
	v.external.Store(false)
}

// Kick implements VirtualCPU.
func (v *SoftVCPU) Kick() {
	v.kicks.Add(1)
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// ExternalPending reports the external interrupt input.
func (v *SoftVCPU) ExternalPending() bool { return v.external.Load() }

// Kicks returns how many times the vCPU was woken by another thread.
func (v *SoftVCPU) Kicks() uint64 { return v.kicks.Load() }

// Queued returns how many times the external input was raised.
func (v *SoftVCPU) Queued() uint64 { return v.queued.Load() }

// Wait blocks until the external input is pending, the vCPU is kicked or
// ctx is done. It returns true when the external input is pending.
func (v *SoftVCPU) Wait(ctx context.Context) (bool, error) {
	if v.external.Load() {
		return true, nil
	}
	select {
	case <-v.wake:
		return v.external.Load(), nil
	case <-ctx.Done():
		return v.external.Load(), ctx.Err()
	}
}

var _ VirtualCPU = (*SoftVCPU)(nil)
