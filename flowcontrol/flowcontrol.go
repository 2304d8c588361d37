// Package flowcontrol implements the per-consumer byte budget for
// buffered replication as a small polymorphic capability set
// {ShouldBuffer, OnAck, OnItemAccepted}, with variants none, static,
// dynamic, and aggressive.
package flowcontrol

import (
	"sync"

	"github.com/couchbase/dcp-replicator/config"
)

// Policy is the capability set every flow-control variant implements.
type Policy interface {
	// ShouldBuffer reports whether pendingBytes unacked bytes exceed
	// the policy's own window, in which case production stops until a
	// buffer-ack arrives. The window variants ignore bufferSize.
	ShouldBuffer(pendingBytes, bufferSize uint32) bool
	// OnAck applies a buffer-ack of ackBytes, lowering the unacked byte
	// count that Pending reports.
	OnAck(ackBytes uint32)
	// OnItemAccepted records bytes sent since the last ack.
	OnItemAccepted(sizeBytes uint32)
	// Pending returns the current unacked byte count.
	Pending() uint32
}

// New constructs the Policy named by p, sized to bufferSize bytes
// (ignored by NonePolicy).
func New(p config.FlowControlPolicy, bufferSize uint32) Policy {
	switch p {
	case config.FlowControlNone:
		return &nonePolicy{}
	case config.FlowControlStatic:
		return &windowPolicy{bufferSize: bufferSize}
	case config.FlowControlAggressive:
		// Aggressive grants a larger effective window before pausing,
		// trading memory for throughput under a healthy consumer.
		return &windowPolicy{bufferSize: bufferSize * 2}
	default: // dynamic
		return &dynamicPolicy{windowPolicy: windowPolicy{bufferSize: bufferSize}}
	}
}

// nonePolicy never buffers: no budget is enforced.
type nonePolicy struct{}

func (nonePolicy) ShouldBuffer(uint32, uint32) bool { return false }
func (*nonePolicy) OnAck(uint32)                    {}
func (*nonePolicy) OnItemAccepted(uint32)           {}
func (*nonePolicy) Pending() uint32                 { return 0 }

// windowPolicy is the static byte-budget implementation shared by
// static and aggressive variants; they differ only in bufferSize.
type windowPolicy struct {
	mu         sync.Mutex
	bufferSize uint32
	pending    uint32
}

func (w *windowPolicy) ShouldBuffer(pendingBytes, _ uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return pendingBytes > w.bufferSize
}

func (w *windowPolicy) OnAck(ackBytes uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ackBytes > w.pending {
		w.pending = 0
	} else {
		w.pending -= ackBytes
	}
}

func (w *windowPolicy) OnItemAccepted(sizeBytes uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending += sizeBytes
}

func (w *windowPolicy) Pending() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// dynamicPolicy grows its window by a quarter after every fourth ack;
// it never shrinks the window. Growth is counted in acks rather than
// measured in time, so no timing-sensitive feedback loop is involved.
type dynamicPolicy struct {
	windowPolicy
	acksSinceGrow int
}

func (d *dynamicPolicy) OnAck(ackBytes uint32) {
	d.windowPolicy.OnAck(ackBytes)
	d.mu.Lock()
	d.acksSinceGrow++
	if d.acksSinceGrow >= 4 {
		d.bufferSize += d.bufferSize / 4
		d.acksSinceGrow = 0
	}
	d.mu.Unlock()
}
