// Package irq is the contract between the device models and whatever
// delivers legacy interrupts into a VM.
package irq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/govmd/vlog"
)

// Injector asserts and deasserts a legacy interrupt line on a controller of
// a VM.
type Injector interface {
	AssertIRQ(vmID, controller, line uint32) error
	DeassertIRQ(vmID, controller, line uint32) error
}

// Pulse asserts then deasserts line, so the guest sees a single edge.
func Pulse(inj Injector, vmID, controller, line uint32) error {
	if err := inj.AssertIRQ(vmID, controller, line); err != nil {
		return fmt.Errorf("assert irq %d: %w", line, err)
	}

	if err := inj.DeassertIRQ(vmID, controller, line); err != nil {
		return fmt.Errorf("deassert irq %d: %w", line, err)
	}

	return nil
}

// Event is one call recorded by Recorder.
type Event struct {
	VMID       uint32
	Controller uint32
	Line       uint32
	Level      bool
}

// Recorder is an Injector that remembers every call. Each call is also sent
// to Notify when it is set.
type Recorder struct {
	mu     sync.Mutex
	events []Event

	Notify chan<- Event
}

// AssertIRQ implements Injector.
func (r *Recorder) AssertIRQ(vmID, controller, line uint32) error {
	r.record(Event{VMID: vmID, Controller: controller, Line: line, Level: true})

	return nil
}

// DeassertIRQ implements Injector.
func (r *Recorder) DeassertIRQ(vmID, controller, line uint32) error {
	r.record(Event{VMID: vmID, Controller: controller, Line: line, Level: false})

	return nil
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	if r.Notify != nil {
		r.Notify <- e
	}
}

// Events returns a copy of the recorded calls.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// Pulses counts the assert/deassert pairs recorded for line.
func (r *Recorder) Pulses(line uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for i := 0; i+1 < len(r.events); i++ {
		a, d := r.events[i], r.events[i+1]
		if a.Line == line && a.Level && d.Line == line && !d.Level {
			n++
			i++
		}
	}

	return n
}

// Lines is the number of legacy interrupt lines Counter tracks.
const Lines = 24

// Counter is an Injector that counts the asserts on each line. It backs dry
// runs, where there is no VM to deliver to.
type Counter struct {
	asserts [Lines]atomic.Uint64
}

// AssertIRQ implements Injector.
func (c *Counter) AssertIRQ(vmID, controller, line uint32) error {
	if line < Lines {
		c.asserts[line].Add(1)
	}

	vlog.Debugf("irq: vm %d controller %d line %d asserted", vmID, controller, line)

	return nil
}

// DeassertIRQ implements Injector.
func (c *Counter) DeassertIRQ(vmID, controller, line uint32) error {
	return nil
}

// Count returns how many times line was asserted.
func (c *Counter) Count(line uint32) uint64 {
	if line >= Lines {
		return 0
	}

	return c.asserts[line].Load()
}
