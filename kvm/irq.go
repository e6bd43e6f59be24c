package kvm

import (
	"unsafe"

	"github.com/bobuhiro11/govmd/irq"
)

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of an interrupt line of the in-kernel irqchip.
func IRQLine(vmFd uintptr, line, level uint32) error {
	irqLev := irqLevel{
		IRQ:   line,
		Level: level,
	}

	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC and I/O-APIC pair the lines land on.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// LineInjector delivers device interrupts to a KVM VM with KVM_IRQ_LINE.
// KVM routes lines itself, so the controller id is not used.
type LineInjector struct {
	VMID uint32
	VMFd uintptr
}

// AssertIRQ implements irq.Injector.
func (l *LineInjector) AssertIRQ(vmID, controller, line uint32) error {
	if vmID != l.VMID {
		return ErrVMMismatch
	}

	return IRQLine(l.VMFd, line, 1)
}

// DeassertIRQ implements irq.Injector.
func (l *LineInjector) DeassertIRQ(vmID, controller, line uint32) error {
	if vmID != l.VMID {
		return ErrVMMismatch
	}

	return IRQLine(l.VMFd, line, 0)
}

var _ irq.Injector = (*LineInjector)(nil)
