// Package lapic emulates the version register of an 82489DX local APIC.
// Every other register reads as all ones and ignores writes.
package lapic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/govmd/mmio"
	"github.com/bobuhiro11/govmd/vlog"
)

const (
	// DefaultBase is the architectural local APIC base.
	DefaultBase = uint64(0xFEE00000)

	// WindowSize is the MMIO window of one local APIC.
	WindowSize = uint64(0x1000)

	regVersion = 0x30

	// Version 0x10, 7 LVT entries, EOI broadcast suppression.
	version = uint32(1<<31 | 6<<16 | 0x10)

	unsupported = uint64(0xFFFFFFFFFFFFFFFF)
)

// ErrInvalidRegister is returned for an access outside the APIC window.
var ErrInvalidRegister = errors.New("invalid local apic register")

type state struct {
	Base    uint64
	Version uint32
	_       uint32
}

// LAPIC is one local APIC. A machine has one for now; it will need one per
// vCPU once SMP guests are supported.
type LAPIC struct {
	mu sync.Mutex
	st state
}

// New returns a local APIC at base.
func New(base uint64) *LAPIC {
	return &LAPIC{st: state{Base: base, Version: version}}
}

// Base returns the MMIO base address.
func (l *LAPIC) Base() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st.Base
}

// Version returns the value of the version register.
func (l *LAPIC) Version() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st.Version
}

// Register claims the APIC window in r.
func (l *LAPIC) Register(r *mmio.Registry) error {
	base := l.Base()

	return r.Register(base, base+WindowSize-1, l.MMIO)
}

// MMIO implements mmio.Handler.
func (l *LAPIC) MMIO(dir mmio.Direction, addr uint64, data *uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	vlog.Debugf("lapic: %s addr=%#x data=%#x", dir, addr, *data)

	reg := addr - l.st.Base
	if reg > WindowSize-1 {
		vlog.Warnf("lapic: invalid register %#x", reg)

		return fmt.Errorf("%w: %#x", ErrInvalidRegister, addr)
	}

	switch {
	case reg == regVersion && dir == mmio.Read:
		*data = (*data &^ 0xFFFFFFFF) | uint64(l.st.Version)
	case dir == mmio.Read:
		vlog.Warnf("lapic: unsupported read of register %#x", reg)

		*data = unsupported
	default:
		vlog.Warnf("lapic: discarding write to register %#x", reg)
	}

	return nil
}

// Dump writes the register file to w.
func (l *LAPIC) Dump(w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := binary.Write(w, binary.LittleEndian, &l.st); err != nil {
		vlog.Warnf("lapic: error writing state: %v", err)

		return fmt.Errorf("lapic dump: %w", err)
	}

	return nil
}

// Restore reads a register file written by Dump.
func (l *LAPIC) Restore(r io.Reader) error {
	var st state

	if err := binary.Read(r, binary.LittleEndian, &st); err != nil {
		vlog.Warnf("lapic: error reading state: %v", err)

		return fmt.Errorf("lapic restore: %w", err)
	}

	l.mu.Lock()
	l.st = st
	l.mu.Unlock()

	return nil
}
