// Package ioapic emulates enough of an 82093AA I/O-APIC for firmware to
// find one: the ID and version registers behind the select/window pair.
// Interrupt routing is not modeled.
package ioapic

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/govmd/mmio"
	"github.com/bobuhiro11/govmd/vlog"
)

const (
	// DefaultBase is where PC firmware expects the first I/O-APIC.
	DefaultBase = uint64(0xFEC00000)

	// WindowSize is the MMIO window claimed by one I/O-APIC.
	WindowSize = uint64(0x10000)

	regSelect = 0x00
	regWindow = 0x10

	regID      = 0x00
	regVersion = 0x01

	// 24 redirection entries, version 0x11.
	version = uint32(0x00170011)

	lowMask = uint64(0xFFFFFFFF)
)

type state struct {
	Selected uint32
	ID       uint32
	Base     uint64
}

// IOAPIC is one I/O-APIC register file.
type IOAPIC struct {
	mu sync.Mutex
	st state
}

// New returns an I/O-APIC at base.
func New(base uint64) *IOAPIC {
	return &IOAPIC{st: state{Base: base}}
}

// Base returns the MMIO base address.
func (a *IOAPIC) Base() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.st.Base
}

// Register claims the I/O-APIC window in r.
func (a *IOAPIC) Register(r *mmio.Registry) error {
	base := a.Base()

	return r.Register(base, base+WindowSize-1, a.MMIO)
}

// MMIO implements mmio.Handler.
func (a *IOAPIC) MMIO(dir mmio.Direction, addr uint64, data *uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	vlog.Debugf("ioapic: %s addr=%#x data=%#x", dir, addr, *data)

	switch addr - a.st.Base {
	case regSelect:
		a.regSelect(dir, data)
	case regWindow:
		a.window(dir, data)
	default:
		vlog.Warnf("ioapic: invalid register @ %#x", addr)
	}

	return nil
}

func (a *IOAPIC) regSelect(dir mmio.Direction, data *uint64) {
	switch dir {
	case mmio.Read:
		*data = (*data &^ lowMask) | uint64(a.st.Selected)
	case mmio.Write:
		a.st.Selected = uint32(*data)
		vlog.Debugf("ioapic: select register %#x", a.st.Selected)
	}
}

func (a *IOAPIC) window(dir mmio.Direction, data *uint64) {
	switch dir {
	case mmio.Read:
		var d uint32

		switch a.st.Selected {
		case regID:
			d = a.st.ID
		case regVersion:
			d = version
		default:
			vlog.Warnf("ioapic: read of unknown register %#x", a.st.Selected)
		}

		*data = (*data &^ lowMask) | uint64(d)
	case mmio.Write:
		vlog.Warnf("ioapic: discarding write to register %#x, data=%#x",
			a.st.Selected, uint32(*data))
	}
}

// Dump writes the register file to w.
func (a *IOAPIC) Dump(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := binary.Write(w, binary.LittleEndian, &a.st); err != nil {
		vlog.Warnf("ioapic: error writing state: %v", err)

		return fmt.Errorf("ioapic dump: %w", err)
	}

	return nil
}

// Restore reads a register file written by Dump.
func (a *IOAPIC) Restore(r io.Reader) error {
	var st state

	if err := binary.Read(r, binary.LittleEndian, &st); err != nil {
		vlog.Warnf("ioapic: error reading state: %v", err)

		return fmt.Errorf("ioapic restore: %w", err)
	}

	a.mu.Lock()
	a.st = st
	a.mu.Unlock()

	return nil
}
