package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmd/kvm"
	"golang.org/x/arch/x86/x86asm"
)

var errNotIOInst = errors.New("not a port i/o instruction")

// IORegs are the registers an IN or OUT instruction touches.
type IORegs struct {
	RAX uint64
	RDX uint64
	RIP uint64
}

// EmulateIO decodes the IN or OUT instruction at the start of code, runs it
// against the port table and advances RIP past it. String forms are not
// supported.
func (m *Machine) EmulateIO(code []byte, regs *IORegs) error {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Errorf("decode %x: %w", code, err)
	}

	var portArg, regArg x86asm.Arg

	dir := 0

	switch inst.Op {
	case x86asm.IN:
		dir = kvm.EXITIOIN
		regArg, portArg = inst.Args[0], inst.Args[1]
	case x86asm.OUT:
		dir = kvm.EXITIOOUT
		portArg, regArg = inst.Args[0], inst.Args[1]
	default:
		return fmt.Errorf("%w: %s", errNotIOInst, x86asm.GNUSyntax(inst, regs.RIP, nil))
	}

	size := 0

	switch regArg {
	case x86asm.AL:
		size = 1
	case x86asm.AX:
		size = 2
	case x86asm.EAX:
		size = 4
	default:
		return fmt.Errorf("%w: operand %v", errNotIOInst, regArg)
	}

	var port uint64

	switch p := portArg.(type) {
	case x86asm.Imm:
		port = uint64(p) & 0xFF
	case x86asm.Reg:
		port = regs.RDX & 0xFFFF
	default:
		return fmt.Errorf("%w: port operand %v", errNotIOInst, portArg)
	}

	var buf [8]byte

	data := buf[:size]

	if dir == kvm.EXITIOOUT {
		binary.LittleEndian.PutUint64(buf[:], regs.RAX)
	}

	if err := m.HandleIO(dir, port, data); err != nil {
		return err
	}

	if dir == kvm.EXITIOIN {
		v := binary.LittleEndian.Uint64(buf[:])

		switch size {
		case 4:
			// 32-bit destinations zero the upper half.
			regs.RAX = v & 0xFFFFFFFF
		default:
			mask := uint64(1)<<(8*size) - 1
			regs.RAX = regs.RAX&^mask | v&mask
		}
	}

	regs.RIP += uint64(inst.Len)

	return nil
}
