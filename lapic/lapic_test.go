package lapic_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bobuhiro11/govmd/lapic"
	"github.com/bobuhiro11/govmd/mmio"
)

const base = lapic.DefaultBase

func TestVersion(t *testing.T) {
	t.Parallel()

	l := lapic.New(base)
	data := uint64(0x12345678_FFFFFFFF)

	if err := l.MMIO(mmio.Read, base+0x30, &data); err != nil {
		t.Fatal(err)
	}

	expected := uint64(0x12345678_80060010)
	if data != expected {
		t.Fatalf("expected: %#x, actual: %#x", expected, data)
	}
}

func TestUnsupported(t *testing.T) {
	t.Parallel()

	l := lapic.New(base)

	for _, reg := range []uint64{0x00, 0x20, 0x80, 0xFFF} {
		data := uint64(0)

		if err := l.MMIO(mmio.Read, base+reg, &data); err != nil {
			t.Fatal(err)
		}

		if data != 0xFFFFFFFF_FFFFFFFF {
			t.Fatalf("reg %#x: expected all ones, actual: %#x", reg, data)
		}

		data = 0x55

		if err := l.MMIO(mmio.Write, base+reg, &data); err != nil {
			t.Fatal(err)
		}
	}

	// The version register is read-only.
	data := uint64(0)
	if err := l.MMIO(mmio.Write, base+0x30, &data); err != nil {
		t.Fatal(err)
	}

	if l.Version() != 0x80060010 {
		t.Fatalf("expected: %#x, actual: %#x", 0x80060010, l.Version())
	}
}

func TestOutOfWindow(t *testing.T) {
	t.Parallel()

	l := lapic.New(base)

	for _, addr := range []uint64{base + 0x1000, base - 1} {
		data := uint64(0)
		if err := l.MMIO(mmio.Read, addr, &data); !errors.Is(err, lapic.ErrInvalidRegister) {
			t.Fatalf("addr %#x: expected: %v, actual: %v", addr, lapic.ErrInvalidRegister, err)
		}
	}
}

func TestDumpRestore(t *testing.T) {
	t.Parallel()

	l := lapic.New(base)

	var buf bytes.Buffer
	if err := l.Dump(&buf); err != nil {
		t.Fatal(err)
	}

	dumped := append([]byte(nil), buf.Bytes()...)

	m := lapic.New(0)
	if err := m.Restore(&buf); err != nil {
		t.Fatal(err)
	}

	if m.Base() != base || m.Version() != l.Version() {
		t.Fatalf("expected: %#x/%#x, actual: %#x/%#x", base, l.Version(), m.Base(), m.Version())
	}

	var again bytes.Buffer
	if err := m.Dump(&again); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(dumped, again.Bytes()) {
		t.Fatalf("expected: %x, actual: %x", dumped, again.Bytes())
	}
}
