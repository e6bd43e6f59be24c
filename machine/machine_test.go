package machine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/govmd/clock"
	"github.com/bobuhiro11/govmd/device"
	"github.com/bobuhiro11/govmd/irq"
	"github.com/bobuhiro11/govmd/kvm"
	"github.com/bobuhiro11/govmd/lapic"
	"github.com/bobuhiro11/govmd/machine"
	"github.com/bobuhiro11/govmd/mmio"
	"github.com/bobuhiro11/govmd/pit"
	"github.com/bobuhiro11/govmd/rtc"
	"github.com/davecgh/go-spew/spew"
)

var epoch = time.Date(2021, time.March, 14, 1, 59, 26, 0, time.UTC)

func newMachine(t *testing.T, cfg machine.Config) (*machine.Machine, *clock.Manual, *irq.Recorder) {
	t.Helper()

	c := clock.NewManual(time.Second)
	r := &irq.Recorder{}

	m, err := machine.New(cfg, r,
		machine.WithClock(c),
		machine.WithNow(func() time.Time { return epoch }))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})

	waitRunning(t, m)

	return m, c, r
}

func waitRunning(t *testing.T, m *machine.Machine) {
	t.Helper()

	for i := 0; !m.Running(); i++ {
		if i == 1000 {
			t.Fatal("machine did not start")
		}

		time.Sleep(time.Millisecond)
	}
}

func out(t *testing.T, m *machine.Machine, port uint64, b byte) {
	t.Helper()

	if err := m.HandleIO(kvm.EXITIOOUT, port, []byte{b}); err != nil {
		t.Fatalf("out %#x, %#x: %v", port, b, err)
	}
}

func in(t *testing.T, m *machine.Machine, port uint64) byte {
	t.Helper()

	data := []byte{0xAA}
	if err := m.HandleIO(kvm.EXITIOIN, port, data); err != nil {
		t.Fatalf("in %#x: %v", port, err)
	}

	return data[0]
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t, machine.Config{VMID: 1, MemSize: 1 << 30})

	cfg := m.Config()
	if cfg.NCPUs != 1 || cfg.IOAPICBase != 0xFEC00000 || cfg.LAPICBase != 0xFEE00000 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	regions := m.MMIO().Regions()
	if len(regions) != 2 {
		t.Fatalf("expected: 2 regions, actual: %s", spew.Sdump(regions))
	}

	// 1GB: 1008MB above 16MB in 64KB units, nothing above 4GB.
	st := m.RTC().State()
	if st.Regs[rtc.RegMemLo] != 0x00 || st.Regs[rtc.RegMemHi] != 0x3F || st.Regs[rtc.RegHighMem] != 0 {
		t.Fatalf("unexpected memory size registers %x", st.Regs[0x34:0x36])
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	if _, err := machine.New(machine.Config{MemSize: -1}, &irq.Recorder{}); err == nil {
		t.Fatal("expected error for negative memory size")
	}

	_, err := machine.New(machine.Config{MaxMMIORegions: 1}, &irq.Recorder{})
	if !errors.Is(err, mmio.ErrNoSpace) {
		t.Fatalf("expected: %v, actual: %v", mmio.ErrNoSpace, err)
	}
}

func TestPortRouting(t *testing.T) {
	t.Parallel()

	m, c, _ := newMachine(t, machine.Config{VMID: 1})

	// PIT channel 0.
	out(t, m, 0x43, 0x34)
	out(t, m, 0x40, 0xE8)
	out(t, m, 0x40, 0x03)
	c.Advance(time.Duration(100 * pit.TickNs))

	lo := in(t, m, 0x40)
	hi := in(t, m, 0x40)

	if actual := uint16(hi)<<8 | uint16(lo); actual != 900 {
		t.Fatalf("expected: 900, actual: %d", actual)
	}

	// RTC.
	out(t, m, 0x70, rtc.RegYear)

	if actual := in(t, m, 0x71); actual != 0x21 {
		t.Fatalf("expected: 0x21, actual: %#x", actual)
	}

	// POST code.
	out(t, m, device.PostCodePort, 0x55)

	if m.PostCode().Last() != 0x55 {
		t.Fatalf("expected: 0x55, actual: %#x", m.PostCode().Last())
	}

	// PS/2 status and an unmodeled legacy port.
	if actual := in(t, m, 0x64); actual != 0x20 {
		t.Fatalf("expected: 0x20, actual: %#x", actual)
	}

	if actual := in(t, m, 0x3F8); actual != 0 {
		t.Fatalf("expected: 0, actual: %#x", actual)
	}

	// Port 0x61 belongs to the PIT, not the PS/2 controller.
	if actual := in(t, m, pit.MiscPort); actual != 0 {
		t.Fatalf("expected: 0, actual: %#x", actual)
	}
}

func TestNoHandler(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t, machine.Config{})

	for _, port := range []uint64{0x1234, 0xCF8, 0x10000} {
		if err := m.HandleIO(kvm.EXITIOIN, port, []byte{0}); !errors.Is(err, machine.ErrNoHandler) {
			t.Fatalf("port %#x: expected: %v, actual: %v", port, machine.ErrNoHandler, err)
		}
	}

	if err := m.HandleIO(7, 0x40, []byte{0}); err == nil {
		t.Fatal("expected error for invalid direction")
	}

	var data uint64
	if err := m.HandleMMIO(mmio.Read, 0x1000, &data); !errors.Is(err, machine.ErrNoHandler) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrNoHandler, err)
	}
}

func TestMMIORouting(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t, machine.Config{})

	data := uint64(1)
	if err := m.HandleMMIO(mmio.Write, 0xFEC00000, &data); err != nil {
		t.Fatal(err)
	}

	data = 0xDEADBEEF_00000000
	if err := m.HandleMMIO(mmio.Read, 0xFEC00010, &data); err != nil {
		t.Fatal(err)
	}

	if expected := uint64(0xDEADBEEF_00170011); data != expected {
		t.Fatalf("expected: %#x, actual: %#x", expected, data)
	}

	data = 0
	if err := m.HandleMMIO(mmio.Read, 0xFEE00030, &data); err != nil {
		t.Fatal(err)
	}

	if expected := uint64(0x80060010); data != expected {
		t.Fatalf("expected: %#x, actual: %#x", expected, data)
	}

	if err := m.HandleMMIO(mmio.Read, 0xFEE00FFF, &data); err != nil {
		t.Fatal(err)
	}

	if data != ^uint64(0) {
		t.Fatalf("expected: all ones, actual: %#x", data)
	}

	// Past the local APIC window but still unclaimed.
	if err := m.HandleMMIO(mmio.Read, 0xFEE01000, &data); !errors.Is(err, machine.ErrNoHandler) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrNoHandler, err)
	}
}

func TestMMIOOverlap(t *testing.T) {
	t.Parallel()

	// The I/O-APIC window covers the local APIC here and was registered
	// first, so it wins.
	m, _, _ := newMachine(t, machine.Config{IOAPICBase: 0xFEE00000})

	data := uint64(0)
	if err := m.HandleMMIO(mmio.Read, 0xFEE00010, &data); err != nil {
		t.Fatal(err)
	}

	if data != 0x00000000 {
		t.Fatalf("expected: 0 (ioapic id), actual: %#x", data)
	}

	if h, ok := m.MMIO().Dispatch(0xFEE00030); !ok || h == nil {
		t.Fatal("no handler for overlapping address")
	}

	if m.LAPIC().Base() != lapic.DefaultBase {
		t.Fatalf("expected: %#x, actual: %#x", lapic.DefaultBase, m.LAPIC().Base())
	}
}

func TestSaveRestore(t *testing.T) {
	t.Parallel()

	src, c, _ := newMachine(t, machine.Config{VMID: 1, MemSize: 1 << 30, NCPUs: 2})

	out(t, src, 0x43, 0x34)
	out(t, src, 0x40, 0x00)
	out(t, src, 0x40, 0x10)
	out(t, src, 0x70, 0x40)
	out(t, src, 0x71, 0x99)

	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		t.Fatal(err)
	}

	saved := append([]byte(nil), buf.Bytes()...)

	dst, err := machine.New(machine.Config{VMID: 2, MemSize: 1 << 30, NCPUs: 2}, &irq.Recorder{},
		machine.WithClock(c))
	if err != nil {
		t.Fatal(err)
	}

	if err := dst.Restore(&buf); err != nil {
		t.Fatal(err)
	}

	if dst.PIT().Channels()[0].Start != 0x1000 {
		t.Fatalf("expected: %#x, actual: %#x", 0x1000, dst.PIT().Channels()[0].Start)
	}

	if dst.PIT().Channels()[0].VMID != 2 || dst.RTC().State().VMID != 2 {
		t.Fatal("restored devices kept the old vm id")
	}

	if actual := dst.RTC().State().Regs[0x40]; actual != 0x99 {
		t.Fatalf("expected: 0x99, actual: %#x", actual)
	}

	st, err := machine.ReadState(bytes.NewReader(saved))
	if err != nil {
		t.Fatal(err)
	}

	if st.VMID != 1 || st.NCPUs != 2 {
		t.Fatalf("unexpected state %s", spew.Sdump(st))
	}
}

func TestRestoreTruncated(t *testing.T) {
	t.Parallel()

	src, _, _ := newMachine(t, machine.Config{})

	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		t.Fatal(err)
	}

	dst, _, _ := newMachine(t, machine.Config{})

	if err := dst.Restore(bytes.NewReader(buf.Bytes()[:buf.Len()-20])); err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestRunStop(t *testing.T) {
	t.Parallel()

	r := &irq.Recorder{}

	m, err := machine.New(machine.Config{VMID: 5}, r)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	// About 1ms per tick of IRQ 0.
	out(t, m, 0x43, 0x34)
	out(t, m, 0x40, 0xA9)
	out(t, m, 0x40, 0x04)

	deadline := time.Now().Add(2 * time.Second)
	for r.Pulses(0) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no timer interrupt")
		}

		time.Sleep(time.Millisecond)
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunCancel(t *testing.T) {
	t.Parallel()

	m, err := machine.New(machine.Config{}, &irq.Recorder{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	waitRunning(t, m)

	out(t, m, 0x70, rtc.RegB)
	out(t, m, 0x71, 0x42)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunTwice(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t, machine.Config{})

	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected error running a machine twice")
	}
}

func TestRestoreStopsTimers(t *testing.T) {
	t.Parallel()

	src, _, _ := newMachine(t, machine.Config{VMID: 1})

	st, err := src.DeviceState()
	if err != nil {
		t.Fatal(err)
	}

	dst, _, r := newMachine(t, machine.Config{VMID: 2})

	// 1024 Hz periodic interrupt and a 1ms rate generator on channel 0.
	out(t, dst, 0x70, rtc.RegA)
	out(t, dst, 0x71, 0x26)
	out(t, dst, 0x70, rtc.RegB)
	out(t, dst, 0x71, 0x42)
	out(t, dst, 0x43, 0x34)
	out(t, dst, 0x40, 0xA9)
	out(t, dst, 0x40, 0x04)

	deadline := time.Now().Add(2 * time.Second)
	for r.Pulses(0) < 2 || r.Pulses(8) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no interrupts before restore: %s", spew.Sdump(r.Events()))
		}

		time.Sleep(time.Millisecond)
	}

	if err := dst.SetDeviceState(st); err != nil {
		t.Fatal(err)
	}

	if p := dst.RTC().Period(); p != 0 {
		t.Fatalf("expected: 0s, actual: %v", p)
	}

	pit0, rtc8 := r.Pulses(0), r.Pulses(8)

	time.Sleep(50 * time.Millisecond)

	if r.Pulses(0) != pit0 || r.Pulses(8) != rtc8 {
		t.Fatalf("interrupts after restoring idle devices: irq0 %d -> %d, irq8 %d -> %d",
			pit0, r.Pulses(0), rtc8, r.Pulses(8))
	}
}

func TestIOBeforeRun(t *testing.T) {
	t.Parallel()

	r := &irq.Recorder{}

	m, err := machine.New(machine.Config{VMID: 3}, r)
	if err != nil {
		t.Fatal(err)
	}

	wrote := make(chan error, 1)

	go func() {
		for _, w := range []struct {
			port uint64
			val  byte
		}{
			{port: 0x43, val: 0x34},
			{port: 0x40, val: 0xA9},
			{port: 0x40, val: 0x04},
			{port: 0x70, val: rtc.RegB},
			{port: 0x71, val: 0x42},
		} {
			if err := m.HandleIO(kvm.EXITIOOUT, w.port, []byte{w.val}); err != nil {
				wrote <- err

				return
			}
		}

		wrote <- nil
	}()

	select {
	case err := <-wrote:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("port writes blocked before Run")
	}

	if m.RTC().Period() == 0 {
		t.Fatal("periodic interrupt not enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Pulses(0) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no timer interrupt after Run")
		}

		time.Sleep(time.Millisecond)
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestIOAfterStop(t *testing.T) {
	t.Parallel()

	m, err := machine.New(machine.Config{}, &irq.Recorder{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)

	go func() { done <- m.Run(context.Background()) }()

	waitRunning(t, m)

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	out(t, m, 0x70, rtc.RegA)
	out(t, m, 0x71, 0x26)
	out(t, m, 0x70, rtc.RegB)
	out(t, m, 0x71, 0x42)

	if expected, actual := rtc.PeriodFor(0x26), m.RTC().Period(); actual != expected {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}

	out(t, m, 0x43, 0x34)
	out(t, m, 0x40, 0x00)
	out(t, m, 0x40, 0x10)

	if ch := m.PIT().Channels()[0]; !ch.InUse || ch.Start != 0x1000 {
		t.Fatalf("unexpected channel %s", spew.Sdump(ch))
	}
}
