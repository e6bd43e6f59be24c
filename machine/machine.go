// Package machine ties the platform devices of one VM together: it owns the
// event loop, the MMIO registry and the I/O port table, and routes trapped
// guest accesses to the device that claims them.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/govmd/clock"
	"github.com/bobuhiro11/govmd/device"
	"github.com/bobuhiro11/govmd/evloop"
	"github.com/bobuhiro11/govmd/iodev"
	"github.com/bobuhiro11/govmd/ioapic"
	"github.com/bobuhiro11/govmd/irq"
	"github.com/bobuhiro11/govmd/kvm"
	"github.com/bobuhiro11/govmd/lapic"
	"github.com/bobuhiro11/govmd/mmio"
	"github.com/bobuhiro11/govmd/pit"
	"github.com/bobuhiro11/govmd/rtc"
	"github.com/bobuhiro11/govmd/vlog"
	"golang.org/x/sync/errgroup"
)

// Guest physical memory layout as reported to the BIOS through NVRAM.
const (
	lowMemBase  = 16 << 20
	highMemBase = 4 << 30
)

var (
	// ErrNoHandler is returned for an access to a port or address no
	// device claims.
	ErrNoHandler = errors.New("no handler")

	errInvalidDirection = errors.New("invalid i/o direction")
	errInvalidMemSize   = errors.New("invalid memory size")
	errAlreadyRunning   = errors.New("machine already running")
)

// Config describes a machine.
type Config struct {
	VMID    uint32
	MemSize int
	NCPUs   int

	// Zero selects the PC default.
	IOAPICBase uint64
	LAPICBase  uint64

	// Zero or less means no limit.
	MaxMMIORegions int
}

// Option configures the devices of a machine.
type Option func(*options)

type options struct {
	pit []pit.Option
	rtc []rtc.Option
}

// WithClock sets the monotonic clock the PIT counts against.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.pit = append(o.pit, pit.WithClock(c))
	}
}

// WithNow sets the wall clock the RTC shows.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.rtc = append(o.rtc, rtc.WithNow(now))
	}
}

// WithSyncer sets who is asked to resync the guest clock after a host
// clock jump.
func WithSyncer(s rtc.Syncer) Option {
	return func(o *options) {
		o.rtc = append(o.rtc, rtc.WithSyncer(s))
	}
}

// Machine is the device context of one VM. There is exactly one of each
// device per machine.
type Machine struct {
	cfg Config

	loop   *evloop.Loop
	mmio   *mmio.Registry
	pit    *pit.PIT
	rtc    *rtc.RTC
	ioapic *ioapic.IOAPIC
	lapic  *lapic.LAPIC
	post   *device.PostCodeDevice

	running atomic.Bool

	ioportHandlers [0x10000][2]func(m *Machine, port uint64, bytes []byte) error
}

func memSplit(size uint64) (lo, hi uint64) {
	if size > highMemBase {
		hi = size - highMemBase
		size = highMemBase
	}

	if size > lowMemBase {
		lo = size - lowMemBase
	}

	return lo, hi
}

// New builds a machine whose devices raise interrupts through inj. Nothing
// runs until Run is called.
func New(cfg Config, inj irq.Injector, opts ...Option) (*Machine, error) {
	if cfg.MemSize < 0 {
		return nil, fmt.Errorf("%w: %d", errInvalidMemSize, cfg.MemSize)
	}

	if cfg.NCPUs <= 0 {
		cfg.NCPUs = 1
	}

	if cfg.IOAPICBase == 0 {
		cfg.IOAPICBase = ioapic.DefaultBase
	}

	if cfg.LAPICBase == 0 {
		cfg.LAPICBase = lapic.DefaultBase
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	memLo, memHi := memSplit(uint64(cfg.MemSize))

	m := &Machine{
		cfg:    cfg,
		loop:   evloop.New(),
		mmio:   mmio.New(cfg.MaxMMIORegions),
		ioapic: ioapic.New(cfg.IOAPICBase),
		lapic:  lapic.New(cfg.LAPICBase),
		post:   &device.PostCodeDevice{},
	}

	m.pit = pit.New(cfg.VMID, m.loop, inj, o.pit...)
	m.rtc = rtc.New(cfg.VMID, m.loop, inj, memLo, memHi,
		append([]rtc.Option{rtc.WithCPUs(cfg.NCPUs)}, o.rtc...)...)

	if err := m.ioapic.Register(m.mmio); err != nil {
		return nil, fmt.Errorf("register ioapic: %w", err)
	}

	if err := m.lapic.Register(m.mmio); err != nil {
		return nil, fmt.Errorf("register lapic: %w", err)
	}

	m.initIOPortHandlers()

	return m, nil
}

// Config returns the configuration the machine was built with, defaults
// filled in.
func (m *Machine) Config() Config { return m.cfg }

// PIT returns the interval timer.
func (m *Machine) PIT() *pit.PIT { return m.pit }

// RTC returns the real-time clock.
func (m *Machine) RTC() *rtc.RTC { return m.rtc }

// IOAPIC returns the I/O-APIC.
func (m *Machine) IOAPIC() *ioapic.IOAPIC { return m.ioapic }

// LAPIC returns the local APIC.
func (m *Machine) LAPIC() *lapic.LAPIC { return m.lapic }

// PostCode returns the POST code port.
func (m *Machine) PostCode() *device.PostCodeDevice { return m.post }

// MMIO returns the MMIO registry.
func (m *Machine) MMIO() *mmio.Registry { return m.mmio }

// Run runs the event loop and arms the device timers. It returns when ctx
// is done or Stop is called.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}

	defer m.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.loop.Run(ctx)
	})

	g.Go(func() error {
		// Stopping before the devices were started is not an error.
		if err := m.startDevices(); err != nil && !errors.Is(err, evloop.ErrClosed) {
			return err
		}

		return nil
	})

	return g.Wait()
}

func (m *Machine) startDevices() error {
	if err := m.pit.Start(); err != nil {
		return err
	}

	return m.rtc.Start()
}

// Running reports whether Run is in progress.
func (m *Machine) Running() bool {
	return m.running.Load()
}

// Stop stops the event loop, and with it every device timer.
func (m *Machine) Stop() error {
	return m.loop.Close()
}

// HandleIO services a port access. dir is kvm.EXITIOIN or kvm.EXITIOOUT.
func (m *Machine) HandleIO(dir int, port uint64, data []byte) error {
	if dir != kvm.EXITIOIN && dir != kvm.EXITIOOUT {
		return fmt.Errorf("%w: %d", errInvalidDirection, dir)
	}

	if port >= uint64(len(m.ioportHandlers)) {
		return fmt.Errorf("%w: port %#x", ErrNoHandler, port)
	}

	return m.ioportHandlers[port][dir](m, port, data)
}

// HandleMMIO services a memory-mapped access.
func (m *Machine) HandleMMIO(dir mmio.Direction, addr uint64, data *uint64) error {
	h, ok := m.mmio.Dispatch(addr)
	if !ok {
		return fmt.Errorf("%w: mmio %#x", ErrNoHandler, addr)
	}

	return h(dir, addr, data)
}

// legacyPorts are probed by firmware and guests but not modeled.
var legacyPorts = []*iodev.NoopDevice{
	// DMA page registers.
	{Port: 0x81, Psize: 0x9F - 0x81 + 1},
	// VGA and MDA.
	{Port: 0x3B4, Psize: 2},
	{Port: 0x3C0, Psize: 0x3DA - 0x3C0 + 1},
	// Serial ports.
	{Port: 0x3F8, Psize: 8},
	{Port: 0x2F8, Psize: 8},
	{Port: 0x3E8, Psize: 8},
	{Port: 0x2E8, Psize: 8},
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(m *Machine, port uint64, bytes []byte) error {
		return nil
	}

	funcError := func(m *Machine, port uint64, bytes []byte) error {
		return fmt.Errorf("%w: port %#x", ErrNoHandler, port)
	}

	for port := range m.ioportHandlers {
		m.ioportHandlers[port][kvm.EXITIOIN] = funcError
		m.ioportHandlers[port][kvm.EXITIOOUT] = funcError
	}

	// PS/2 controller. Report an idle controller so guests do not spin on
	// the status register.
	for port := 0x60; port <= 0x6F; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			if len(bytes) > 0 {
				bytes[0] = 0x20
			}

			return nil
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = funcNone
	}

	for _, d := range legacyPorts {
		m.registerIODevice(d)
	}

	m.registerIODevice(m.pit)
	m.registerIODevice(m.pit.Misc())
	m.registerIODevice(m.rtc)
	m.registerIODevice(m.post)
}

func (m *Machine) registerIODevice(d device.IODevice) {
	vlog.Debugf("machine: ports %#x-%#x: %T", d.IOPort(), d.IOPort()+d.Size()-1, d)

	for port := d.IOPort(); port < d.IOPort()+d.Size(); port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			return d.Read(port, bytes)
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
			return d.Write(port, bytes)
		}
	}
}
