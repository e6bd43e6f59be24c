// Package pit emulates an 8253 programmable interval timer.
//
// Counters are not ticked. Each channel remembers when it was last loaded and
// the current count is worked out from the time elapsed since then. Only the
// 16-bit binary access mode is supported; other modes are accepted with a
// warning and treated as 16-bit.
package pit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bobuhiro11/govmd/clock"
	"github.com/bobuhiro11/govmd/device"
	"github.com/bobuhiro11/govmd/evloop"
	"github.com/bobuhiro11/govmd/irq"
	"github.com/bobuhiro11/govmd/vlog"
)

const (
	// Channel0Port is the first of the three counter ports.
	Channel0Port = 0x40
	// ControlPort is the mode/command register.
	ControlPort = 0x43
	// MiscPort is the NMI status and control port, which reflects channel 2.
	MiscPort = 0x61

	// Frequency is the input clock of every channel, in Hz.
	Frequency = 1193182

	// TickNs is the length of one input clock period.
	TickNs = int64(time.Second) / Frequency

	// Channels is the number of counters.
	Channels = 3

	selectReadback = 3

	accessLatch = 0
	access16    = 3

	readbackCount  = 0x20
	readbackStatus = 0x10
	readbackCh0    = 0x02

	statusAccess16 = 0x01

	miscTimer2Out   = 0x20
	miscTimer2Phase = 0x10

	controller = 0
	timerIRQ   = 0
)

// Counter modes.
const (
	ModeIntTC = iota
	ModeOneShot
	ModeRateGen
	ModeSquareWave
	ModeSWStrobe
	ModeHWStrobe
)

// Channel is the dumped state of one counter.
type Channel struct {
	Start          uint16
	Mode           uint8
	LastWrite      bool
	LastRead       bool
	InUse          bool
	Fired          bool
	ReadbackStatus bool
	Latched        bool
	InputLatch     uint16
	OutputLatch    uint16
	Epoch          int64
	VMID           uint32
}

// Option configures a PIT.
type Option func(*PIT)

// WithClock replaces the monotonic clock the counters are measured against.
func WithClock(c clock.Clock) Option {
	return func(p *PIT) {
		p.clock = c
	}
}

// PIT is the timer with its three channels. It serves ports 0x40 to 0x43;
// Misc returns the device for port 0x61.
type PIT struct {
	mu sync.Mutex
	ch [Channels]Channel

	timers [Channels]*evloop.Timer
	loop   *evloop.Loop
	inj    irq.Injector
	clock  clock.Clock
}

// New returns a PIT whose timers run on loop and which raises IRQ 0 through
// inj. A nil loop gives a PIT that counts but never fires.
func New(vmID uint32, loop *evloop.Loop, inj irq.Injector, opts ...Option) *PIT {
	p := &PIT{
		loop:  loop,
		inj:   inj,
		clock: clock.Monotonic{},
	}

	for _, opt := range opts {
		opt(p)
	}

	now := int64(p.clock.Now())

	for i := range p.ch {
		p.ch[i] = Channel{
			Start:    0xFFFF,
			Mode:     ModeIntTC,
			LastRead: true,
			VMID:     vmID,
		}
	}

	p.ch[0].Epoch = now

	if loop != nil {
		for i := range p.timers {
			i := i
			p.timers[i] = loop.NewTimer(func(s *evloop.Scheduler) {
				p.fire(s, i)
			})
		}
	}

	return p
}

// Reconstruct returns the count of a channel loaded with start after elapsed
// has passed. A start of zero counts as 0xFFFF.
func Reconstruct(start uint16, elapsed time.Duration) uint16 {
	if start == 0 {
		start = 0xFFFF
	}

	if elapsed < 0 {
		elapsed = 0
	}

	ticks := uint64(elapsed) / uint64(TickNs)

	return start - uint16(ticks%uint64(start))
}

// Period returns the time between two terminal counts of a channel loaded
// with start.
func Period(start uint16) time.Duration {
	if start == 0 {
		start = 0xFFFF
	}

	return time.Duration(int64(start) * TickNs)
}

func (p *PIT) countLocked(i int) uint16 {
	c := &p.ch[i]

	return Reconstruct(c.Start, p.clock.Now()-time.Duration(c.Epoch))
}

// Count returns the current count of channel i.
func (p *PIT) Count(i int) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.countLocked(i)
}

// Channels returns a copy of the channel state.
func (p *PIT) Channels() [Channels]Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch
}

// IOPort implements device.IODevice.
func (p *PIT) IOPort() uint64 {
	return Channel0Port
}

// Size implements device.IODevice.
func (p *PIT) Size() uint64 {
	return ControlPort - Channel0Port + 1
}

// Read implements device.IODevice.
func (p *PIT) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if port == ControlPort {
		vlog.Warnf("pit: read of control port")

		data[0] = 0

		return nil
	}

	data[0] = p.readCounter(int(port - Channel0Port))

	return nil
}

func (p *PIT) readCounter(i int) byte {
	c := &p.ch[i]

	if c.ReadbackStatus {
		c.ReadbackStatus = false

		return c.Mode<<1 | statusAccess16
	}

	// Take one snapshot per low/high pair so the two halves agree.
	if !c.Latched && c.LastRead {
		c.OutputLatch = p.countLocked(i)
	}

	if !c.LastRead {
		c.LastRead = true

		return byte(c.OutputLatch >> 8)
	}

	c.LastRead = false

	return byte(c.OutputLatch)
}

// Write implements device.IODevice.
func (p *PIT) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	b := data[0]

	if port == ControlPort {
		p.mu.Lock()
		p.control(b)
		p.mu.Unlock()

		return nil
	}

	i := int(port - Channel0Port)

	p.mu.Lock()
	c := &p.ch[i]

	if !c.LastWrite {
		c.InputLatch = uint16(b)
		c.LastWrite = true
		p.mu.Unlock()

		return nil
	}

	c.InputLatch |= uint16(b) << 8
	c.LastWrite = false

	c.Start = c.InputLatch
	if c.Start == 0 {
		c.Start = 0xFFFF
	}
	p.mu.Unlock()

	return p.reset(i)
}

func (p *PIT) control(b byte) {
	sel := int(b>>6) & 3
	if sel == selectReadback {
		p.readback(b)

		return
	}

	c := &p.ch[sel]

	access := (b >> 4) & 3
	if access == accessLatch {
		c.OutputLatch = p.countLocked(sel)
		c.Latched = true

		return
	}

	if access != access16 {
		vlog.Warnf("pit: channel %d: unsupported access mode %d", sel, access)
	}

	if b&1 != 0 {
		vlog.Warnf("pit: channel %d: BCD counting not supported", sel)
	}

	mode := (b >> 1) & 7
	if mode > ModeHWStrobe {
		mode -= 4
	}

	c.Mode = mode
	c.LastWrite = false

	vlog.Debugf("pit: channel %d: mode %d", sel, mode)
}

func (p *PIT) readback(b byte) {
	for i := range p.ch {
		if b&(readbackCh0<<i) == 0 {
			continue
		}

		c := &p.ch[i]

		if b&readbackCount == 0 {
			c.OutputLatch = p.countLocked(i)
			c.Latched = true
		}

		if b&readbackStatus == 0 {
			c.ReadbackStatus = true
		}
	}
}

func (p *PIT) resetLocked(i int) time.Duration {
	c := &p.ch[i]
	c.InUse = true
	c.Fired = false
	c.Latched = false
	c.Epoch = int64(p.clock.Now())

	vlog.Debugf("pit: channel %d: start %d mode %d", i, c.Start, c.Mode)

	return Period(c.Start)
}

// reset reloads channel i. It runs on the loop goroutine so that no fire of
// the previous programming can slip in between the state change and the
// re-arm. Once the loop is closed the channel is reloaded without a timer.
func (p *PIT) reset(i int) error {
	if p.loop != nil {
		err := p.loop.Do(func(s *evloop.Scheduler) {
			p.mu.Lock()
			d := p.resetLocked(i)
			p.mu.Unlock()

			s.Arm(p.timers[i], d, false)
		})
		if err == nil {
			return nil
		}

		if !errors.Is(err, evloop.ErrClosed) {
			return fmt.Errorf("pit: reset channel %d: %w", i, err)
		}

		vlog.Debugf("pit: channel %d reloaded after stop", i)
	}

	p.mu.Lock()
	p.resetLocked(i)
	p.mu.Unlock()

	return nil
}

// fire runs on the loop goroutine at a terminal count of channel i.
func (p *PIT) fire(s *evloop.Scheduler, i int) {
	p.mu.Lock()
	c := &p.ch[i]
	vmID := c.VMID

	if c.Mode == ModeIntTC {
		c.Fired = true
	} else {
		s.Arm(p.timers[i], Period(c.Start), false)
	}
	p.mu.Unlock()

	if i != 0 {
		return
	}

	if err := irq.Pulse(p.inj, vmID, controller, timerIRQ); err != nil {
		vlog.Warnf("pit: %v", err)
	}
}

// Start arms the timers of the channels in use, for the time left until
// their next terminal count, and cancels the others. Channel state is not
// changed.
func (p *PIT) Start() error {
	if p.loop == nil {
		return nil
	}

	err := p.loop.Do(func(s *evloop.Scheduler) {
		p.mu.Lock()
		defer p.mu.Unlock()

		for i := range p.ch {
			c := &p.ch[i]
			if !c.InUse || (c.Mode == ModeIntTC && c.Fired) {
				s.Cancel(p.timers[i])

				continue
			}

			s.Arm(p.timers[i], time.Duration(int64(p.countLocked(i))*TickNs), false)
		}
	})
	if err != nil {
		return fmt.Errorf("pit: start: %w", err)
	}

	return nil
}

// Stop cancels every timer.
func (p *PIT) Stop() error {
	if p.loop == nil {
		return nil
	}

	err := p.loop.Do(func(s *evloop.Scheduler) {
		for _, t := range p.timers {
			s.Cancel(t)
		}
	})
	if err != nil {
		return fmt.Errorf("pit: stop: %w", err)
	}

	return nil
}

// Dump writes the state of the three channels to w.
func (p *PIT) Dump(w io.Writer) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	if err := binary.Write(w, binary.LittleEndian, &ch); err != nil {
		return fmt.Errorf("pit: dump: %w", err)
	}

	return nil
}

// Restore reads state written by Dump and assigns it to vmID. Timers are not
// armed until Start.
func (p *PIT) Restore(r io.Reader, vmID uint32) error {
	var ch [Channels]Channel

	if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
		return fmt.Errorf("pit: restore: %w", err)
	}

	for i := range ch {
		ch[i].VMID = vmID
	}

	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()

	return nil
}

// Misc returns the device for port 0x61.
func (p *PIT) Misc() device.IODevice {
	return &misc{p: p}
}

type misc struct {
	p *PIT
}

func (m *misc) IOPort() uint64 {
	return MiscPort
}

func (m *misc) Size() uint64 {
	return 1
}

func (m *misc) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	m.p.mu.Lock()
	defer m.p.mu.Unlock()

	c := &m.p.ch[2]
	data[0] = 0

	switch c.Mode {
	case ModeIntTC:
		if c.Fired {
			data[0] = miscTimer2Out
		}
	case ModeSquareWave:
		if m.p.countLocked(2) > c.Start/2 {
			data[0] = miscTimer2Phase
		}
	}

	return nil
}

func (m *misc) Write(port uint64, data []byte) error {
	vlog.Debugf("pit: discarding write %#x to port %#x", data, port)

	return nil
}
