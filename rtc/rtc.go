// Package rtc emulates an MC146818 real-time clock and its battery-backed
// NVRAM, as found behind ports 0x70 and 0x71 of a PC.
//
// The time-of-day registers follow the host clock, refreshed once a second.
// The periodic interrupt is supported; alarm and update-ended interrupts,
// BCD-less mode and 12-hour mode are not.
package rtc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bobuhiro11/govmd/device"
	"github.com/bobuhiro11/govmd/evloop"
	"github.com/bobuhiro11/govmd/irq"
	"github.com/bobuhiro11/govmd/vlog"
)

const (
	// IndexPort selects a register. Bit 7 is the NMI mask and is ignored.
	IndexPort = 0x70
	// DataPort reads and writes the selected register.
	DataPort = 0x71

	// NVRAMSize is the number of addressable registers.
	NVRAMSize = 0x60

	// Clock registers.
	RegSec   = 0x00
	RegMin   = 0x02
	RegHour  = 0x04
	RegDOW   = 0x06
	RegDOM   = 0x07
	RegMonth = 0x08
	RegYear  = 0x09

	// Status registers.
	RegA = 0x0A
	RegB = 0x0B
	RegC = 0x0C
	RegD = 0x0D

	// BIOS NVRAM fields.
	RegCentury   = 0x32
	RegMemLo     = 0x34
	RegMemHi     = 0x35
	RegHighMemLo = 0x5B
	RegHighMem   = 0x5C
	RegHighMemHi = 0x5D
	RegSMPCount  = 0x5F

	regNVRAMStart = 0x0E

	dividerMask = 0xE0
	base32KHz   = 0x20
	rateMask    = 0x0F

	regBDSE  = 0x01
	regB24HR = 0x02
	regBPIE  = 0x40

	// PF is the periodic interrupt flag in register C.
	PF = 0x40

	regDVRT = 0x80

	// MaxDrift is how far the host clock may jump between two refreshes
	// before the guest is asked to resync.
	MaxDrift = 5 * time.Second

	controller = 0
	rtcIRQ     = 8

	nmiMask = 0x80
)

// Syncer asks the guest to resync its clock from the RTC.
type Syncer interface {
	SyncRTC() error
}

// State is the dumped state of the RTC.
type State struct {
	Now    int64
	Index  uint8
	Regs   [NVRAMSize]byte
	VMID   uint32
	Period int64
}

// Option configures an RTC.
type Option func(*RTC)

// WithNow replaces the host clock.
func WithNow(now func() time.Time) Option {
	return func(r *RTC) {
		r.now = now
	}
}

// WithSyncer sets who is told about host clock jumps.
func WithSyncer(s Syncer) Option {
	return func(r *RTC) {
		r.syncer = s
	}
}

// WithCPUs records the number of vCPUs for the BIOS.
func WithCPUs(n int) Option {
	return func(r *RTC) {
		r.ncpus = n
	}
}

// RTC is the clock with its NVRAM.
type RTC struct {
	mu sync.Mutex
	st State

	sec    *evloop.Timer
	per    *evloop.Timer
	loop   *evloop.Loop
	inj    irq.Injector
	now    func() time.Time
	syncer Syncer
	ncpus  int
}

// New returns an RTC whose timers run on loop and which raises IRQ 8
// through inj. memLo is the memory between 16MB and 4GB, memHi the memory
// above 4GB, both in bytes. A nil loop gives an RTC that never refreshes or
// interrupts on its own.
func New(vmID uint32, loop *evloop.Loop, inj irq.Injector, memLo, memHi uint64, opts ...Option) *RTC {
	r := &RTC{
		loop:  loop,
		inj:   inj,
		now:   time.Now,
		ncpus: 1,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.st.VMID = vmID
	r.st.Now = r.now().Unix()
	r.st.Regs[RegB] = regB24HR

	memLo /= 65536
	memHi /= 65536

	r.st.Regs[RegMemLo] = byte(memLo)
	r.st.Regs[RegMemHi] = byte(memLo >> 8)
	r.st.Regs[RegHighMemLo] = byte(memHi)
	r.st.Regs[RegHighMem] = byte(memHi >> 8)
	r.st.Regs[RegHighMemHi] = byte(memHi >> 16)

	if r.ncpus > 1 {
		r.st.Regs[RegSMPCount] = byte(r.ncpus - 1)
	}

	r.updateRegsLocked()

	if loop != nil {
		r.sec = loop.NewTimer(func(*evloop.Scheduler) { r.Update() })
		r.per = loop.NewTimer(func(*evloop.Scheduler) { r.firePeriodic() })
	}

	return r
}

// IOPort implements device.IODevice.
func (r *RTC) IOPort() uint64 {
	return IndexPort
}

// Size implements device.IODevice.
func (r *RTC) Size() uint64 {
	return 2
}

// Read implements device.IODevice.
func (r *RTC) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.st.Index

	if port == IndexPort {
		data[0] = idx

		return nil
	}

	data[0] = r.st.Regs[idx]

	if idx == RegC {
		r.st.Regs[RegC] &^= PF
	}

	return nil
}

// Write implements device.IODevice.
func (r *RTC) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	b := data[0]

	if port == IndexPort {
		b &^= nmiMask

		r.mu.Lock()
		if b < NVRAMSize {
			r.st.Index = b
		} else {
			r.st.Index = RegD
		}
		r.mu.Unlock()

		return nil
	}

	r.mu.Lock()
	idx := r.st.Index

	switch {
	case idx <= RegYear, idx >= regNVRAMStart:
		r.st.Regs[idx] = b
		r.mu.Unlock()

		return nil
	case idx == RegA:
		changed := r.updateRegALocked(b)
		r.mu.Unlock()

		if changed {
			return r.reschedule()
		}

		return nil
	case idx == RegB:
		changed := r.updateRegBLocked(b)
		r.mu.Unlock()

		if changed {
			return r.reschedule()
		}

		return nil
	default:
		r.mu.Unlock()
		vlog.Warnf("rtc: illegal write of reg %#x", idx)

		return nil
	}
}

func (r *RTC) updateRegALocked(b byte) bool {
	if b&dividerMask != base32KHz {
		vlog.Warnf("rtc: non-32KHz timebase not supported")
	}

	old := r.st.Regs[RegA]
	r.st.Regs[RegA] = b

	return (old^b)&rateMask != 0
}

func (r *RTC) updateRegBLocked(b byte) bool {
	if b&regBDSE != 0 {
		vlog.Warnf("rtc: DSE mode not supported")
	}

	if b&regB24HR == 0 {
		vlog.Warnf("rtc: 12 hour mode not supported")
	}

	old := r.st.Regs[RegB]
	r.st.Regs[RegB] = b

	return b&regBPIE != 0 || old&regBPIE != 0
}

// PeriodFor returns the periodic interrupt interval for a rate selector, or
// zero if the rate disables the interrupt.
func PeriodFor(rate byte) time.Duration {
	rate &= rateMask
	if rate == 0 {
		return 0
	}

	return time.Second / time.Duration(32768>>(rate-1))
}

func (r *RTC) periodLocked() time.Duration {
	if r.st.Regs[RegB]&regBPIE == 0 {
		return 0
	}

	return PeriodFor(r.st.Regs[RegA])
}

// reschedule re-arms or cancels the periodic interrupt on the loop goroutine
// and waits for it to happen. Once the loop is closed only the period is
// recorded.
func (r *RTC) reschedule() error {
	if r.loop == nil {
		r.mu.Lock()
		r.st.Period = int64(r.periodLocked())
		r.mu.Unlock()

		return nil
	}

	err := r.loop.Do(func(s *evloop.Scheduler) {
		r.mu.Lock()
		d := r.periodLocked()
		r.st.Period = int64(d)
		r.mu.Unlock()

		vlog.Debugf("rtc: periodic interrupt every %v", d)

		if d == 0 {
			s.Cancel(r.per)

			return
		}

		s.Arm(r.per, d, true)
	})
	if errors.Is(err, evloop.ErrClosed) {
		vlog.Debugf("rtc: rate changed after stop")

		r.mu.Lock()
		r.st.Period = int64(r.periodLocked())
		r.mu.Unlock()

		return nil
	}

	if err != nil {
		return fmt.Errorf("rtc: reschedule: %w", err)
	}

	return nil
}

// Period returns the current periodic interrupt interval, zero when off.
func (r *RTC) Period() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return time.Duration(r.st.Period)
}

func (r *RTC) updateRegsLocked() {
	r.st.Regs[RegD] &^= regDVRT

	tod := EncodeTime(time.Unix(r.st.Now, 0))

	r.st.Regs[RegSec] = tod.Sec
	r.st.Regs[RegMin] = tod.Min
	r.st.Regs[RegHour] = tod.Hour
	r.st.Regs[RegDOW] = tod.DOW
	r.st.Regs[RegDOM] = tod.DOM
	r.st.Regs[RegMonth] = tod.Month
	r.st.Regs[RegYear] = tod.Year
	r.st.Regs[RegCentury] = tod.Century

	r.st.Regs[RegD] |= regDVRT
}

// Update refreshes the clock registers from the host clock. It runs once a
// second on the loop goroutine.
func (r *RTC) Update() {
	r.mu.Lock()
	old := r.st.Now
	r.st.Now = r.now().Unix()
	r.updateRegsLocked()
	drift := time.Duration(r.st.Now-old) * time.Second
	r.mu.Unlock()

	if drift <= MaxDrift {
		return
	}

	vlog.Debugf("rtc: clock drift (%v), requesting guest resync", drift)

	if r.syncer == nil {
		return
	}

	if err := r.syncer.SyncRTC(); err != nil {
		vlog.Warnf("rtc: resync: %v", err)
	}
}

// TOD returns the clock registers as the guest sees them.
func (r *RTC) TOD() TOD {
	r.mu.Lock()
	defer r.mu.Unlock()

	return TOD{
		Sec:     r.st.Regs[RegSec],
		Min:     r.st.Regs[RegMin],
		Hour:    r.st.Regs[RegHour],
		DOW:     r.st.Regs[RegDOW],
		DOM:     r.st.Regs[RegDOM],
		Month:   r.st.Regs[RegMonth],
		Year:    r.st.Regs[RegYear],
		Century: r.st.Regs[RegCentury],
	}
}

// State returns a copy of the device state.
func (r *RTC) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.st
}

func (r *RTC) firePeriodic() {
	r.mu.Lock()
	r.st.Regs[RegC] |= PF
	vmID := r.st.VMID
	r.mu.Unlock()

	if err := irq.Pulse(r.inj, vmID, controller, rtcIRQ); err != nil {
		vlog.Warnf("rtc: %v", err)
	}
}

// Start arms the once-a-second refresh and, when enabled, the periodic
// interrupt at the recorded period. A disabled periodic interrupt is
// cancelled.
func (r *RTC) Start() error {
	if r.loop == nil {
		return nil
	}

	err := r.loop.Do(func(s *evloop.Scheduler) {
		r.mu.Lock()
		d := time.Duration(r.st.Period)
		r.mu.Unlock()

		s.Arm(r.sec, time.Second, true)

		if d == 0 {
			s.Cancel(r.per)

			return
		}

		s.Arm(r.per, d, true)
	})
	if err != nil {
		return fmt.Errorf("rtc: start: %w", err)
	}

	return nil
}

// Stop cancels both timers.
func (r *RTC) Stop() error {
	if r.loop == nil {
		return nil
	}

	err := r.loop.Do(func(s *evloop.Scheduler) {
		s.Cancel(r.sec)
		s.Cancel(r.per)
	})
	if err != nil {
		return fmt.Errorf("rtc: stop: %w", err)
	}

	return nil
}

// Dump writes the device state to w.
func (r *RTC) Dump(w io.Writer) error {
	vlog.Debugf("rtc: dumping state")

	st := r.State()

	if err := binary.Write(w, binary.LittleEndian, &st); err != nil {
		return fmt.Errorf("rtc: dump: %w", err)
	}

	return nil
}

// Restore reads state written by Dump and assigns it to vmID. Timers are not
// armed until Start.
func (r *RTC) Restore(rd io.Reader, vmID uint32) error {
	vlog.Debugf("rtc: restoring state")

	var st State

	if err := binary.Read(rd, binary.LittleEndian, &st); err != nil {
		return fmt.Errorf("rtc: restore: %w", err)
	}

	st.VMID = vmID

	r.mu.Lock()
	r.st = st
	r.mu.Unlock()

	return nil
}
