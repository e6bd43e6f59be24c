package machine

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bobuhiro11/govmd/migration"
	"github.com/bobuhiro11/govmd/vlog"
)

// DeviceState dumps every device.
func (m *Machine) DeviceState() (*migration.DeviceState, error) {
	st := &migration.DeviceState{
		VMID:    m.cfg.VMID,
		MemSize: m.cfg.MemSize,
		NCPUs:   m.cfg.NCPUs,
	}

	for _, d := range []struct {
		name string
		dump func(io.Writer) error
		dst  *[]byte
	}{
		{name: "pit", dump: m.pit.Dump, dst: &st.PIT},
		{name: "rtc", dump: m.rtc.Dump, dst: &st.RTC},
		{name: "ioapic", dump: m.ioapic.Dump, dst: &st.IOAPIC},
		{name: "lapic", dump: m.lapic.Dump, dst: &st.LAPIC},
	} {
		var buf bytes.Buffer

		if err := d.dump(&buf); err != nil {
			return nil, fmt.Errorf("dump %s: %w", d.name, err)
		}

		*d.dst = buf.Bytes()
	}

	return st, nil
}

// SetDeviceState restores every device from st. The devices take this
// machine's VM id whatever st says. When the machine is running the timers
// are re-armed for the restored state.
func (m *Machine) SetDeviceState(st *migration.DeviceState) error {
	if st.MemSize != m.cfg.MemSize || st.NCPUs != m.cfg.NCPUs {
		vlog.Warnf("machine: restoring state of a %d byte, %d cpu machine into a %d byte, %d cpu one",
			st.MemSize, st.NCPUs, m.cfg.MemSize, m.cfg.NCPUs)
	}

	if err := m.pit.Restore(bytes.NewReader(st.PIT), m.cfg.VMID); err != nil {
		return err
	}

	if err := m.rtc.Restore(bytes.NewReader(st.RTC), m.cfg.VMID); err != nil {
		return err
	}

	if err := m.ioapic.Restore(bytes.NewReader(st.IOAPIC)); err != nil {
		return err
	}

	if err := m.lapic.Restore(bytes.NewReader(st.LAPIC)); err != nil {
		return err
	}

	if !m.running.Load() {
		return nil
	}

	return m.startDevices()
}

// Save writes the device state to w as a framed stream.
func (m *Machine) Save(w io.Writer) error {
	st, err := m.DeviceState()
	if err != nil {
		return err
	}

	sender := migration.NewSender(w)

	if err := sender.SendDevices(st); err != nil {
		return err
	}

	return sender.SendDone()
}

// Restore reads a stream written by Save.
func (m *Machine) Restore(r io.Reader) error {
	st, err := ReadState(r)
	if err != nil {
		return err
	}

	return m.SetDeviceState(st)
}

// ReadState reads a stream written by Save without applying it.
func ReadState(r io.Reader) (*migration.DeviceState, error) {
	recv := migration.NewReceiver(r)

	payload, err := recv.Expect(migration.MsgDevices)
	if err != nil {
		return nil, err
	}

	st, err := migration.DecodeDevices(payload)
	if err != nil {
		return nil, err
	}

	if _, err := recv.Expect(migration.MsgDone); err != nil {
		return nil, err
	}

	return st, nil
}
