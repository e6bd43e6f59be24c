// Package migration carries the state of a machine's platform devices
// between processes, or into a file for later restore.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

// DeviceState holds the dump of every platform device of one machine. Each
// field is the exact byte stream the device's Dump wrote, so the devices
// stay in charge of their own layout.
type DeviceState struct {
	VMID    uint32
	MemSize int
	NCPUs   int

	PIT    []byte
	RTC    []byte
	IOAPIC []byte
	LAPIC  []byte
}
