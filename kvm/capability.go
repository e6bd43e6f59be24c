package kvm

import "fmt"

// Capability is a KVM_CAP_* extension number.
type Capability uintptr

// Capabilities the platform devices depend on or can make use of.
const (
	CapIRQChip       Capability = 0
	CapNRVCPUs       Capability = 9
	CapPIT           Capability = 11
	CapCoalescedMMIO Capability = 15
	CapIRQRouting    Capability = 25
	CapIRQFD         Capability = 32
	CapPIT2          Capability = 33
	CapPITState2     Capability = 35
	CapIOEventFD     Capability = 36
	CapAdjustClock   Capability = 39
)

func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapNRVCPUs:
		return "CapNRVCPUs"
	case CapPIT:
		return "CapPIT"
	case CapCoalescedMMIO:
		return "CapCoalescedMMIO"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapIRQFD:
		return "CapIRQFD"
	case CapPIT2:
		return "CapPIT2"
	case CapPITState2:
		return "CapPITState2"
	case CapIOEventFD:
		return "CapIOEventFD"
	case CapAdjustClock:
		return "CapAdjustClock"
	default:
		return fmt.Sprintf("Capability(%d)", uintptr(c))
	}
}

// CheckExtension returns the value KVM reports for c, zero when it is not
// supported.
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return Ioctl(kvmFd, kvmCheckExtension, uintptr(c))
}
