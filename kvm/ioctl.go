package kvm

import (
	"golang.org/x/sys/unix"
)

const (
	kvmCreateVM       = 0xae01
	kvmCreateIRQChip  = 0xae60
	kvmIRQLine        = 0x4008ae61
	kvmGetAPIVersion  = 0xae00
	kvmCheckExtension = 0xae03
	kvmAPIVersionWant = 12
)

// Ioctl issues an ioctl on fd and retries when interrupted by a signal.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// GetAPIVersion returns the KVM API version of the /dev/kvm fd.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM creates a VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	ver, err := GetAPIVersion(kvmFd)
	if err != nil {
		return 0, err
	}

	if ver != kvmAPIVersionWant {
		return 0, ErrUnsupportedAPIVersion
	}

	return Ioctl(kvmFd, kvmCreateVM, 0)
}
