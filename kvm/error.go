package kvm

import "errors"

var (
	// ErrUnsupportedAPIVersion is returned when /dev/kvm speaks another API.
	ErrUnsupportedAPIVersion = errors.New("unsupported kvm api version")

	// ErrVMMismatch is returned when an interrupt targets a VM the injector
	// does not own.
	ErrVMMismatch = errors.New("irq for another vm")
)

// Direction of an I/O exit, as reported in kvm_run.io.direction.
const (
	EXITIOIN  = 0
	EXITIOOUT = 1
)
