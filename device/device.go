package device

import "errors"

// ErrDataLenInvalid is returned for an access wider than the device supports.
var ErrDataLenInvalid = errors.New("invalid data size on port")

// IODevice describes a device reachable through port I/O. The device claims
// the ports [IOPort(), IOPort()+Size()).
type IODevice interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}
