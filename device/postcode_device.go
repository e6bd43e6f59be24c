package device

import (
	"sync/atomic"

	"github.com/bobuhiro11/govmd/vlog"
)

// PostCodePort is the BIOS POST diagnostic port.
const PostCodePort = 0x80

// PostCodeDevice records the POST codes firmware writes to port 0x80.
// Guests also write it to delay a few microseconds after PIT programming.
type PostCodeDevice struct {
	last atomic.Uint32
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}

	data[0] = byte(p.last.Load())

	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}

	p.last.Store(uint32(data[0]))
	vlog.Debugf("post code %#02x", data[0])

	return nil
}

// Last returns the last POST code written.
func (p *PostCodeDevice) Last() byte {
	return byte(p.last.Load())
}

func (p *PostCodeDevice) IOPort() uint64 {
	return PostCodePort
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
