package iodev_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/govmd/device"
	"github.com/bobuhiro11/govmd/iodev"
)

var _ device.IODevice = (*iodev.NoopDevice)(nil)

func TestNoopDevice(t *testing.T) {
	t.Parallel()

	n := &iodev.NoopDevice{Port: 0x81, Psize: 0x1f}

	if n.IOPort() != 0x81 || n.Size() != 0x1f {
		t.Fatalf("expected: 0x81/0x1f, actual: %#x/%#x", n.IOPort(), n.Size())
	}

	if err := n.Write(0x81, []byte{0xff}); err != nil {
		t.Fatal(err)
	}

	data := []byte{0xaa, 0xbb}
	if err := n.Read(0x81, data); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(data, []byte{0, 0}) {
		t.Fatalf("expected: [0 0], actual: %v", data)
	}
}
