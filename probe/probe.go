// Package probe reports what the host KVM offers the platform devices.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/govmd/kvm"
)

// Capabilities probed by KVM, in the order they are printed.
var Capabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapIRQRouting,
	kvm.CapIRQFD,
	kvm.CapPIT,
	kvm.CapPIT2,
	kvm.CapPITState2,
	kvm.CapCoalescedMMIO,
	kvm.CapIOEventFD,
	kvm.CapAdjustClock,
	kvm.CapNRVCPUs,
}

// KVM prints the API version of dev and the capabilities the devices use.
func KVM(w io.Writer, dev string) error {
	kvmFile, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	ver, err := kvm.GetAPIVersion(kvmfd)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%-30s: %d\n", "APIVersion", ver)

	for _, c := range Capabilities {
		res, err := kvm.CheckExtension(kvmfd, c)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%-30s: %t\n", c, res != 0)
	}

	return nil
}
