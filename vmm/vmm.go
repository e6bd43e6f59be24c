package vmm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/bobuhiro11/govmd/irq"
	"github.com/bobuhiro11/govmd/kvm"
	"github.com/bobuhiro11/govmd/machine"
	"github.com/bobuhiro11/govmd/rtc"
	"golang.org/x/sys/unix"
)

var errNotInitialized = errors.New("vmm not initialized")

// Config describes a VM and how it is run.
type Config struct {
	// Dev is the KVM device. Empty means a dry run: device interrupts are
	// counted instead of delivered.
	Dev string

	VMID    uint32
	MemSize int
	NCPUs   int

	// State is a device state file applied at Init.
	State string

	// ControlSocket is the unix socket Boot serves control commands on.
	ControlSocket string
}

type VMM struct {
	*machine.Machine
	Config

	kvmFile *os.File
	vmFd    int
	counter *irq.Counter
	control net.Listener
}

func New(c Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
		vmFd:    -1,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	inj, err := v.injector()
	if err != nil {
		return err
	}

	m, err := machine.New(machine.Config{
		VMID:    v.VMID,
		MemSize: v.MemSize,
		NCPUs:   v.NCPUs,
	}, inj, machine.WithSyncer(v))
	if err != nil {
		v.Close()

		return err
	}

	v.Machine = m

	if len(v.State) > 0 {
		if err := v.Load(v.State); err != nil {
			return err
		}
	}

	return nil
}

func (v *VMM) injector() (irq.Injector, error) {
	if len(v.Dev) == 0 {
		v.counter = &irq.Counter{}

		return v.counter, nil
	}

	f, err := os.OpenFile(v.Dev, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	v.kvmFile = f

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		v.Close()

		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	v.vmFd = int(vmFd)

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		v.Close()

		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}

	return &kvm.LineInjector{VMID: v.VMID, VMFd: vmFd}, nil
}

// SyncRTC implements rtc.Syncer. Only the guest can step its own clock, so
// the jump is reported for whoever runs the guest agent.
func (v *VMM) SyncRTC() error {
	log.Printf("vm %d: host clock jumped, guest clock needs a resync", v.VMID)

	return nil
}

var _ rtc.Syncer = (*VMM)(nil)

// Boot runs the machine until ctx is done or the machine is stopped, serving
// the control socket meanwhile when one is configured.
func (v *VMM) Boot(ctx context.Context) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	if len(v.ControlSocket) > 0 {
		if _, err := v.StartControlSocket(); err != nil {
			return err
		}
	}

	log.Printf("vm %d: running with %d MiB and %d cpus", v.VMID, v.MemSize>>20, v.NCPUs)

	err := v.Machine.Run(ctx)

	if v.control != nil {
		v.control.Close()
	}

	if v.counter != nil {
		log.Printf("vm %d: %d timer and %d rtc interrupts", v.VMID, v.counter.Count(0), v.counter.Count(8))
	}

	return err
}

// Interrupts returns how many times line was raised in a dry run, and false
// when interrupts go to a real VM.
func (v *VMM) Interrupts(line uint32) (uint64, bool) {
	if v.counter == nil {
		return 0, false
	}

	return v.counter.Count(line), true
}

// Dump writes the device state to path.
func (v *VMM) Dump(path string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if err := v.Machine.Save(f); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

// Load applies the device state in path.
func (v *VMM) Load(path string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	if err := v.Machine.Restore(f); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

// Close stops the machine and releases the KVM file descriptors.
func (v *VMM) Close() {
	if v.Machine != nil {
		if err := v.Machine.Stop(); err != nil {
			log.Printf("vm %d: stop: %v", v.VMID, err)
		}
	}

	if v.vmFd >= 0 {
		unix.Close(v.vmFd)
		v.vmFd = -1
	}

	if v.kvmFile != nil {
		v.kvmFile.Close()
		v.kvmFile = nil
	}
}
