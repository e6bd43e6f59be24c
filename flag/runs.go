package flag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govmd/irq"
	"github.com/bobuhiro11/govmd/machine"
	"github.com/bobuhiro11/govmd/probe"
	"github.com/bobuhiro11/govmd/vlog"
	"github.com/bobuhiro11/govmd/vmm"
	"github.com/davecgh/go-spew/spew"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
)

var errControl = errors.New("control command failed")

func Parse() error {
	c := CLI{}

	programName := "govmd"
	programDesc := "govmd emulates the PC platform devices of a KVM virtual machine"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Configuration(YAMLLoader),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	vlog.SetDebug(c.Debug)

	stop, err := c.startProfiling()
	if err != nil {
		return err
	}

	defer stop()

	return ctx.Run()
}

func (c *CLI) startProfiling() (func(), error) {
	stops := []func(){}

	switch c.Profile {
	case "cpu":
		stops = append(stops, profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop)
	case "mem":
		stops = append(stops, profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop)
	}

	if len(c.Fgprof) > 0 {
		f, err := os.Create(c.Fgprof)
		if err != nil {
			return nil, err
		}

		stopFg := fgprof.Start(f, fgprof.FormatPprof)

		stops = append(stops, func() {
			if err := stopFg(); err != nil {
				log.Printf("fgprof: %v", err)
			}

			f.Close()
		})
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}, nil
}

// Config returns the vmm configuration the flags describe.
func (r *RunCMD) Config() (*vmm.Config, error) {
	memSize, err := ParseSize(r.MemSize, "g")
	if err != nil {
		return nil, err
	}

	return &vmm.Config{
		Dev:           r.Dev,
		VMID:          r.VMID,
		MemSize:       memSize,
		NCPUs:         r.NCPUs,
		State:         r.State,
		ControlSocket: r.ControlSocket,
	}, nil
}

func (r *RunCMD) Run() error {
	c, err := r.Config()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	v := vmm.New(*c)
	defer v.Close()

	if len(r.Incoming) > 0 {
		return v.Incoming(ctx, r.Incoming)
	}

	if err := v.Init(); err != nil {
		return err
	}

	return v.Boot(ctx)
}

func (c *ControlCMD) Run() error {
	reply, err := vmm.Control(c.Socket, strings.Join(c.Command, " "))
	if err != nil {
		return err
	}

	fmt.Println(reply)

	if strings.HasPrefix(reply, "ERROR") {
		return errControl
	}

	return nil
}

func (p *ProbeCMD) Run() error {
	return probe.KVM(os.Stdout, p.Dev)
}

func (i *InspectCMD) Run() error {
	return Inspect(os.Stdout, i.State)
}

// Inspect prints the device state file at path to w.
func Inspect(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	st, err := machine.ReadState(f)
	if err != nil {
		return err
	}

	m, err := machine.New(machine.Config{
		VMID:    st.VMID,
		MemSize: st.MemSize,
		NCPUs:   st.NCPUs,
	}, &irq.Counter{})
	if err != nil {
		return err
	}

	if err := m.SetDeviceState(st); err != nil {
		return err
	}

	fmt.Fprintf(w, "vm %d: %d MiB, %d cpus\n", st.VMID, st.MemSize>>20, st.NCPUs)
	fmt.Fprintf(w, "ioapic at %#x, lapic at %#x version %#x\n",
		m.IOAPIC().Base(), m.LAPIC().Base(), m.LAPIC().Version())
	fmt.Fprintf(w, "rtc: %s, periodic interrupt every %s\n",
		m.RTC().TOD().Time().Format("2006-01-02 15:04:05"), m.RTC().Period())

	for i, ch := range m.PIT().Channels() {
		fmt.Fprintf(w, "pit channel %d: count %#04x\n", i, m.PIT().Count(i))
		spew.Fdump(w, ch)
	}

	return nil
}
