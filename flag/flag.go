package flag

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	yaml "gopkg.in/yaml.v2"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

type CLI struct {
	Config kong.ConfigFlag `help:"YAML file holding flag defaults, keyed by flag name."`
	Debug  bool            `short:"v" help:"Print device debug messages."`

	Profile string `enum:"cpu,mem," default:"" help:"Write a pprof profile of the given kind (cpu, mem)."`
	Fgprof  string `help:"Write a wall-clock fgprof profile to this file."`

	Run     RunCMD     `cmd:"" help:"Run the platform devices of a VM."`
	Control ControlCMD `cmd:"" help:"Send a command to a running VM."`
	Inspect InspectCMD `cmd:"" help:"Print a device state file."`
	Probe   ProbeCMD   `cmd:"" help:"Print the KVM capabilities the devices use."`
}

type RunCMD struct {
	Dev           string `name:"dev" short:"D" help:"Path of kvm device. Empty for a dry run."`
	VMID          uint32 `name:"vmid" default:"1" help:"VM id the devices raise interrupts for."`
	MemSize       string `name:"memory" short:"m" default:"1G" help:"Memory size: as number[gGmM], optional units, defaults to G."`
	NCPUs         int    `name:"cpus" short:"c" default:"1" help:"Number of cpus."`
	State         string `name:"state" short:"s" help:"Device state file to start from."`
	ControlSocket string `name:"control-socket" help:"Unix socket serving MIGRATE and DUMP commands."`
	Incoming      string `name:"incoming" help:"Wait for a migration on this host:port before running."`
}

type ControlCMD struct {
	Socket  string   `arg:"" help:"Control socket of the VM."`
	Command []string `arg:"" help:"MIGRATE <host:port> or DUMP <path>."`
}

type ProbeCMD struct {
	Dev string `name:"dev" short:"D" default:"/dev/kvm" help:"Path of kvm device."`
}

type InspectCMD struct {
	State string `arg:"" type:"existingfile" help:"Device state file."`
}

// YAMLLoader resolves flags from a YAML mapping of flag names to values.
func YAMLLoader(r io.Reader) (kong.Resolver, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	values := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return kong.ResolverFunc(func(ctx *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		v, ok := values[flag.Name]
		if !ok {
			return nil, nil
		}

		return v, nil
	}), nil
}
