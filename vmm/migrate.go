package vmm

// migrate.go – device state migration: source (MigrateTo) and destination
// (Incoming).
//
// Source side (MigrateTo):
//  1. Snapshot the device state.
//  2. Send it, then MsgDone, and wait for MsgReady from the destination.
//  3. Stop the machine.
//
// Destination side (Incoming):
//  1. Accept the TCP connection.
//  2. Receive and apply the device state.
//  3. Send MsgReady.
//  4. Run the machine.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/bobuhiro11/govmd/machine"
	"github.com/bobuhiro11/govmd/migration"
)

const dialTimeout = 30 * time.Second

var errUnknownCommand = errors.New("unknown command")

// StartControlSocket listens on the configured unix socket and handles
// control commands sent by the `govmd control` subcommand.
//
// Supported commands (newline-terminated):
//
//	MIGRATE <addr>   – migrate the device state to <addr> (host:port)
//	DUMP <path>      – write the device state to <path>
func (v *VMM) StartControlSocket() (string, error) {
	path := v.ControlSocket

	l, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	v.control = l

	go func() {
		defer os.Remove(path)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go v.handleControl(conn)
		}
	}()

	return path, nil
}

func (v *VMM) handleControl(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && len(line) == 0 {
		return
	}

	if err := v.runCommand(strings.TrimSpace(line)); err != nil {
		log.Printf("control %q failed: %v", line, err)
		_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))

		return
	}

	_, _ = conn.Write([]byte("OK\n"))
}

func (v *VMM) runCommand(line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "MIGRATE":
		return v.MigrateTo(arg)
	case "DUMP":
		return v.Dump(arg)
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd)
	}
}

// Control sends one command to the control socket at path and returns the
// reply line.
func Control(path, cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return "", err
	}

	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	return strings.TrimSpace(reply), nil
}

// MigrateTo sends the device state to the given TCP address (host:port) and
// stops the machine once the destination has applied it.
func (v *VMM) MigrateTo(addr string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	log.Printf("migration: connecting to %s", addr)

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	defer conn.Close()

	if err := v.Machine.Save(conn); err != nil {
		return fmt.Errorf("send state: %w", err)
	}

	if _, err := migration.NewReceiver(conn).Expect(migration.MsgReady); err != nil {
		return fmt.Errorf("waiting for MsgReady: %w", err)
	}

	log.Printf("migration: complete – destination is running")

	return v.Machine.Stop()
}

// Incoming listens on listenAddr for an incoming migration and, once the
// device state is applied, runs the machine until ctx is done.
func (v *VMM) Incoming(ctx context.Context, listenAddr string) error {
	log.Printf("migration: waiting for incoming connection on %s", listenAddr)

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	if err := v.Accept(l); err != nil {
		l.Close()

		return err
	}

	l.Close()

	return v.Boot(ctx)
}

// Accept takes one migration from l and applies it. The machine is built
// first if Init was not called.
func (v *VMM) Accept(l net.Listener) error {
	if v.Machine == nil {
		if err := v.Init(); err != nil {
			return fmt.Errorf("Init: %w", err)
		}
	}

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	defer conn.Close()

	st, err := machine.ReadState(conn)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	log.Printf("migration: received state of vm %d", st.VMID)

	if err := v.Machine.SetDeviceState(st); err != nil {
		return fmt.Errorf("SetDeviceState: %w", err)
	}

	return migration.NewSender(conn).SendReady()
}
