package cmd

// run.go boots the virtual machine with an ELF image.

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/freddiehaddad/ferrous/internal/cli"
	"github.com/freddiehaddad/ferrous/internal/kernel"
	"github.com/freddiehaddad/ferrous/internal/log"
	"github.com/freddiehaddad/ferrous/internal/tty"
	"github.com/freddiehaddad/ferrous/internal/vm"
)

const defaultMemory = 16 * 1024 * 1024

// Runner returns the run command.
func Runner() cli.Command {
	return &runner{log: log.DefaultLogger()}
}

type runner struct {
	memory    int
	disk      string
	netListen string
	netRemote string
	timer     uint64
	logLevel  slog.Level

	log *log.Logger
}

func (runner) Description() string {
	return "run an ELF program in the virtual machine"
}

func (runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run [options] program.elf

Boots the machine, loads the program as the first user thread and runs
until it halts. Attach a FerrousFS disk image with --disk to make open
and exec work.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	fs.IntVar(&r.memory, "memory", defaultMemory, "guest RAM size in `bytes`")
	fs.StringVar(&r.disk, "disk", "", "`path` to a FerrousFS disk image")
	fs.StringVar(&r.netListen, "net-listen", "", "UDP `address` the network device binds")
	fs.StringVar(&r.netRemote, "net-remote", "", "default remote UDP `address`")
	fs.Uint64Var(&r.timer, "timer", vm.DefaultTimerInterval, "preemption quantum in `instructions`")
	fs.Func("loglevel", "set log `level`", func(s string) error {
		return r.logLevel.UnmarshalText([]byte(s))
	})

	return fs
}

// Run boots and drives the machine to completion.
func (r *runner) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	log.LogLevel.Set(r.logLevel)

	if len(args) != 1 {
		logger.Error("run: exactly one program expected")
		return 2
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("run: read program", "err", err)
		return 1
	}

	// Raw mode feeds the UART keystroke by keystroke. A missing TTY is fine: piped stdin
	// reads as a plain stream.
	if console, err := tty.Open(os.Stdin); err == nil {
		defer console.Restore()
	} else if !errors.Is(err, tty.ErrNoTTY) {
		logger.Warn("run: console setup", "err", err)
	}

	bus := vm.NewSystemBus(r.memory)
	bus.Map(vm.UARTBase, vm.DeviceSize, vm.NewUART(os.Stdin, os.Stdout))

	if r.disk != "" {
		blk, err := vm.OpenBlockDevice(r.disk)
		if err != nil {
			logger.Error("run: disk", "err", err)
			return 1
		}
		defer blk.Close()

		bus.Map(vm.BlockBase, vm.DeviceSize, blk)
	}

	if r.netListen != "" {
		netdev, err := vm.OpenNetDevice(r.netListen, r.netRemote)
		if err != nil {
			logger.Error("run: network", "err", err)
			return 1
		}
		defer netdev.Close()

		bus.Map(vm.NetBase, vm.DeviceSize, netdev)
	}

	kern := kernel.New()

	if r.disk != "" {
		if err := kern.MountDisk(bus); err != nil {
			// The machine still runs; open and exec will fail.
			logger.Warn("run: mount", "err", err)
		}
	}

	machine := vm.NewMachine(bus, kern, vm.WithTimerInterval(r.timer), vm.WithLogger(logger))

	if err := kern.Boot(machine.CPU, bus, image, [][]byte{[]byte(args[0])}); err != nil {
		logger.Error("run: boot", "err", err)
		return 1
	}

	if err := machine.Run(ctx); err != nil {
		logger.Error("run: fatal", "err", err)
		return 1
	}

	return 0
}
