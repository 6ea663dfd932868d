package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"golang.org/x/sync/errgroup"
	pi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers/pcf8523"

	"github.com/clktmr/stmi2c/i2c"
	"github.com/clktmr/stmi2c/i2c/sim"
	"github.com/clktmr/stmi2c/intr"
)

func must[T any](ret T, err error) T {
	if err != nil {
		fmt.Print(err)
		os.Exit(1)
	}
	return ret
}

const usageString = `Interactive shell for the I2C driver on a simulated bus.

Usage:

	%s [flags]

A memory device answers at 0x%02x, a PCF8574 expander at 0x%02x and a
PCF8523 real-time clock at 0x%02x.
Type "help" at the prompt for a list of commands.

`

const helpString = `commands:
	scan			probe all 7-bit addresses
	write <addr> <byte>...	write bytes
	read <addr> <n>		read n bytes
	wr <addr> <reg> <n>	write register, read n bytes
	pins [<value>]		read or set the expander outputs
	drive <value>		drive the expander input levels
	rtc [<time>]		read or set the clock, time in RFC 3339
	detach <addr>		remove a device from the bus
	fault <kind> [<n>]	inject arlo, berr, ovr, dma, latency, stuckstop, stuckbusy or none
	speed <khz>		change the bus frequency
	stats			print driver and bus counters
	trace			print and clear the bus trace
	quit
`

const (
	memAddr = 0x29
	expAddr = 0x20
)

var (
	flagFreq    = flag.Uint("freq", 100, "bus frequency in kHz")
	flagDMA     = flag.Bool("dma", true, "use DMA for long frames")
	flagTimeout = flag.Duration("timeout", time.Second, "per command timeout")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0], memAddr, expAddr, pcf8523.DefaultAddress)
	flag.PrintDefaults()
}

type shell struct {
	bus *sim.Peripheral
	drv *i2c.Driver
	mem *sim.Memory
	exp *sim.Expander
	rtc pcf8523.Device
	out io.Writer
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}
	log.SetFlags(0)

	irq := intr.IRQ(31)
	p := sim.New(irq)
	sh := &shell{
		bus: p,
		mem: sim.NewMemory(256),
		exp: sim.NewExpander(),
		out: os.Stdout,
	}
	p.Attach(memAddr, sh.mem)
	p.Attach(expAddr, sh.exp)
	p.Attach(pcf8523.DefaultAddress, sim.NewMemory(0x14))

	cfg := i2c.Config{
		Name:         "i2c1",
		Frequency:    physic.Frequency(*flagFreq) * physic.KiloHertz,
		EventTimeout: *flagTimeout,
	}
	var tx, rx i2c.DMA
	if *flagDMA {
		tx, rx = p.DMA()
	}
	sh.drv = must(i2c.New(p, irq, cfg, tx, rx))
	defer sh.drv.Close()

	sh.rtc = pcf8523.New(sh.drv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error {
		defer cancel()
		return sh.repl(ctx, os.Stdin)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func (sh *shell) repl(ctx context.Context, r io.Reader) error {
	s := bufio.NewScanner(r)
	for {
		fmt.Fprintf(sh.out, "%v> ", sh.drv)
		if !s.Scan() {
			fmt.Fprintln(sh.out)
			return s.Err()
		}
		args, err := shellwords.Split(s.Text())
		if err != nil {
			log.Print(err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return nil
		}
		cctx, cancel := context.WithTimeout(ctx, *flagTimeout)
		err = sh.exec(cctx, args[0], args[1:])
		cancel()
		if err != nil {
			log.Printf("%s: %v", args[0], err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

var errUsage = errors.New("invalid arguments, try help")

func (sh *shell) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprint(sh.out, helpString)
	case "scan":
		for addr := uint16(0x08); addr < 0x78; addr++ {
			err := sh.drv.Submit(ctx, i2c.Frame{Addr: addr, Dir: i2c.Write})
			switch {
			case err == nil:
				fmt.Fprintf(sh.out, "%#02x\n", addr)
			case errors.Is(err, i2c.AddressNack):
			default:
				return err
			}
		}
	case "write":
		if len(args) < 2 {
			return errUsage
		}
		dev, err := sh.dev(args[0])
		if err != nil {
			return err
		}
		w, err := parseBytes(args[1:])
		if err != nil {
			return err
		}
		_, err = dev.Write(w)
		return err
	case "read":
		if len(args) != 2 {
			return errUsage
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		r := make([]byte, n)
		if err := sh.drv.Submit(ctx, i2c.Frame{Addr: addr, Dir: i2c.Read, R: r}); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "% x\n", r)
	case "wr":
		if len(args) != 3 {
			return errUsage
		}
		dev, err := sh.dev(args[0])
		if err != nil {
			return err
		}
		w, err := parseBytes(args[1:2])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		r := make([]byte, n)
		if err := dev.Tx(w, r); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "% x\n", r)
	case "pins":
		dev := pi2c.Dev{Bus: sh.drv, Addr: expAddr}
		if len(args) == 1 {
			v, err := parseBytes(args)
			if err != nil {
				return err
			}
			_, err = dev.Write(v)
			return err
		}
		var r [1]byte
		if err := dev.Tx(nil, r[:]); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%08b\n", r[0])
	case "drive":
		v, err := parseBytes(args)
		if err != nil || len(v) != 1 {
			return errUsage
		}
		sh.exp.Drive(v[0])
	case "rtc":
		if len(args) == 1 {
			t, err := time.Parse(time.RFC3339, args[0])
			if err != nil {
				return err
			}
			return sh.rtc.SetTime(t.UTC())
		}
		t, err := sh.rtc.ReadTime()
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.out, t.Format(time.RFC3339))
	case "detach":
		if len(args) != 1 {
			return errUsage
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		sh.bus.Detach(addr)
	case "fault":
		f, err := parseFault(args)
		if err != nil {
			return err
		}
		sh.bus.SetFaults(f)
	case "speed":
		if len(args) != 1 {
			return errUsage
		}
		khz, err := strconv.ParseUint(args[0], 0, 16)
		if err != nil {
			return err
		}
		return sh.drv.SetSpeed(physic.Frequency(khz) * physic.KiloHertz)
	case "stats":
		fmt.Fprintf(sh.out, "driver %+v\nbus    %+v\n", sh.drv.Stats(), sh.bus.Counters())
	case "trace":
		fmt.Fprintln(sh.out, sim.Format(sh.bus.Trace()))
	default:
		return fmt.Errorf("unknown command")
	}
	return nil
}

func (sh *shell) dev(s string) (*pi2c.Dev, error) {
	addr, err := parseAddr(s)
	if err != nil {
		return nil, err
	}
	return &pi2c.Dev{Bus: sh.drv, Addr: addr}, nil
}

func parseAddr(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 7)
	return uint16(v), err
}

func parseBytes(args []string) ([]byte, error) {
	p := make([]byte, len(args))
	for i, s := range args {
		v, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return nil, err
		}
		p[i] = byte(v)
	}
	return p, nil
}

func parseFault(args []string) (f sim.Faults, err error) {
	if len(args) == 0 {
		return f, errUsage
	}
	n := 1
	if len(args) > 1 {
		if n, err = strconv.Atoi(args[1]); err != nil {
			return f, err
		}
	}
	switch strings.ToLower(args[0]) {
	case "arlo":
		f.ArbitrationLostAt = n
	case "berr":
		f.BusErrorAt = n
	case "ovr":
		f.OverrunAt = n
	case "dma":
		f.DMAErrorAt = n
	case "latency":
		f.StopLatency = n
	case "stuckstop":
		f.StuckStop = true
	case "stuckbusy":
		f.StuckBusy = true
	case "none":
	default:
		return f, errUsage
	}
	return f, nil
}
