// Command dacctl drives a single MCP4725/MCP4728 channel for bench tests.
//
//	dacctl -bus 1 -addr 0x62 -variant mcp4725 -vref 4.096 -set 2.048
//	dacctl -variant mcp4728 -channel 2 -reference internal -gain 2 -off
//	dacctl -hash-password
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/auth"
	"github.com/KevinKickass/OpenDAC/internal/mcp472x"
	"github.com/KevinKickass/OpenDAC/internal/output"
	"go.uber.org/zap"
)

func main() {
	var (
		bus       = flag.String("bus", "1", "I2C bus name or number")
		addr      = flag.String("addr", "", "7-bit I2C address, default depends on -variant")
		variant   = flag.String("variant", "mcp4725", "chip: mcp4725 or mcp4728")
		channel   = flag.Uint("channel", 0, "output channel (0-3 on mcp4728)")
		reference = flag.String("reference", output.DefaultReference, "voltage reference: internal or vdd")
		gain      = flag.Int("gain", 1, "output gain: 1 or 2")
		vref      = flag.Float64("vref", output.DefaultVrefVolts, "full scale voltage used for conversion")
		set       = flag.String("set", "", "drive the output to this voltage")
		off       = flag.Bool("off", false, "drive the output to 0 V")
		timeout   = flag.Duration("timeout", 5*time.Second, "overall timeout")
		verbose   = flag.Bool("v", false, "log device operations")
		hashPass  = flag.Bool("hash-password", false, "read a password from stdin and print its argon2id hash")
	)
	flag.Parse()

	if *hashPass {
		if err := hashPassword(); err != nil {
			fatal(err)
		}
		return
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			fatal(err)
		}
	}
	defer logger.Sync()

	v, err := mcp472x.ParseVariant(*variant)
	if err != nil {
		fatal(err)
	}
	address := v.DefaultAddress()
	if *addr != "" {
		a, err := strconv.ParseUint(*addr, 0, 7)
		if err != nil {
			fatal(fmt.Errorf("invalid -addr %q: %w", *addr, err))
		}
		address = uint16(a)
	}

	raw := output.DefaultRawOptions()
	raw.Reference = *reference
	raw.Gain = *gain
	raw.Vref = *vref
	cfg, err := output.Resolve(raw)
	if err != nil {
		fatal(err)
	}

	port, err := mcp472x.Open(*bus, address, v)
	if err != nil {
		fatal(err)
	}
	defer port.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	ctrl := output.NewController(uint8(*channel), logger)
	if err := ctrl.Initialize(ctx, cfg, port); err != nil {
		fatal(err)
	}

	switch {
	case *off:
		err = ctrl.SetState(ctx, output.Off())
	case *set != "":
		volts, perr := strconv.ParseFloat(*set, 64)
		if perr != nil {
			fatal(fmt.Errorf("invalid -set %q: %w", *set, perr))
		}
		err = ctrl.SetState(ctx, output.On(volts))
	}
	if err != nil {
		fatal(err)
	}

	st := ctrl.Status()
	fmt.Printf("%s ch%d: %s code=%d (%.4f V) on=%v\n",
		port, st.Channel, st.Lifecycle, st.LastCode, st.Voltage, st.On)
}

func hashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password")
	}

	hash, err := auth.NewPasswordHasher().HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "dacctl:", err)
	os.Exit(1)
}
