package i2c

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/stmi2c/i2c/regs"
)

func TestTiming(t *testing.T) {
	tests := map[string]struct {
		freq, pclk physic.Frequency
		want       timing
	}{
		"standard":      {100 * physic.KiloHertz, 42 * physic.MegaHertz, timing{42, 210, 43}},
		"slow":          {10 * physic.KiloHertz, 42 * physic.MegaHertz, timing{42, 2100, 43}},
		"min divider":   {100 * physic.KiloHertz, 2 * physic.MegaHertz, timing{2, 10, 3}},
		"fast":          {400 * physic.KiloHertz, 42 * physic.MegaHertz, timing{42, regs.FS | 35, 13}},
		"fast 36mhz":    {400 * physic.KiloHertz, 36 * physic.MegaHertz, timing{36, regs.FS | 30, 11}},
		"fast 200khz":   {200 * physic.KiloHertz, 16 * physic.MegaHertz, timing{16, regs.FS | 26, 5}},
		"clamp divider": {100 * physic.KiloHertz, 4 * physic.MegaHertz, timing{4, 20, 5}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Config{Frequency: tc.freq, PClk: tc.pclk}
			got, err := cfg.timing()
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestConfigure(t *testing.T) {
	var cfg Config
	if err := cfg.Configure(); err != nil {
		t.Fatal(err)
	}
	if cfg.Frequency != defaultFrequency || cfg.DMAThreshold != defaultDMAThreshold || cfg.StopPolls != defaultStopPolls {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	invalid := map[string]Config{
		"too fast":       {Frequency: 1 * physic.MegaHertz},
		"too slow":       {Frequency: 1 * physic.KiloHertz},
		"pclk too low":   {PClk: 1 * physic.MegaHertz},
		"pclk too high":  {PClk: 84 * physic.MegaHertz},
		"no own address": {Role: ControllerTarget},
		"own address":    {Role: ControllerTarget, OwnAddress: 0x80},
	}
	for name, cfg := range invalid {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Configure(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("got %v, want %v", err, ErrInvalidConfig)
			}
		})
	}
}

func TestFrameValidate(t *testing.T) {
	tests := map[string]struct {
		f     Frame
		valid bool
	}{
		"write":            {Frame{Addr: 0x29, Dir: Write, W: []byte{1}}, true},
		"probe":            {Frame{Addr: 0x29, Dir: Write}, true},
		"read":             {Frame{Addr: 0x29, Dir: Read, R: make([]byte, 2)}, true},
		"write read":       {Frame{Addr: 0x29, Dir: WriteRead, W: []byte{1}, R: make([]byte, 1)}, true},
		"empty read":       {Frame{Addr: 0x29, Dir: Read}, false},
		"write read no w":  {Frame{Addr: 0x29, Dir: WriteRead, R: make([]byte, 1)}, false},
		"10-bit address":   {Frame{Addr: 0x129, Dir: Write}, false},
		"bogus direction":  {Frame{Addr: 0x29, Dir: 7}, false},
		"general call":     {Frame{Addr: 0, Dir: Write, W: []byte{6}}, true},
		"no stop":          {Frame{Addr: 0x29, Dir: Write, W: []byte{1}, NoStop: true}, true},
		"write read no r":  {Frame{Addr: 0x29, Dir: WriteRead, W: []byte{1}}, false},
		"max address read": {Frame{Addr: 0x7f, Dir: Read, R: make([]byte, 1)}, true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.f.validate()
			if tc.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("got %v, want %v", err, ErrInvalidFrame)
			}
		})
	}
}
