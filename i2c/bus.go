package i2c

import (
	"context"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
)

// Tx writes w and then reads r from the device at addr, with a repeated start
// in between and a stop condition at the end. It makes the driver usable as
// an i2c.Bus for periph.io devices and as a drivers.I2C for TinyGo drivers.
func (d *Driver) Tx(addr uint16, w, r []byte) error {
	f := Frame{Addr: addr, W: w, R: r}
	switch {
	case len(w) > 0 && len(r) > 0:
		f.Dir = WriteRead
	case len(r) > 0:
		f.Dir = Read
	default:
		f.Dir = Write
	}
	return d.Submit(context.Background(), f)
}

// SetSpeed changes the bus clock. It takes effect for the next frame.
func (d *Driver) SetSpeed(f physic.Frequency) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	cfg := d.cfg
	cfg.Frequency = f
	if err := cfg.Configure(); err != nil {
		return err
	}
	d.cfg = cfg
	return d.setup()
}

var (
	_ i2c.Bus     = (*Driver)(nil)
	_ drivers.I2C = (*Driver)(nil)
)
