// Package mux serializes access to the devices that share the flight
// controller's I2C bus behind a single-select channel switch.
//
// The switch does not remember selections in any useful way: another device
// may be selected at any time between two operations. Every register
// operation issued through a Channel therefore re-selects its device first,
// with the select and the transfer done under one lock.
package mux

import (
	"errors"
	"fmt"
	"sync"

	"dtrq-ng/internal/i2c"
)

// DefaultAddress is the switch's 7-bit I2C address.
const DefaultAddress = 0x70

// regSelect is the control register written with the channel mask.
const regSelect = 0x00

var ErrUnknownDevice = errors.New("mux: unknown device")

// Device is a logical device behind the switch.
type Device int

const (
	Main Device = iota
	ThrusterB
	ThrusterC
	ThrusterD
	ThrusterE
	PWMManager
)

// Devices lists every device in declaration order.
var Devices = []Device{Main, ThrusterB, ThrusterC, ThrusterD, ThrusterE, PWMManager}

// Sensors lists the devices carrying an inertial sensor.
var Sensors = []Device{Main, ThrusterB, ThrusterC, ThrusterD, ThrusterE}

// channels maps each device to its switch channel; the select code is 1<<channel.
var channels = map[Device]uint{
	Main:       4,
	ThrusterB:  3,
	ThrusterC:  2,
	ThrusterD:  1,
	ThrusterE:  0,
	PWMManager: 5,
}

func (d Device) String() string {
	switch d {
	case Main:
		return "main"
	case ThrusterB:
		return "thruster_b"
	case ThrusterC:
		return "thruster_c"
	case ThrusterD:
		return "thruster_d"
	case ThrusterE:
		return "thruster_e"
	case PWMManager:
		return "pwm_manager"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice is the inverse of Device.String.
func ParseDevice(s string) (Device, error) {
	for _, d := range Devices {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDevice, s)
}

// Channel returns the switch channel index for d.
func (d Device) Channel() (uint, error) {
	ch, ok := channels[d]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownDevice, int(d))
	}
	return ch, nil
}

// SelectCode returns the byte written to the switch to select d.
func (d Device) SelectCode() (byte, error) {
	ch, err := d.Channel()
	if err != nil {
		return 0, err
	}
	return 1 << ch, nil
}

// RegIO is the byte-level register capability consumed by device drivers.
type RegIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
	WriteRegs(reg byte, p []byte) error
}

// Bus hands out register handles for addresses on the physical bus.
type Bus interface {
	Dev(addr uint16) RegIO
}

// BusFunc adapts a function to Bus.
type BusFunc func(addr uint16) RegIO

func (f BusFunc) Dev(addr uint16) RegIO { return f(addr) }

// FromI2C wraps an opened Linux I2C bus.
func FromI2C(b *i2c.Bus) Bus {
	return BusFunc(func(addr uint16) RegIO {
		d := b.Dev(addr)
		if d == nil {
			return nil
		}
		return d
	})
}

// Mux owns the physical bus. All device traffic goes through it.
type Mux struct {
	mu   sync.Mutex
	bus  Bus
	sw   RegIO
	addr uint16
}

func New(bus Bus, addr uint16) (*Mux, error) {
	if bus == nil {
		return nil, fmt.Errorf("mux: bus is nil")
	}
	if addr == 0 {
		addr = DefaultAddress
	}
	sw := bus.Dev(addr)
	if sw == nil {
		return nil, fmt.Errorf("mux: no handle for switch at 0x%02X", addr)
	}
	return &Mux{bus: bus, sw: sw, addr: addr}, nil
}

// SelectDevice routes subsequent bus traffic to d.
//
// Callers outside this package normally use a Channel instead, which
// re-selects before every operation.
func (m *Mux) SelectDevice(d Device) error {
	if m == nil {
		return fmt.Errorf("mux: mux is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectLocked(d)
}

func (m *Mux) selectLocked(d Device) error {
	code, err := d.SelectCode()
	if err != nil {
		return err
	}
	if err := m.sw.WriteReg(regSelect, code); err != nil {
		return fmt.Errorf("mux: select %s: %w", d, err)
	}
	return nil
}

// Channel returns a RegIO for the device at addr behind channel d.
func (m *Mux) Channel(d Device, addr uint16) (*Channel, error) {
	if m == nil {
		return nil, fmt.Errorf("mux: mux is nil")
	}
	if _, err := d.Channel(); err != nil {
		return nil, err
	}
	rw := m.bus.Dev(addr)
	if rw == nil {
		return nil, fmt.Errorf("mux: no handle for %s at 0x%02X", d, addr)
	}
	return &Channel{m: m, dev: d, addr: addr, rw: rw}, nil
}

// Channel is a device handle behind the switch. Each method selects the
// device and performs the transfer atomically with respect to other
// channels on the same Mux.
type Channel struct {
	m    *Mux
	dev  Device
	addr uint16
	rw   RegIO
}

func (c *Channel) Device() Device { return c.dev }

func (c *Channel) Addr() uint16 { return c.addr }

func (c *Channel) do(fn func(rw RegIO) error) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.selectLocked(c.dev); err != nil {
		return err
	}
	return fn(c.rw)
}

func (c *Channel) ReadRegU8(reg byte) (byte, error) {
	var v byte
	err := c.do(func(rw RegIO) error {
		var err error
		v, err = rw.ReadRegU8(reg)
		return err
	})
	return v, err
}

func (c *Channel) ReadReg(reg byte, dst []byte) error {
	return c.do(func(rw RegIO) error { return rw.ReadReg(reg, dst) })
}

func (c *Channel) WriteReg(reg, value byte) error {
	return c.do(func(rw RegIO) error { return rw.WriteReg(reg, value) })
}

func (c *Channel) WriteRegs(reg byte, p []byte) error {
	return c.do(func(rw RegIO) error { return rw.WriteRegs(reg, p) })
}
