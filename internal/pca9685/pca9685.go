// Package pca9685 drives the 16-channel PWM chip that feeds the gimbal
// servos and rotor speed controllers.
package pca9685

import (
	"fmt"
	"math"
	"time"
)

var sleep = time.Sleep

const (
	addrDefault = 0x40

	regMode1    = 0x00
	regMode2    = 0x01
	regLED0OnL  = 0x06
	regAllOffH  = 0xFD
	regPrescale = 0xFE

	mode1Restart = 0x80
	mode1AI      = 0x20
	mode1Sleep   = 0x10
	mode1AllCall = 0x01
	mode2OutDrv  = 0x04

	fullOff = 0x10

	oscHz   = 25_000_000
	steps   = 4096
	maxChan = 15
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	WriteReg(reg, value byte) error
	WriteRegs(reg byte, p []byte) error
}

type Device struct {
	dev    regIO
	period time.Duration
}

func DefaultAddress() uint16 { return addrDefault }

// Prescale returns the prescaler value for an output frequency.
func Prescale(freqHz int) (byte, error) {
	if freqHz <= 0 {
		return 0, fmt.Errorf("pca9685: invalid frequency %d", freqHz)
	}
	p := math.Round(float64(oscHz)/float64(steps*freqHz)) - 1
	if p < 3 || p > 255 {
		return 0, fmt.Errorf("pca9685: frequency %d Hz out of range", freqHz)
	}
	return byte(p), nil
}

// New configures the output frequency and wakes the chip with register
// auto-increment enabled. All outputs start off.
func New(dev regIO, freqHz int) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("pca9685: dev is nil")
	}
	pre, err := Prescale(freqHz)
	if err != nil {
		return nil, err
	}
	d := &Device{dev: dev, period: time.Second / time.Duration(freqHz)}

	if err := d.dev.WriteReg(regAllOffH, fullOff); err != nil {
		return nil, fmt.Errorf("pca9685: all off failed: %w", err)
	}
	if err := d.dev.WriteReg(regMode2, mode2OutDrv); err != nil {
		return nil, fmt.Errorf("pca9685: mode2 failed: %w", err)
	}

	// The prescaler can only be written while asleep.
	if err := d.dev.WriteReg(regMode1, mode1Sleep|mode1AllCall); err != nil {
		return nil, fmt.Errorf("pca9685: sleep failed: %w", err)
	}
	if err := d.dev.WriteReg(regPrescale, pre); err != nil {
		return nil, fmt.Errorf("pca9685: prescale failed: %w", err)
	}
	if err := d.dev.WriteReg(regMode1, mode1AI|mode1AllCall); err != nil {
		return nil, fmt.Errorf("pca9685: wake failed: %w", err)
	}
	sleep(500 * time.Microsecond)
	if err := d.Restart(); err != nil {
		return nil, err
	}
	return d, nil
}

// SetPulse sets the on and off tick (0..4095) of channel ch.
func (d *Device) SetPulse(ch int, on, off uint16) error {
	if ch < 0 || ch > maxChan {
		return fmt.Errorf("pca9685: invalid channel %d", ch)
	}
	reg := byte(regLED0OnL + 4*ch)
	buf := []byte{byte(on), byte(on >> 8), byte(off), byte(off >> 8)}
	if err := d.dev.WriteRegs(reg, buf); err != nil {
		return fmt.Errorf("pca9685: channel %d: %w", ch, err)
	}
	return nil
}

// SetPulseWidth sets a pulse of width w starting at tick 0.
func (d *Device) SetPulseWidth(ch int, w time.Duration) error {
	if w < 0 {
		w = 0
	}
	if w > d.period {
		w = d.period
	}
	ticks := uint16(math.Round(float64(w) / float64(d.period) * steps))
	if ticks >= steps {
		ticks = steps - 1
	}
	return d.SetPulse(ch, 0, ticks)
}

// Restart resumes PWM output after sleep with the previous duty cycles.
func (d *Device) Restart() error {
	mode, err := d.dev.ReadRegU8(regMode1)
	if err != nil {
		return fmt.Errorf("pca9685: mode1 read failed: %w", err)
	}
	if err := d.dev.WriteReg(regMode1, (mode&^mode1Sleep)|mode1Restart); err != nil {
		return fmt.Errorf("pca9685: restart failed: %w", err)
	}
	return nil
}

// Sleep stops the oscillator; every output goes idle.
func (d *Device) Sleep() error {
	mode, err := d.dev.ReadRegU8(regMode1)
	if err != nil {
		return fmt.Errorf("pca9685: mode1 read failed: %w", err)
	}
	if err := d.dev.WriteReg(regMode1, (mode&^mode1Restart)|mode1Sleep); err != nil {
		return fmt.Errorf("pca9685: sleep failed: %w", err)
	}
	return nil
}
