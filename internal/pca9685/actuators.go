package pca9685

import (
	"fmt"
	"time"

	"dtrq-ng/internal/mux"
)

const (
	pulseMin = 1000 * time.Microsecond
	pulseMid = 1500 * time.Microsecond
	pulseMax = 2000 * time.Microsecond

	angleRange = 90.0
)

// Channels is the PWM wiring of one thruster.
type Channels struct {
	Inner int `yaml:"inner"`
	Outer int `yaml:"outer"`
	Rotor int `yaml:"rotor"`
}

// DefaultChannels wires thrusters B..E to consecutive channel triples.
func DefaultChannels() map[mux.Device]Channels {
	return map[mux.Device]Channels{
		mux.ThrusterB: {Inner: 0, Outer: 1, Rotor: 2},
		mux.ThrusterC: {Inner: 3, Outer: 4, Rotor: 5},
		mux.ThrusterD: {Inner: 6, Outer: 7, Rotor: 8},
		mux.ThrusterE: {Inner: 9, Outer: 10, Rotor: 11},
	}
}

// Actuators drives the gimbal servos and rotor speed controllers of every
// thruster through one PCA9685.
type Actuators struct {
	pwm      *Device
	channels map[mux.Device]Channels
}

func NewActuators(pwm *Device, channels map[mux.Device]Channels) (*Actuators, error) {
	if pwm == nil {
		return nil, fmt.Errorf("pca9685: pwm is nil")
	}
	if len(channels) == 0 {
		channels = DefaultChannels()
	}
	used := make(map[int]string)
	for side, c := range channels {
		for _, ch := range []int{c.Inner, c.Outer, c.Rotor} {
			if ch < 0 || ch > maxChan {
				return nil, fmt.Errorf("pca9685: %s: invalid channel %d", side, ch)
			}
			if prev, ok := used[ch]; ok {
				return nil, fmt.Errorf("pca9685: channel %d used by %s and %s", ch, prev, side)
			}
			used[ch] = side.String()
		}
	}
	return &Actuators{pwm: pwm, channels: channels}, nil
}

func (a *Actuators) side(side mux.Device) (Channels, error) {
	c, ok := a.channels[side]
	if !ok {
		return Channels{}, fmt.Errorf("pca9685: no channels for %s", side)
	}
	return c, nil
}

// AnglePulse maps -90..90 degrees onto 1000..2000 µs, clamped.
func AnglePulse(deg float64) time.Duration {
	deg = clamp(deg, -angleRange, angleRange)
	return pulseMid + time.Duration(deg/angleRange*float64(pulseMax-pulseMid))
}

// RotorPulse maps a 0..1 rotor output onto 1000..2000 µs, clamped.
func RotorPulse(out float64) time.Duration {
	out = clamp(out, 0, 1)
	return pulseMin + time.Duration(out*float64(pulseMax-pulseMin))
}

func (a *Actuators) SetInnerAngle(side mux.Device, deg float64) error {
	c, err := a.side(side)
	if err != nil {
		return err
	}
	return a.pwm.SetPulseWidth(c.Inner, AnglePulse(deg))
}

func (a *Actuators) SetOuterAngle(side mux.Device, deg float64) error {
	c, err := a.side(side)
	if err != nil {
		return err
	}
	return a.pwm.SetPulseWidth(c.Outer, AnglePulse(deg))
}

func (a *Actuators) SetRotorOutput(side mux.Device, out float64) error {
	c, err := a.side(side)
	if err != nil {
		return err
	}
	return a.pwm.SetPulseWidth(c.Rotor, RotorPulse(out))
}

// Apply writes an (innerAngle, rotorOutput, outerAngle) triple.
func (a *Actuators) Apply(side mux.Device, inner, rotor, outer float64) error {
	if err := a.SetInnerAngle(side, inner); err != nil {
		return err
	}
	if err := a.SetRotorOutput(side, rotor); err != nil {
		return err
	}
	return a.SetOuterAngle(side, outer)
}

func (a *Actuators) Restart() error { return a.pwm.Restart() }

func (a *Actuators) Sleep() error { return a.pwm.Sleep() }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
