package thruster

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/geom"
	"dtrq-ng/internal/spring"
)

// Spring constants (stiffness, mass) per joint. Only used in simulation mode.
const (
	innerStiffness = 250
	outerStiffness = 150
	rotorStiffness = 150
	springMass     = 1
)

// FaultSignal reports the health of a thruster's speed controller.
type FaultSignal interface {
	Faulted() bool
}

// FaultFunc adapts a function to FaultSignal.
type FaultFunc func() bool

func (f FaultFunc) Faulted() bool { return f() }

// NoFault never reports a fault.
var NoFault FaultSignal = FaultFunc(func() bool { return false })

type Config struct {
	Name string
	// Offset from the airframe center, meters.
	Offset r3.Vec
	// Simulation smooths every command through a spring to stand in for
	// actuator inertia. Hardware mode applies commands directly.
	Simulation bool
	// Period is the control tick length.
	Period time.Duration
}

// Thruster is one gimballed rotor: an inner and outer joint (degrees) and a
// rotor output.
//
// Not safe for concurrent use; each thruster is owned by one control loop.
type Thruster struct {
	cfg   Config
	fault FaultSignal

	inner, outer, rotor float64
	rotation            r3.Vec
	disabled            bool

	innerS, outerS, rotorS *spring.Spring
}

func New(cfg Config, fault FaultSignal) (*Thruster, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("thruster %s: period must be > 0", cfg.Name)
	}
	if fault == nil {
		fault = NoFault
	}
	t := &Thruster{cfg: cfg, fault: fault}
	if cfg.Simulation {
		dt := cfg.Period.Seconds()
		var err error
		if t.outerS, err = spring.New(dt, outerStiffness, springMass, "Thruster "+cfg.Name+" outer"); err != nil {
			return nil, err
		}
		if t.innerS, err = spring.New(dt, innerStiffness, springMass, "Thruster "+cfg.Name+" inner"); err != nil {
			return nil, err
		}
		if t.rotorS, err = spring.New(dt, rotorStiffness, springMass, "Thruster "+cfg.Name+" rotor"); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Thruster) Name() string { return t.cfg.Name }

func (t *Thruster) Offset() r3.Vec { return t.cfg.Offset }

// SetOutputs applies a command triple (innerAngle, rotorOutput, outerAngle)
// and returns what was applied, in the same order.
//
// A faulted speed controller forces the command to zero; in simulation mode
// the outputs still ease down through the springs. The fault is re-read on
// every call.
func (t *Thruster) SetOutputs(target r3.Vec) r3.Vec {
	t.disabled = t.fault.Faulted()

	// Visualization only; not fed back into control.
	t.rotation = r3.Vec{X: -t.outer, Y: 0, Z: -t.inner}

	if t.disabled {
		target = r3.Vec{}
	}

	if t.cfg.Simulation {
		t.inner = t.innerS.Calculate(target.X)
		t.rotor = t.rotorS.Calculate(target.Y)
		t.outer = t.outerS.Calculate(target.Z)
	} else {
		t.inner = target.X
		t.rotor = target.Y
		t.outer = target.Z
	}
	return t.Applied()
}

// GetThrustVector is the thrust in the thruster's local frame after gimbal
// deflection: (0, rotor, 0) rotated by (-outer, 0, inner).
func (t *Thruster) GetThrustVector() r3.Vec {
	return geom.RotateVector(r3.Vec{X: -t.outer, Y: 0, Z: t.inner}, r3.Vec{Y: t.rotor})
}

// GetOutputs returns (outerAngle, rotorOutput, innerAngle) for telemetry.
func (t *Thruster) GetOutputs() r3.Vec {
	return r3.Vec{X: t.outer, Y: t.rotor, Z: t.inner}
}

// Applied returns (innerAngle, rotorOutput, outerAngle), the order actuators
// take them in.
func (t *Thruster) Applied() r3.Vec {
	return r3.Vec{X: t.inner, Y: t.rotor, Z: t.outer}
}

// CurrentRotation is the gimbal rotation recorded at the start of the last
// SetOutputs call.
func (t *Thruster) CurrentRotation() r3.Vec { return t.rotation }

// IsDisabled reports the fault state seen by the last SetOutputs call.
func (t *Thruster) IsDisabled() bool { return t.disabled }
