// Package spring implements a critically damped spring used to emulate
// actuator inertia when no physical actuator is attached.
package spring

import (
	"fmt"
	"math"
)

// Spring tracks a target scalar with a critically damped response.
//
// Each Calculate call advances the exact closed-form solution by one
// timestep, so the response from rest toward a step target is monotonic and
// never overshoots, for any dt.
//
// Not safe for concurrent use.
type Spring struct {
	name  string
	dt    float64
	omega float64

	pos float64
	vel float64
}

// New returns a spring for a fixed timestep dt (seconds), stiffness and mass.
// The natural frequency is sqrt(stiffness/mass).
func New(dt, stiffness, mass float64, name string) (*Spring, error) {
	if dt <= 0 {
		return nil, fmt.Errorf("spring %s: dt must be > 0", name)
	}
	if stiffness <= 0 || mass <= 0 {
		return nil, fmt.Errorf("spring %s: stiffness and mass must be > 0", name)
	}
	return &Spring{name: name, dt: dt, omega: math.Sqrt(stiffness / mass)}, nil
}

// Calculate steps the spring toward target and returns the new position.
func (s *Spring) Calculate(target float64) float64 {
	e := s.pos - target
	decay := math.Exp(-s.omega * s.dt)
	tmp := (s.vel + s.omega*e) * s.dt
	s.vel = (s.vel - s.omega*tmp) * decay
	s.pos = target + (e+tmp)*decay
	return s.pos
}

// Position is the last output.
func (s *Spring) Position() float64 { return s.pos }

// Reset returns the spring to rest at zero.
func (s *Spring) Reset() {
	s.pos = 0
	s.vel = 0
}

func (s *Spring) String() string { return s.name }
