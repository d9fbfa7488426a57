package config

import (
	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/flight"
	"dtrq-ng/internal/mux"
	"dtrq-ng/internal/pca9685"
	"dtrq-ng/internal/thruster"
)

// Flight converts a loaded config into the controller's form. firmware is
// the already-read DMP image from DMP.Firmware.
func (cfg Config) Flight(firmware []byte) flight.Config {
	out := flight.Config{
		MuxAddress:   cfg.I2C.MuxAddress,
		Sensors:      make(map[mux.Device]flight.SensorConfig),
		Firmware:     firmware,
		FIFOTimeout:  cfg.DMP.FIFOTimeout,
		PollInterval: cfg.DMP.PollInterval,
		PWMAddress:   cfg.PWM.Address,
		PWMFrequency: cfg.PWM.FrequencyHz,
		Channels:     make(map[mux.Device]pca9685.Channels),
		Thrusters:    make(map[mux.Device]flight.ThrusterConfig),
	}
	for name, sc := range cfg.Sensors {
		d, err := mux.ParseDevice(name)
		if err != nil {
			continue
		}
		fs := flight.SensorConfig{Model: sc.Model, Address: sc.Address}
		if sc.Calibration != nil {
			fs.Calibration = *sc.Calibration
		}
		out.Sensors[d] = fs
	}
	for name, c := range cfg.PWM.Channels {
		if d, err := mux.ParseDevice(name); err == nil {
			out.Channels[d] = c
		}
	}
	for name, tc := range cfg.Thrusters {
		d, err := mux.ParseDevice(name)
		if err != nil || len(tc.Offset) != 3 {
			continue
		}
		sim := tc.Simulation != nil && *tc.Simulation
		out.Thrusters[d] = flight.ThrusterConfig{
			Config: thruster.Config{
				Name:       d.String(),
				Offset:     r3.Vec{X: tc.Offset[0], Y: tc.Offset[1], Z: tc.Offset[2]},
				Simulation: sim,
				Period:     cfg.Control.Period,
			},
			FaultLine: tc.FaultLine,
			ActiveLow: tc.ActiveLow,
		}
	}
	return out
}
