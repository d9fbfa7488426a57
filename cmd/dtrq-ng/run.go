package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/config"
	"dtrq-ng/internal/flight"
	"dtrq-ng/internal/i2c"
	"dtrq-ng/internal/mux"
	"dtrq-ng/internal/sensors/mpu6050"
)

var thrusterDevices = []mux.Device{mux.ThrusterB, mux.ThrusterC, mux.ThrusterD, mux.ThrusterE}

// controlSurface is the part of flight.Controller the control loop drives.
type controlSurface interface {
	GetRotation(ctx context.Context, d mux.Device) (flight.Reading[quat.Number], error)
	GetWorldAcceleration(ctx context.Context, d mux.Device) (flight.Reading[r3.Vec], error)
	ApplyThrustVector(d mux.Device, v r3.Vec) (r3.Vec, error)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "bring up every device and run the control loop",
		Long: `run brings up the multiplexer, the five inertial sensors, the PWM chip and
the thrusters, then polls every sensor once per control tick. Thrusters are
held at zero output. SIGINT or SIGTERM parks the PWM outputs and exits.`,
		Example: `  dtrq-ng run --config=/etc/dtrq-ng/config.yaml --debug`,
		RunE:    runE,
	}
}

func runE(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	debug, _ := cmd.Flags().GetBool("debug")
	if err := setupLogging(debug, cfg.Log.Level); err != nil {
		return err
	}

	fw, err := cfg.ReadFirmware()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, err := i2c.Open(cfg.I2C.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctrl, err := flight.New(ctx, cfg.Flight(fw), flight.Deps{Bus: mux.FromI2C(bus)})
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
	}()

	log.WithFields(log.Fields{
		"bus":    bus.Path(),
		"period": cfg.Control.Period,
	}).Info("dtrq-ng starting")

	controlLoop(ctx, ctrl, cfg.Control.Period)

	log.Info("dtrq-ng stopping")
	return nil
}

// controlLoop ticks until ctx is done.
func controlLoop(ctx context.Context, c controlSurface, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	var st loopState
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st.tick(ctx, c)
		}
	}
}

type loopState struct {
	ticks       uint64
	pwmReported bool
}

// tick reads every sensor and holds every thruster at zero.
func (st *loopState) tick(ctx context.Context, c controlSurface) {
	st.ticks++
	for _, d := range mux.Sensors {
		rot, err := c.GetRotation(ctx, d)
		if err != nil && ctx.Err() == nil {
			logReadErr(d, "rotation", err)
		}
		acc, err := c.GetWorldAcceleration(ctx, d)
		if err != nil && ctx.Err() == nil {
			logReadErr(d, "acceleration", err)
		}
		if rot.Fresh() || acc.Fresh() {
			log.WithFields(log.Fields{
				"device": d.String(),
				"tick":   st.ticks,
				"q":      fmt.Sprintf("%.4f", []float64{rot.Value.Real, rot.Value.Imag, rot.Value.Jmag, rot.Value.Kmag}),
				"accel":  fmt.Sprintf("%.3f", []float64{acc.Value.X, acc.Value.Y, acc.Value.Z}),
			}).Debug("attitude")
		}
	}
	for _, d := range thrusterDevices {
		_, err := c.ApplyThrustVector(d, r3.Vec{})
		switch {
		case err == nil:
		case errors.Is(err, flight.ErrNoActuators):
			if !st.pwmReported {
				log.WithError(err).Warn("thruster outputs not driven")
				st.pwmReported = true
			}
		case errors.Is(err, flight.ErrNoThruster):
		default:
			log.WithField("device", d.String()).WithError(err).Warn("thruster update failed")
		}
	}
}

func logReadErr(d mux.Device, what string, err error) {
	entry := log.WithFields(log.Fields{"device": d.String(), "read": what}).WithError(err)
	if errors.Is(err, mpu6050.ErrStalled) {
		entry.Debug("sensor read stalled")
		return
	}
	entry.Warn("sensor read failed")
}
