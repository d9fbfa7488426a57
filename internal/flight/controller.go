// Package flight ties the multiplexed sensors, the thrusters and the PWM
// outputs together behind one controller used by the control loop.
package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/mux"
	"dtrq-ng/internal/pca9685"
	"dtrq-ng/internal/sensors/mpu6050"
	"dtrq-ng/internal/thruster"
)

var sleep = time.Sleep
var now = time.Now

var (
	// ErrNoThruster is returned for devices without an actuated thruster.
	ErrNoThruster = errors.New("flight: device has no thruster")
	// ErrNoActuators is returned when the PWM chip failed to come up. The
	// thruster model is still updated.
	ErrNoActuators = errors.New("flight: pwm unavailable")
	ErrClosed      = errors.New("flight: controller closed")
)

// Sensor is the read side of an inertial sensor with an on-chip motion
// processor.
type Sensor interface {
	ReadOrientation(ctx context.Context) (quat.Number, mpu6050.Status, error)
	ReadWorldAcceleration(ctx context.Context, last quat.Number) (r3.Vec, mpu6050.Status, error)
	DMPEnabled() bool
}

// FaultInput is an ESC fault line that must be released on shutdown.
type FaultInput interface {
	thruster.FaultSignal
	Close() error
}

type SensorConfig struct {
	Model       mpu6050.Model
	Address     uint16
	Calibration mpu6050.Calibration
}

type ThrusterConfig struct {
	thruster.Config
	// FaultLine is the GPIO line name of the ESC fault output. Empty means
	// the ESC has no fault output wired.
	FaultLine string
	ActiveLow bool
}

type Config struct {
	MuxAddress uint16

	// Sensors is keyed by mux device. Devices without an entry get the
	// default model and address.
	Sensors      map[mux.Device]SensorConfig
	Firmware     []byte
	FIFOTimeout  time.Duration
	PollInterval time.Duration

	PWMAddress   uint16
	PWMFrequency int
	Channels     map[mux.Device]pca9685.Channels

	Thrusters map[mux.Device]ThrusterConfig

	// ShutdownPause separates the PWM restart and sleep on Close.
	ShutdownPause time.Duration
}

type Deps struct {
	Bus mux.Bus

	// OpenSensor brings up one sensor. It may return a non-nil Sensor along
	// with an error; the sensor is kept and simply never reports fresh data.
	OpenSensor func(rw mux.RegIO, model mpu6050.Model, opts mpu6050.Options) (Sensor, error)
	OpenFault  func(line string, activeLow bool) (FaultInput, error)
}

func openMPU(rw mux.RegIO, model mpu6050.Model, opts mpu6050.Options) (Sensor, error) {
	d, err := mpu6050.New(rw, model, opts)
	if d == nil {
		return nil, err
	}
	return d, err
}

func openFaultLine(line string, activeLow bool) (FaultInput, error) {
	f, err := thruster.OpenFaultLine(line, activeLow)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DefaultSensor returns the part fitted on each mux channel.
func DefaultSensor(d mux.Device) SensorConfig {
	model := mpu6050.MPU6050
	if d == mux.Main {
		model = mpu6050.MPU9150
	}
	return SensorConfig{Model: model, Address: mpu6050.DefaultAddress(), Calibration: mpu6050.DefaultCalibration}
}

// Reading is a sensor value together with how it was obtained. On Stale or
// Overflow, Value is the last fresh value for the device.
type Reading[T any] struct {
	Value  T
	Status mpu6050.Status
}

func (r Reading[T]) Fresh() bool { return r.Status == mpu6050.Fresh }

type handle struct {
	device mux.Device
	cfg    SensorConfig
	sensor Sensor

	orientation quat.Number
	worldAccel  r3.Vec

	lastFreshAt time.Time
	overflows   uint64
	stalls      uint64
	lastError   string
}

type SensorSnapshot struct {
	Device      string      `json:"device"`
	Model       string      `json:"model"`
	DMPEnabled  bool        `json:"dmp_enabled"`
	Orientation quat.Number `json:"orientation"`
	WorldAccel  r3.Vec      `json:"world_accel_g"`
	LastFreshAt time.Time   `json:"last_fresh_utc,omitempty"`
	Overflows   uint64      `json:"overflows"`
	Stalls      uint64      `json:"stalls"`
	LastError   string      `json:"last_error,omitempty"`
}

type ThrusterSnapshot struct {
	Name     string `json:"name"`
	Offset   r3.Vec `json:"offset_m"`
	Disabled bool   `json:"disabled"`
	// Outputs is (outerAngle, rotorOutput, innerAngle).
	Outputs r3.Vec `json:"outputs"`
	Thrust  r3.Vec `json:"thrust"`
	// Rotation is the gimbal pose the last update started from.
	Rotation r3.Vec `json:"rotation_deg"`
}

type Snapshot struct {
	PWMAvailable bool               `json:"pwm_available"`
	Sensors      []SensorSnapshot   `json:"sensors"`
	Thrusters    []ThrusterSnapshot `json:"thrusters"`
}

// Controller owns the bus multiplexer and every device behind it.
//
// Sensor reads and thruster updates are meant to be driven from a single
// control loop; Snapshot may be called from any goroutine.
type Controller struct {
	cfg Config
	mux *mux.Mux
	act *pca9685.Actuators

	mu       sync.RWMutex
	sensors  map[mux.Device]*handle
	thrState map[mux.Device]ThrusterSnapshot

	thrusters map[mux.Device]*thruster.Thruster
	faults    []FaultInput

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// New brings up every device. Sensor, PWM and fault line failures are
// logged and leave the controller running in a degraded mode; only a
// missing bus or an invalid thruster configuration is fatal.
func New(ctx context.Context, cfg Config, deps Deps) (*Controller, error) {
	if deps.OpenSensor == nil {
		deps.OpenSensor = openMPU
	}
	if deps.OpenFault == nil {
		deps.OpenFault = openFaultLine
	}
	if cfg.ShutdownPause <= 0 {
		cfg.ShutdownPause = 10 * time.Millisecond
	}
	if cfg.PWMAddress == 0 {
		cfg.PWMAddress = pca9685.DefaultAddress()
	}
	if cfg.PWMFrequency == 0 {
		cfg.PWMFrequency = 200
	}

	m, err := mux.New(deps.Bus, cfg.MuxAddress)
	if err != nil {
		return nil, fmt.Errorf("flight: %w", err)
	}
	c := &Controller{
		cfg:       cfg,
		mux:       m,
		sensors:   make(map[mux.Device]*handle),
		thrState:  make(map[mux.Device]ThrusterSnapshot),
		thrusters: make(map[mux.Device]*thruster.Thruster),
	}

	for _, d := range mux.Sensors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.sensors[d] = c.openSensor(d, deps)
	}

	c.openActuators()

	for _, d := range []mux.Device{mux.ThrusterB, mux.ThrusterC, mux.ThrusterD, mux.ThrusterE} {
		tc, ok := cfg.Thrusters[d]
		if !ok {
			continue
		}
		if tc.Name == "" {
			tc.Name = d.String()
		}
		fault := c.openFault(d, tc, deps)
		t, err := thruster.New(tc.Config, fault)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("flight: %w", err)
		}
		c.thrusters[d] = t
		c.thrState[d] = ThrusterSnapshot{Name: t.Name(), Offset: t.Offset()}
	}
	return c, nil
}

func (c *Controller) openSensor(d mux.Device, deps Deps) *handle {
	sc, ok := c.cfg.Sensors[d]
	if !ok {
		sc = DefaultSensor(d)
	}
	if sc.Model == "" {
		sc.Model = DefaultSensor(d).Model
	}
	if sc.Address == 0 {
		sc.Address = mpu6050.DefaultAddress()
	}
	h := &handle{device: d, cfg: sc, orientation: quat.Number{Real: 1}}
	fields := log.Fields{"device": d.String(), "model": string(sc.Model), "addr": fmt.Sprintf("0x%02X", sc.Address)}

	ch, err := c.mux.Channel(d, sc.Address)
	if err != nil {
		h.lastError = err.Error()
		log.WithFields(fields).WithError(err).Warn("sensor channel unavailable")
		return h
	}
	s, err := deps.OpenSensor(ch, sc.Model, mpu6050.Options{
		Firmware:     c.cfg.Firmware,
		Calibration:  sc.Calibration,
		FIFOTimeout:  c.cfg.FIFOTimeout,
		PollInterval: c.cfg.PollInterval,
	})
	h.sensor = s
	if err != nil {
		h.lastError = err.Error()
		log.WithFields(fields).WithError(err).Warn("sensor bring-up failed; readings will stay at defaults")
		return h
	}
	log.WithFields(fields).Info("sensor ready")
	return h
}

func (c *Controller) openActuators() {
	fields := log.Fields{"addr": fmt.Sprintf("0x%02X", c.cfg.PWMAddress), "freq_hz": c.cfg.PWMFrequency}
	ch, err := c.mux.Channel(mux.PWMManager, c.cfg.PWMAddress)
	if err == nil {
		var pwm *pca9685.Device
		if pwm, err = pca9685.New(ch, c.cfg.PWMFrequency); err == nil {
			c.act, err = pca9685.NewActuators(pwm, c.cfg.Channels)
		}
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("pwm bring-up failed; thrusters will not be driven")
		return
	}
	log.WithFields(fields).Info("pwm ready")
}

func (c *Controller) openFault(d mux.Device, tc ThrusterConfig, deps Deps) thruster.FaultSignal {
	if tc.FaultLine == "" {
		return thruster.NoFault
	}
	f, err := deps.OpenFault(tc.FaultLine, tc.ActiveLow)
	if err != nil {
		// An unreadable fault line keeps the thruster disabled.
		log.WithFields(log.Fields{"device": d.String(), "line": tc.FaultLine}).WithError(err).Warn("esc fault line unavailable; thruster disabled")
		return thruster.FaultFunc(func() bool { return true })
	}
	c.faults = append(c.faults, f)
	return f
}

// SelectDevice routes bus traffic to d. Normal reads select their device
// themselves; this is for probing.
func (c *Controller) SelectDevice(d mux.Device) error {
	if c == nil {
		return fmt.Errorf("flight: controller is nil")
	}
	return c.mux.SelectDevice(d)
}

func (c *Controller) handle(d mux.Device) (*handle, error) {
	if c == nil {
		return nil, fmt.Errorf("flight: controller is nil")
	}
	h, ok := c.sensors[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no sensor", mux.ErrUnknownDevice, d)
	}
	return h, nil
}

// GetRotation returns the orientation of d. A fresh packet replaces the
// cached orientation; anything else returns the cached one.
func (c *Controller) GetRotation(ctx context.Context, d mux.Device) (Reading[quat.Number], error) {
	h, err := c.handle(d)
	if err != nil {
		return Reading[quat.Number]{}, err
	}
	if h.sensor == nil {
		return c.cachedRotation(h, mpu6050.Stale), nil
	}
	q, st, err := h.sensor.ReadOrientation(ctx)
	c.record(h, st, err)
	if err == nil && st == mpu6050.Fresh {
		c.mu.Lock()
		h.orientation = q
		h.lastFreshAt = now().UTC()
		c.mu.Unlock()
	}
	return c.cachedRotation(h, st), err
}

// GetWorldAcceleration returns gravity-free acceleration of d in g, in the
// world frame given by the cached orientation.
func (c *Controller) GetWorldAcceleration(ctx context.Context, d mux.Device) (Reading[r3.Vec], error) {
	h, err := c.handle(d)
	if err != nil {
		return Reading[r3.Vec]{}, err
	}
	if h.sensor == nil {
		return c.cachedAccel(h, mpu6050.Stale), nil
	}
	c.mu.RLock()
	last := h.orientation
	c.mu.RUnlock()

	v, st, err := h.sensor.ReadWorldAcceleration(ctx, last)
	c.record(h, st, err)
	if err == nil && st == mpu6050.Fresh {
		c.mu.Lock()
		h.worldAccel = v
		h.lastFreshAt = now().UTC()
		c.mu.Unlock()
	}
	return c.cachedAccel(h, st), err
}

func (c *Controller) cachedRotation(h *handle, st mpu6050.Status) Reading[quat.Number] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Reading[quat.Number]{Value: h.orientation, Status: st}
}

func (c *Controller) cachedAccel(h *handle, st mpu6050.Status) Reading[r3.Vec] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Reading[r3.Vec]{Value: h.worldAccel, Status: st}
}

func (c *Controller) record(h *handle, st mpu6050.Status, err error) {
	fields := log.Fields{"device": h.device.String()}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, mpu6050.ErrStalled):
		h.stalls++
		h.lastError = err.Error()
		log.WithFields(fields).WithError(err).Debug("fifo stalled")
	case err != nil:
		h.lastError = err.Error()
		log.WithFields(fields).WithError(err).Warn("sensor read failed")
	case st == mpu6050.Overflow:
		h.overflows++
		log.WithFields(fields).Debug("fifo overflow; reset")
	}
}

// ApplyThrustVector feeds (innerAngle, rotorOutput, outerAngle) to the
// thruster on d and drives the PWM outputs with what the thruster applied.
func (c *Controller) ApplyThrustVector(d mux.Device, v r3.Vec) (r3.Vec, error) {
	if c == nil {
		return r3.Vec{}, fmt.Errorf("flight: controller is nil")
	}
	t, ok := c.thrusters[d]
	if !ok {
		return r3.Vec{}, fmt.Errorf("%w: %s", ErrNoThruster, d)
	}
	c.mu.RLock()
	closed := c.closed
	wasDisabled := c.thrState[d].Disabled
	c.mu.RUnlock()
	if closed {
		return r3.Vec{}, ErrClosed
	}

	applied := t.SetOutputs(v)
	if t.IsDisabled() != wasDisabled {
		entry := log.WithFields(log.Fields{"device": d.String(), "thruster": t.Name()})
		if t.IsDisabled() {
			entry.Warn("esc fault; thruster disabled")
		} else {
			entry.Info("esc fault cleared; thruster enabled")
		}
	}

	c.mu.Lock()
	c.thrState[d] = ThrusterSnapshot{
		Name:     t.Name(),
		Offset:   t.Offset(),
		Disabled: t.IsDisabled(),
		Outputs:  t.GetOutputs(),
		Thrust:   t.GetThrustVector(),
		Rotation: t.CurrentRotation(),
	}
	c.mu.Unlock()

	if c.act == nil {
		return applied, ErrNoActuators
	}
	if err := c.act.Apply(d, applied.X, applied.Y, applied.Z); err != nil {
		return applied, fmt.Errorf("flight: %s: %w", d, err)
	}
	return applied, nil
}

// Thruster returns the thruster on d, or nil.
func (c *Controller) Thruster(d mux.Device) *thruster.Thruster {
	if c == nil {
		return nil
	}
	return c.thrusters[d]
}

func (c *Controller) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{PWMAvailable: c.act != nil}
	for _, d := range mux.Sensors {
		h := c.sensors[d]
		if h == nil {
			continue
		}
		snap.Sensors = append(snap.Sensors, SensorSnapshot{
			Device:      d.String(),
			Model:       string(h.cfg.Model),
			DMPEnabled:  h.sensor != nil && h.sensor.DMPEnabled(),
			Orientation: h.orientation,
			WorldAccel:  h.worldAccel,
			LastFreshAt: h.lastFreshAt,
			Overflows:   h.overflows,
			Stalls:      h.stalls,
			LastError:   h.lastError,
		})
	}
	for _, d := range []mux.Device{mux.ThrusterB, mux.ThrusterC, mux.ThrusterD, mux.ThrusterE} {
		if ts, ok := c.thrState[d]; ok {
			snap.Thrusters = append(snap.Thrusters, ts)
		}
	}
	return snap
}

// Close parks the PWM outputs (restart, pause, sleep, pause) and releases
// the fault lines. Safe to call more than once.
func (c *Controller) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		var errs []error
		if c.act != nil {
			if err := c.act.Restart(); err != nil {
				errs = append(errs, err)
			}
			sleep(c.cfg.ShutdownPause)
			if err := c.act.Sleep(); err != nil {
				errs = append(errs, err)
			}
			sleep(c.cfg.ShutdownPause)
		}
		for _, f := range c.faults {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		log.Info("flight controller closed")
	})
	return c.closeErr
}
