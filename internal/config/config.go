package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"dtrq-ng/internal/mux"
	"dtrq-ng/internal/pca9685"
	"dtrq-ng/internal/sensors/mpu6050"
)

type Config struct {
	I2C       I2CConfig                 `yaml:"i2c"`
	Sensors   map[string]SensorConfig   `yaml:"sensors"`
	DMP       DMPConfig                 `yaml:"dmp"`
	PWM       PWMConfig                 `yaml:"pwm"`
	Airframe  AirframeConfig            `yaml:"airframe"`
	Thrusters map[string]ThrusterConfig `yaml:"thrusters"`
	Control   ControlConfig             `yaml:"control"`
	Log       LogConfig                 `yaml:"log"`
}

type I2CConfig struct {
	Bus        int    `yaml:"bus"`
	MuxAddress uint16 `yaml:"mux_address"`
}

type SensorConfig struct {
	Model       mpu6050.Model        `yaml:"model"`
	Address     uint16               `yaml:"address"`
	Calibration *mpu6050.Calibration `yaml:"calibration"`
}

type DMPConfig struct {
	// Firmware is the path of the motion processor program image.
	Firmware     string        `yaml:"firmware"`
	FIFOTimeout  time.Duration `yaml:"fifo_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type PWMConfig struct {
	Address     uint16                      `yaml:"address"`
	FrequencyHz int                         `yaml:"frequency_hz"`
	Channels    map[string]pca9685.Channels `yaml:"channels"`
}

// AirframeConfig describes the arm geometry used to place thrusters that
// have no explicit offset.
type AirframeConfig struct {
	ArmLengthM  float64 `yaml:"arm_length_m"`
	ArmAngleDeg float64 `yaml:"arm_angle_deg"`
}

type ThrusterConfig struct {
	// Offset from the airframe center in meters, [x, y, z].
	Offset     []float64 `yaml:"offset"`
	Simulation *bool     `yaml:"simulation"`
	FaultLine  string    `yaml:"fault_line"`
	ActiveLow  bool      `yaml:"active_low"`
}

type ControlConfig struct {
	Period time.Duration `yaml:"period"`
	// Simulation is the default for thrusters that do not set their own.
	Simulation bool `yaml:"simulation"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var thrusterDevices = []mux.Device{mux.ThrusterB, mux.ThrusterC, mux.ThrusterD, mux.ThrusterE}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, decodeError(te)
		}
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.I2C.Bus == 0 {
		cfg.I2C.Bus = 1
	}
	if cfg.I2C.MuxAddress == 0 {
		cfg.I2C.MuxAddress = mux.DefaultAddress
	}

	if cfg.Sensors == nil {
		cfg.Sensors = make(map[string]SensorConfig)
	}
	for _, d := range mux.Sensors {
		sc := cfg.Sensors[d.String()]
		if sc.Model == "" {
			sc.Model = mpu6050.MPU6050
			if d == mux.Main {
				sc.Model = mpu6050.MPU9150
			}
		}
		if sc.Address == 0 {
			sc.Address = mpu6050.DefaultAddress()
		}
		if sc.Calibration == nil {
			c := mpu6050.DefaultCalibration
			sc.Calibration = &c
		}
		cfg.Sensors[d.String()] = sc
	}

	if cfg.DMP.FIFOTimeout <= 0 {
		cfg.DMP.FIFOTimeout = 20 * time.Millisecond
	}
	if cfg.DMP.PollInterval <= 0 {
		cfg.DMP.PollInterval = 500 * time.Microsecond
	}

	if cfg.PWM.Address == 0 {
		cfg.PWM.Address = pca9685.DefaultAddress()
	}
	if cfg.PWM.FrequencyHz == 0 {
		cfg.PWM.FrequencyHz = 200
	}
	if len(cfg.PWM.Channels) == 0 {
		cfg.PWM.Channels = make(map[string]pca9685.Channels)
		for d, c := range pca9685.DefaultChannels() {
			cfg.PWM.Channels[d.String()] = c
		}
	}

	if cfg.Airframe.ArmLengthM == 0 {
		cfg.Airframe.ArmLengthM = 0.3
	}
	if cfg.Airframe.ArmAngleDeg == 0 {
		cfg.Airframe.ArmAngleDeg = 55
	}

	if cfg.Control.Period <= 0 {
		cfg.Control.Period = 50 * time.Millisecond
	}

	if cfg.Thrusters == nil {
		cfg.Thrusters = make(map[string]ThrusterConfig)
	}
	for _, d := range thrusterDevices {
		tc := cfg.Thrusters[d.String()]
		if tc.Offset == nil {
			o := ArmOffset(d, cfg.Airframe.ArmLengthM, cfg.Airframe.ArmAngleDeg)
			tc.Offset = []float64{o.X, o.Y, o.Z}
		}
		if tc.Simulation == nil {
			sim := cfg.Control.Simulation
			tc.Simulation = &sim
		}
		cfg.Thrusters[d.String()] = tc
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (cfg *Config) validate() error {
	for _, name := range sortedKeys(cfg.Sensors) {
		d, err := mux.ParseDevice(name)
		if err != nil || d == mux.PWMManager {
			return fmt.Errorf("sensors.%s is not a sensor channel", name)
		}
		if !cfg.Sensors[name].Model.Valid() {
			return fmt.Errorf("sensors.%s.model must be mpu6050 or mpu9150", name)
		}
	}

	if cfg.DMP.PollInterval > cfg.DMP.FIFOTimeout {
		return fmt.Errorf("dmp.poll_interval must not exceed dmp.fifo_timeout")
	}

	if _, err := pca9685.Prescale(cfg.PWM.FrequencyHz); err != nil {
		return fmt.Errorf("pwm.frequency_hz: %w", err)
	}
	used := make(map[int]string)
	for _, name := range sortedKeys(cfg.PWM.Channels) {
		d, err := mux.ParseDevice(name)
		if err != nil || !isThruster(d) {
			return fmt.Errorf("pwm.channels.%s is not a thruster", name)
		}
		c := cfg.PWM.Channels[name]
		for _, ch := range []int{c.Inner, c.Outer, c.Rotor} {
			if ch < 0 || ch > 15 {
				return fmt.Errorf("pwm.channels.%s: channel %d out of range", name, ch)
			}
			if prev, ok := used[ch]; ok {
				return fmt.Errorf("pwm.channels.%s: channel %d already used by %s", name, ch, prev)
			}
			used[ch] = name
		}
	}

	if cfg.Airframe.ArmLengthM < 0 {
		return fmt.Errorf("airframe.arm_length_m must not be negative")
	}

	for _, name := range sortedKeys(cfg.Thrusters) {
		d, err := mux.ParseDevice(name)
		if err != nil || !isThruster(d) {
			return fmt.Errorf("thrusters.%s is not a thruster", name)
		}
		if len(cfg.Thrusters[name].Offset) != 3 {
			return fmt.Errorf("thrusters.%s.offset must have 3 components", name)
		}
	}

	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", cfg.Log.Level)
	}
	return nil
}

// ReadFirmware loads the motion processor image named by dmp.firmware. Only
// bring-up needs it, so Load does not require the key.
func (cfg Config) ReadFirmware() ([]byte, error) {
	if cfg.DMP.Firmware == "" {
		return nil, fmt.Errorf("dmp.firmware is required")
	}
	b, err := os.ReadFile(cfg.DMP.Firmware)
	if err != nil {
		return nil, fmt.Errorf("dmp firmware: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("dmp firmware: %s is empty", cfg.DMP.Firmware)
	}
	return b, nil
}

// ArmOffset places a thruster at the tip of its arm. Arms lie in the
// horizontal (X, Z) plane at angleDeg either side of the forward (+Z) axis
// for B and C and of the aft axis for D and E.
func ArmOffset(d mux.Device, lengthM, angleDeg float64) r3.Vec {
	s, c := math.Sincos(angleDeg * math.Pi / 180)
	x, z := lengthM*s, lengthM*c
	switch d {
	case mux.ThrusterB:
		return r3.Vec{X: x, Z: z}
	case mux.ThrusterC:
		return r3.Vec{X: -x, Z: z}
	case mux.ThrusterD:
		return r3.Vec{X: -x, Z: -z}
	case mux.ThrusterE:
		return r3.Vec{X: x, Z: -z}
	}
	return r3.Vec{}
}

// decodeError turns a strict decode failure into one readable error,
// dropping the line prefixes.
func decodeError(te *yaml.TypeError) error {
	msgs := make([]string, 0, len(te.Errors))
	unknown := true
	for _, e := range te.Errors {
		if i := strings.Index(e, ": "); i >= 0 && strings.HasPrefix(e, "line ") {
			e = e[i+2:]
		}
		if !strings.Contains(e, " not found in type ") {
			unknown = false
		}
		msgs = append(msgs, e)
	}
	if unknown {
		return fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

func isThruster(d mux.Device) bool {
	for _, t := range thrusterDevices {
		if d == t {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
