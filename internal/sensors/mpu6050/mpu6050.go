package mpu6050

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/geom"
)

var sleep = time.Sleep
var now = time.Now

// MPU-6050 / MPU-9150 driver with the on-chip motion processor (DMP).
//
// The DMP runs the MotionApps 2.0 image and streams 42-byte packets into the
// FIFO: quaternion at offset 0, accelerometer at offset 28. The host only
// gates on interrupt status, pulls one packet and decodes it.

const (
	addrDefault = 0x68

	regXGOffsUsrH = 0x13
	regYGOffsUsrH = 0x15
	regZGOffsUsrH = 0x17
	regZAOffsH    = 0x0A

	regSmplrtDiv   = 0x19
	regConfig      = 0x1A
	regGyroConfig  = 0x1B
	regAccelConfig = 0x1C

	regIntEnable = 0x38
	regIntStatus = 0x3A
	intFIFOOflow = 0x10
	intDMP       = 0x02

	regUserCtrl   = 0x6A
	userDMPEn     = 0x80
	userFIFOEn    = 0x40
	userDMPReset  = 0x08
	userFIFOReset = 0x04

	regPwrMgmt1 = 0x6B
	bitReset    = 0x80
	clkPLLXGyro = 0x01

	regBankSel      = 0x6D
	regMemStartAddr = 0x6E
	regMemRW        = 0x6F
	regDMPCfg1      = 0x70
	regDMPCfg2      = 0x71

	regFIFOCountH = 0x72
	regFIFORW     = 0x74

	regWhoAmI = 0x75

	// DeviceID is WHO_AM_I bits 6..1 for both supported parts.
	DeviceID = 0x34

	fsGyro2000dps = 0x18
	fsAccel4g     = 0x08
	dlpf42Hz      = 0x03
	rateDiv200Hz  = 4

	// dmpStartAddr is where MotionApps 2.0 begins execution.
	dmpStartAddr = 0x0400

	memChunk  = 16
	memBankSz = 256

	// FIFOCapacity is the FIFO size; a count equal to it means the FIFO
	// has wrapped and its contents are no longer packet-aligned.
	FIFOCapacity = 1024

	// PacketSize is the MotionApps 2.0 FIFO packet length.
	PacketSize = 42

	// AccelLSBPerG is the accelerometer sensitivity at ±4g full scale.
	AccelLSBPerG = 8192

	quatLSB = 16384.0
)

var (
	ErrIdentity = errors.New("mpu6050: identity mismatch")
	ErrDMPInit  = errors.New("mpu6050: dmp init failed")
	ErrStalled  = errors.New("mpu6050: fifo stalled")
)

// Model selects between the pin-compatible parts sharing this register map.
type Model string

const (
	MPU6050 Model = "mpu6050"
	MPU9150 Model = "mpu9150"
)

func (m Model) Valid() bool { return m == MPU6050 || m == MPU9150 }

// Calibration holds the raw offset register values written at bring-up.
type Calibration struct {
	GyroX  int16 `yaml:"gyro_x"`
	GyroY  int16 `yaml:"gyro_y"`
	GyroZ  int16 `yaml:"gyro_z"`
	AccelZ int16 `yaml:"accel_z"`
}

// DefaultCalibration is applied when a sensor has no explicit calibration.
var DefaultCalibration = Calibration{GyroX: 220, GyroY: 76, GyroZ: -85, AccelZ: 1788}

type Options struct {
	// Firmware is the DMP program image uploaded at bring-up.
	Firmware    []byte
	Calibration Calibration
	// FIFOTimeout bounds the wait for a full packet once the DMP has
	// signalled data ready.
	FIFOTimeout  time.Duration
	PollInterval time.Duration
}

// Status tags the outcome of a FIFO read.
type Status int

const (
	// Stale means no packet this tick; callers fall back to the last value.
	Stale Status = iota
	// Fresh means a packet was decoded.
	Fresh
	// Overflow means the FIFO was reset; callers treat it like Stale.
	Overflow
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Overflow:
		return "overflow"
	default:
		return "stale"
	}
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
	WriteRegs(reg byte, p []byte) error
}

type Device struct {
	dev  regIO
	opts Options

	dmpEnabled bool
	packetSize int
}

func DefaultAddress() uint16 { return addrDefault }

// Probe reads the identity register and returns the decoded device ID.
func Probe(dev regIO) (byte, error) {
	if dev == nil {
		return 0, fmt.Errorf("mpu6050: dev is nil")
	}
	who, err := dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return 0, fmt.Errorf("mpu6050: whoami read failed: %w", err)
	}
	return (who >> 1) & 0x3F, nil
}

// New runs the full bring-up sequence.
//
// Bring-up failures are not fatal to the caller: on ErrIdentity or
// ErrDMPInit the returned Device is still non-nil, with the DMP disabled, so
// every later read reports Stale.
func New(dev regIO, model Model, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("mpu6050: dev is nil")
	}
	if !model.Valid() {
		return nil, fmt.Errorf("mpu6050: unknown model %q", model)
	}
	if opts.FIFOTimeout <= 0 {
		opts.FIFOTimeout = 20 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Microsecond
	}
	d := &Device{dev: dev, opts: opts}

	id, err := Probe(dev)
	if err != nil {
		return d, err
	}
	if id != DeviceID {
		return d, fmt.Errorf("%w: %s id=0x%02X want 0x%02X", ErrIdentity, model, id, DeviceID)
	}

	if err := d.init(); err != nil {
		return d, err
	}

	status, dmpErr := d.initDMP()

	// Offsets go in regardless of DMP status.
	if err := d.applyCalibration(opts.Calibration); err != nil {
		return d, err
	}

	if status != 0 {
		return d, fmt.Errorf("%w: %s status=%d: %v", ErrDMPInit, model, status, dmpErr)
	}
	if err := d.enableDMP(); err != nil {
		return d, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("mpu6050: reset failed: %w", err)
	}
	sleep(30 * time.Millisecond)

	if err := d.dev.WriteReg(regPwrMgmt1, clkPLLXGyro); err != nil {
		return fmt.Errorf("mpu6050: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	steps := []struct {
		reg, val byte
		what     string
	}{
		{regIntEnable, 0x00, "int disable"},
		{regSmplrtDiv, rateDiv200Hz, "sample rate"},
		{regConfig, dlpf42Hz, "dlpf"},
		{regGyroConfig, fsGyro2000dps, "gyro config"},
		{regAccelConfig, fsAccel4g, "accel config"},
	}
	for _, s := range steps {
		if err := d.dev.WriteReg(s.reg, s.val); err != nil {
			return fmt.Errorf("mpu6050: %s failed: %w", s.what, err)
		}
	}
	return nil
}

// initDMP uploads and verifies the firmware image and sets the program start
// address. Status 1 means the memory load failed, 2 means configuration.
func (d *Device) initDMP() (int, error) {
	if len(d.opts.Firmware) == 0 {
		return 1, errors.New("no firmware image")
	}
	if err := d.writeMemory(d.opts.Firmware); err != nil {
		return 1, err
	}
	if err := d.dev.WriteReg(regDMPCfg1, byte(dmpStartAddr>>8)); err != nil {
		return 2, err
	}
	if err := d.dev.WriteReg(regDMPCfg2, byte(dmpStartAddr&0xFF)); err != nil {
		return 2, err
	}
	return 0, nil
}

func (d *Device) writeMemory(img []byte) error {
	verify := make([]byte, memChunk)
	for off := 0; off < len(img); {
		bank := byte(off / memBankSz)
		addr := byte(off % memBankSz)
		n := min(memChunk, len(img)-off, memBankSz-int(addr))
		chunk := img[off : off+n]

		if err := d.setMemPointer(bank, addr); err != nil {
			return err
		}
		if err := d.dev.WriteRegs(regMemRW, chunk); err != nil {
			return fmt.Errorf("write bank %d addr 0x%02X: %w", bank, addr, err)
		}
		if err := d.setMemPointer(bank, addr); err != nil {
			return err
		}
		if err := d.dev.ReadReg(regMemRW, verify[:n]); err != nil {
			return fmt.Errorf("verify bank %d addr 0x%02X: %w", bank, addr, err)
		}
		for i := 0; i < n; i++ {
			if verify[i] != chunk[i] {
				return fmt.Errorf("verify bank %d addr 0x%02X: mismatch at +%d", bank, addr, i)
			}
		}
		off += n
	}
	return nil
}

func (d *Device) setMemPointer(bank, addr byte) error {
	if err := d.dev.WriteReg(regBankSel, bank); err != nil {
		return fmt.Errorf("bank select %d: %w", bank, err)
	}
	if err := d.dev.WriteReg(regMemStartAddr, addr); err != nil {
		return fmt.Errorf("mem addr 0x%02X: %w", addr, err)
	}
	return nil
}

func (d *Device) applyCalibration(c Calibration) error {
	offsets := []struct {
		reg byte
		val int16
	}{
		{regXGOffsUsrH, c.GyroX},
		{regYGOffsUsrH, c.GyroY},
		{regZGOffsUsrH, c.GyroZ},
		{regZAOffsH, c.AccelZ},
	}
	for _, o := range offsets {
		if err := d.dev.WriteRegs(o.reg, []byte{byte(uint16(o.val) >> 8), byte(o.val)}); err != nil {
			return fmt.Errorf("mpu6050: offset 0x%02X failed: %w", o.reg, err)
		}
	}
	return nil
}

func (d *Device) enableDMP() error {
	if err := d.dev.WriteReg(regIntEnable, intFIFOOflow|intDMP); err != nil {
		return fmt.Errorf("mpu6050: int enable failed: %w", err)
	}
	if err := d.dev.WriteReg(regUserCtrl, userFIFOReset|userDMPReset); err != nil {
		return fmt.Errorf("mpu6050: fifo reset failed: %w", err)
	}
	if err := d.dev.WriteReg(regUserCtrl, userDMPEn|userFIFOEn); err != nil {
		return fmt.Errorf("mpu6050: dmp enable failed: %w", err)
	}
	d.dmpEnabled = true
	d.packetSize = PacketSize
	return nil
}

func (d *Device) DMPEnabled() bool { return d != nil && d.dmpEnabled }

func (d *Device) fifoCount() (int, error) {
	var b [2]byte
	if err := d.dev.ReadReg(regFIFOCountH, b[:]); err != nil {
		return 0, fmt.Errorf("mpu6050: fifo count read failed: %w", err)
	}
	return int(b[0])<<8 | int(b[1]), nil
}

// ResetFIFO discards the FIFO contents.
func (d *Device) ResetFIFO() error {
	ctrl, err := d.dev.ReadRegU8(regUserCtrl)
	if err != nil {
		return fmt.Errorf("mpu6050: user ctrl read failed: %w", err)
	}
	if err := d.dev.WriteReg(regUserCtrl, ctrl|userFIFOReset); err != nil {
		return fmt.Errorf("mpu6050: fifo reset failed: %w", err)
	}
	return nil
}

// nextPacket applies the FIFO gating rules in priority order: overflow,
// data ready, otherwise nothing.
func (d *Device) nextPacket(ctx context.Context) ([]byte, Status, error) {
	if d == nil || !d.dmpEnabled {
		return nil, Stale, nil
	}

	status, err := d.dev.ReadRegU8(regIntStatus)
	if err != nil {
		return nil, Stale, fmt.Errorf("mpu6050: int status read failed: %w", err)
	}
	count, err := d.fifoCount()
	if err != nil {
		return nil, Stale, err
	}

	if status&intFIFOOflow != 0 || count == FIFOCapacity {
		if err := d.ResetFIFO(); err != nil {
			return nil, Overflow, err
		}
		return nil, Overflow, nil
	}
	if status&intDMP == 0 {
		return nil, Stale, nil
	}

	deadline := now().Add(d.opts.FIFOTimeout)
	for count < d.packetSize {
		if err := ctx.Err(); err != nil {
			return nil, Stale, err
		}
		if !now().Before(deadline) {
			return nil, Stale, fmt.Errorf("%w: %d/%d bytes after %s", ErrStalled, count, d.packetSize, d.opts.FIFOTimeout)
		}
		sleep(d.opts.PollInterval)
		if count, err = d.fifoCount(); err != nil {
			return nil, Stale, err
		}
	}

	pkt := make([]byte, d.packetSize)
	if err := d.dev.ReadReg(regFIFORW, pkt); err != nil {
		return nil, Stale, fmt.Errorf("mpu6050: fifo read failed: %w", err)
	}
	return pkt, Fresh, nil
}

// ReadOrientation pulls one packet and decodes the DMP quaternion.
// The quaternion is only meaningful when the status is Fresh.
func (d *Device) ReadOrientation(ctx context.Context) (quat.Number, Status, error) {
	pkt, st, err := d.nextPacket(ctx)
	if err != nil || st != Fresh {
		return quat.Number{}, st, err
	}
	return DecodeQuaternion(pkt), Fresh, nil
}

// ReadWorldAcceleration pulls one packet and returns gravity-free
// acceleration in g, rotated into the world frame.
//
// Gravity removal and the world rotation both use last, the most recent
// orientation the caller holds, not one decoded from this packet.
func (d *Device) ReadWorldAcceleration(ctx context.Context, last quat.Number) (r3.Vec, Status, error) {
	pkt, st, err := d.nextPacket(ctx)
	if err != nil || st != Fresh {
		return r3.Vec{}, st, err
	}
	body := LinearAcceleration(DecodeAccel(pkt), last)
	return geom.RotateByQuat(last, body), Fresh, nil
}
