package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/config"
	"dtrq-ng/internal/flight"
	"dtrq-ng/internal/mux"
	"dtrq-ng/internal/sensors/mpu6050"
)

// fakeBus answers with fixed registers per (select mask, address).
type fakeBus struct {
	selected byte
	regs     map[byte]map[uint16]map[byte]byte
	muxErr   error
}

func (b *fakeBus) Dev(addr uint16) mux.RegIO { return &fakeDev{b: b, addr: addr} }

type fakeDev struct {
	b    *fakeBus
	addr uint16
}

func (d *fakeDev) lookup(reg byte) (byte, error) {
	v, ok := d.b.regs[d.b.selected][d.addr][reg]
	if !ok {
		return 0, errors.New("nack")
	}
	return v, nil
}

func (d *fakeDev) ReadRegU8(reg byte) (byte, error) { return d.lookup(reg) }

func (d *fakeDev) ReadReg(reg byte, dst []byte) error {
	for i := range dst {
		v, err := d.lookup(reg + byte(i))
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (d *fakeDev) WriteReg(reg, value byte) error {
	if d.addr == mux.DefaultAddress {
		if d.b.muxErr != nil {
			return d.b.muxErr
		}
		d.b.selected = value
		return nil
	}
	return errors.New("read only")
}

func (d *fakeDev) WriteRegs(reg byte, p []byte) error { return d.WriteReg(reg, p[0]) }

func loadDefaults(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return cfg
}

func TestProbe_ReportsEachDevice(t *testing.T) {
	code := func(d mux.Device) byte {
		c, _ := d.SelectCode()
		return c
	}
	bus := &fakeBus{regs: map[byte]map[uint16]map[byte]byte{
		code(mux.Main):       {0x68: {0x75: 0x68}},
		code(mux.ThrusterB):  {0x68: {0x75: 0x68}},
		code(mux.ThrusterC):  {0x68: {0x75: 0x00}},
		code(mux.ThrusterE):  {0x68: {0x75: 0x68}},
		code(mux.PWMManager): {0x40: {0x00: 0x11}},
	}}

	var out bytes.Buffer
	if err := probe(&out, bus, loadDefaults(t)); err != nil {
		t.Fatalf("probe: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("lines=%d:\n%s", len(lines), out.String())
	}
	checks := []struct {
		prefix string
		want   string
	}{
		{"main", "ok id=0x34 (mpu9150)"},
		{"thruster_b", "ok id=0x34 (mpu6050)"},
		{"thruster_c", "unexpected id=0x00"},
		{"thruster_d", "error:"},
		{"thruster_e", "ok id=0x34"},
		{"pwm_manager", "ok mode1=0x11"},
	}
	for i, c := range checks {
		if !strings.HasPrefix(lines[i], c.prefix) || !strings.Contains(lines[i], c.want) {
			t.Fatalf("line %d=%q want prefix %q containing %q", i, lines[i], c.prefix, c.want)
		}
	}
}

func TestProbe_MuxFailureIsFatal(t *testing.T) {
	bus := &fakeBus{muxErr: errors.New("nack")}
	var out bytes.Buffer
	if err := probe(&out, bus, loadDefaults(t)); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeSurface struct {
	rotations map[mux.Device]int
	accels    map[mux.Device]int
	applied   map[mux.Device][]r3.Vec
	applyErr  error
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		rotations: make(map[mux.Device]int),
		accels:    make(map[mux.Device]int),
		applied:   make(map[mux.Device][]r3.Vec),
	}
}

func (f *fakeSurface) GetRotation(_ context.Context, d mux.Device) (flight.Reading[quat.Number], error) {
	f.rotations[d]++
	return flight.Reading[quat.Number]{Value: quat.Number{Real: 1}, Status: mpu6050.Fresh}, nil
}

func (f *fakeSurface) GetWorldAcceleration(_ context.Context, d mux.Device) (flight.Reading[r3.Vec], error) {
	f.accels[d]++
	return flight.Reading[r3.Vec]{Status: mpu6050.Stale}, mpu6050.ErrStalled
}

func (f *fakeSurface) ApplyThrustVector(d mux.Device, v r3.Vec) (r3.Vec, error) {
	f.applied[d] = append(f.applied[d], v)
	return v, f.applyErr
}

func TestTick_ReadsEverySensorAndHoldsThrustersAtZero(t *testing.T) {
	f := newFakeSurface()
	f.applyErr = flight.ErrNoActuators
	var st loopState
	st.tick(context.Background(), f)
	st.tick(context.Background(), f)

	for _, d := range mux.Sensors {
		if f.rotations[d] != 2 || f.accels[d] != 2 {
			t.Fatalf("%s: rotations=%d accels=%d", d, f.rotations[d], f.accels[d])
		}
	}
	for _, d := range thrusterDevices {
		if len(f.applied[d]) != 2 || f.applied[d][0] != (r3.Vec{}) {
			t.Fatalf("%s: applied=%v", d, f.applied[d])
		}
	}
	if _, ok := f.applied[mux.Main]; ok {
		t.Fatalf("main has no thruster")
	}
	if !st.pwmReported || st.ticks != 2 {
		t.Fatalf("state=%+v", st)
	}
}

func TestControlLoop_StopsOnCancel(t *testing.T) {
	f := newFakeSurface()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		controlLoop(ctx, f, time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("control loop did not stop")
	}
}

func TestSetupLogging(t *testing.T) {
	old := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(old) })

	if err := setupLogging(true, "error"); err != nil || log.GetLevel() != log.DebugLevel {
		t.Fatalf("debug: err=%v level=%s", err, log.GetLevel())
	}
	if err := setupLogging(false, "warn"); err != nil || log.GetLevel() != log.WarnLevel {
		t.Fatalf("warn: err=%v level=%s", err, log.GetLevel())
	}
	if err := setupLogging(false, ""); err != nil || log.GetLevel() != log.InfoLevel {
		t.Fatalf("default: err=%v level=%s", err, log.GetLevel())
	}
	if err := setupLogging(false, "loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "probe"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.DefValue != defaultConfigPath {
		t.Fatalf("config flag=%v", f)
	}
}

func TestRunCmd_RequiresFirmware(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("i2c:\n  bus: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	root := newRootCmd()
	root.SetArgs([]string{"run", "--config", path})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	if err == nil || err.Error() != "dmp.firmware is required" {
		t.Fatalf("err=%v", err)
	}
}

func TestRunCmd_MissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("err=%v", err)
	}
}
