package mux

import (
	"errors"
	"sync"
	"testing"
)

type op struct {
	addr  uint16
	write bool
	reg   byte
	val   byte
}

// fakeBus records every register operation on every address in order.
type fakeBus struct {
	mu  sync.Mutex
	ops []op

	failSelect bool
}

type fakeDev struct {
	bus  *fakeBus
	addr uint16
}

func (b *fakeBus) Dev(addr uint16) RegIO { return &fakeDev{bus: b, addr: addr} }

func (b *fakeBus) record(o op) {
	b.mu.Lock()
	b.ops = append(b.ops, o)
	b.mu.Unlock()
}

func (d *fakeDev) ReadRegU8(reg byte) (byte, error) {
	d.bus.record(op{addr: d.addr, reg: reg})
	return 0x42, nil
}

func (d *fakeDev) ReadReg(reg byte, dst []byte) error {
	d.bus.record(op{addr: d.addr, reg: reg})
	return nil
}

func (d *fakeDev) WriteReg(reg, value byte) error {
	if d.bus.failSelect && d.addr == DefaultAddress {
		return errors.New("nack")
	}
	d.bus.record(op{addr: d.addr, write: true, reg: reg, val: value})
	return nil
}

func (d *fakeDev) WriteRegs(reg byte, p []byte) error {
	d.bus.record(op{addr: d.addr, write: true, reg: reg, val: byte(len(p))})
	return nil
}

func TestSelectCode_OneBitPerDeviceAndUnique(t *testing.T) {
	want := map[Device]byte{
		Main:       1 << 4,
		ThrusterB:  1 << 3,
		ThrusterC:  1 << 2,
		ThrusterD:  1 << 1,
		ThrusterE:  1 << 0,
		PWMManager: 1 << 5,
	}
	seen := map[byte]Device{}
	for _, d := range Devices {
		code, err := d.SelectCode()
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if code != want[d] {
			t.Fatalf("%s: code=0x%02X want 0x%02X", d, code, want[d])
		}
		if code == 0 || code&(code-1) != 0 {
			t.Fatalf("%s: code=0x%02X is not a single bit", d, code)
		}
		if other, dup := seen[code]; dup {
			t.Fatalf("%s shares code 0x%02X with %s", d, code, other)
		}
		seen[code] = d
	}
}

func TestSelectDevice_WritesMaskToSwitch(t *testing.T) {
	bus := &fakeBus{}
	m, err := New(bus, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, d := range Devices {
		bus.ops = nil
		if err := m.SelectDevice(d); err != nil {
			t.Fatalf("SelectDevice(%s): %v", d, err)
		}
		code, _ := d.SelectCode()
		if len(bus.ops) != 1 {
			t.Fatalf("%s: ops=%d want 1", d, len(bus.ops))
		}
		got := bus.ops[0]
		if got.addr != DefaultAddress || !got.write || got.reg != regSelect || got.val != code {
			t.Fatalf("%s: op=%+v", d, got)
		}
	}
}

func TestSelectDevice_Unknown(t *testing.T) {
	m, _ := New(&fakeBus{}, 0)
	if err := m.SelectDevice(Device(42)); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err=%v want ErrUnknownDevice", err)
	}
	if _, err := m.Channel(Device(-1), 0x68); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err=%v want ErrUnknownDevice", err)
	}
}

func TestChannel_ReselectsBeforeEveryOperation(t *testing.T) {
	bus := &fakeBus{}
	m, _ := New(bus, 0)
	b, _ := m.Channel(ThrusterB, 0x68)
	c, _ := m.Channel(ThrusterC, 0x68)

	_, _ = b.ReadRegU8(0x3A)
	_ = c.ReadReg(0x72, make([]byte, 2))
	_ = b.WriteReg(0x6A, 0x04)
	_ = b.WriteRegs(0x6F, []byte{1, 2, 3})

	codeB, _ := ThrusterB.SelectCode()
	codeC, _ := ThrusterC.SelectCode()
	want := []op{
		{addr: DefaultAddress, write: true, reg: regSelect, val: codeB},
		{addr: 0x68, reg: 0x3A},
		{addr: DefaultAddress, write: true, reg: regSelect, val: codeC},
		{addr: 0x68, reg: 0x72},
		{addr: DefaultAddress, write: true, reg: regSelect, val: codeB},
		{addr: 0x68, write: true, reg: 0x6A, val: 0x04},
		{addr: DefaultAddress, write: true, reg: regSelect, val: codeB},
		{addr: 0x68, write: true, reg: 0x6F, val: 3},
	}
	if len(bus.ops) != len(want) {
		t.Fatalf("ops=%+v", bus.ops)
	}
	for i := range want {
		if bus.ops[i] != want[i] {
			t.Fatalf("op[%d]=%+v want %+v", i, bus.ops[i], want[i])
		}
	}
}

func TestChannel_ConcurrentPairsNeverInterleave(t *testing.T) {
	bus := &fakeBus{}
	m, _ := New(bus, 0)

	var wg sync.WaitGroup
	for _, d := range Sensors {
		ch, err := m.Channel(d, 0x68)
		if err != nil {
			t.Fatalf("Channel: %v", err)
		}
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = ch.ReadRegU8(byte(ch.Device()))
			}
		}(ch)
	}
	wg.Wait()

	// Every device read must directly follow the select for that device.
	for i := 0; i < len(bus.ops); i += 2 {
		sel, rd := bus.ops[i], bus.ops[i+1]
		if sel.addr != DefaultAddress {
			t.Fatalf("op[%d]=%+v want select", i, sel)
		}
		code, _ := Device(rd.reg).SelectCode()
		if sel.val != code {
			t.Fatalf("op[%d] select=0x%02X but read for %s", i, sel.val, Device(rd.reg))
		}
	}
}

func TestChannel_SelectFailureSkipsTransfer(t *testing.T) {
	bus := &fakeBus{failSelect: true}
	m, _ := New(bus, 0)
	ch, _ := m.Channel(Main, 0x68)
	if _, err := ch.ReadRegU8(0x75); err == nil {
		t.Fatalf("expected error")
	}
	if len(bus.ops) != 0 {
		t.Fatalf("ops=%+v want none", bus.ops)
	}
}

func TestParseDevice(t *testing.T) {
	for _, d := range Devices {
		got, err := ParseDevice(d.String())
		if err != nil || got != d {
			t.Fatalf("ParseDevice(%q)=%v,%v", d.String(), got, err)
		}
	}
	if _, err := ParseDevice("thruster_z"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err=%v", err)
	}
}
