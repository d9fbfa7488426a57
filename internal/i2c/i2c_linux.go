//go:build linux

// Package i2c is the register transport for /dev/i2c-* character devices.
package i2c

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Every register read is one I2C_RDWR ioctl carrying the register pointer
// write and the data read, joined by a repeated start.

const (
	flagRead   = 0x0001
	ioctlRdwr  = 0x0707
	maxAddr7   = 0x7F
	maxBurst   = 32
	maxReadLen = 0xFFFF
)

var (
	// ErrNACK means nothing acknowledged the address, usually an empty
	// multiplexer channel.
	ErrNACK   = errors.New("i2c: no acknowledge")
	ErrClosed = errors.New("i2c: bus closed")
)

// message mirrors struct i2c_msg.
type message struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

// rdwrIoctlData mirrors struct i2c_rdwr_ioctl_data.
type rdwrIoctlData struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is an opened adapter. Transfers are serialized on the bus; the
// multiplexer additionally keeps its select and the following transfer
// together.
type Bus struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens the numbered adapter, e.g. Open(1) for /dev/i2c-1.
func Open(bus int) (*Bus, error) {
	return OpenPath(fmt.Sprintf("/dev/i2c-%d", bus))
}

func OpenPath(path string) (*Bus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2c: open %s: %w", path, err)
	}
	return &Bus{f: f, path: path}, nil
}

func (b *Bus) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Dev returns the register handle for 7-bit address addr.
func (b *Bus) Dev(addr uint16) *Dev {
	if b == nil {
		return nil
	}
	return &Dev{bus: b, addr: addr}
}

func (b *Bus) rdwr(addr uint16, msgs []message) error {
	if len(msgs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return ErrClosed
	}
	data := rdwrIoctlData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), uintptr(ioctlRdwr), uintptr(unsafe.Pointer(&data)))
	runtime.KeepAlive(msgs)
	if errno != 0 {
		return fmt.Errorf("i2c: 0x%02X: %w", addr, classify(errno))
	}
	return nil
}

// classify maps the adapter errnos for a missing device onto ErrNACK.
func classify(errno unix.Errno) error {
	switch errno {
	case unix.ENXIO, unix.EREMOTEIO:
		return fmt.Errorf("%w (%v)", ErrNACK, errno)
	}
	return errno
}

// Dev is one device address on a Bus.
type Dev struct {
	bus  *Bus
	addr uint16
}

func (d *Dev) Addr() uint16 {
	if d == nil {
		return 0
	}
	return d.addr
}

func (d *Dev) check() error {
	if d == nil || d.bus == nil {
		return errors.New("i2c: device is nil")
	}
	if d.addr == 0 || d.addr > maxAddr7 {
		return fmt.Errorf("i2c: invalid addr 0x%X", d.addr)
	}
	return nil
}

func (d *Dev) ReadReg(reg byte, dst []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	if len(dst) > maxReadLen {
		return fmt.Errorf("i2c: read of %d bytes too long", len(dst))
	}
	ptr := []byte{reg}
	err := d.bus.rdwr(d.addr, []message{
		{addr: d.addr, len: 1, buf: uintptr(unsafe.Pointer(&ptr[0]))},
		{addr: d.addr, flags: flagRead, len: uint16(len(dst)), buf: uintptr(unsafe.Pointer(&dst[0]))},
	})
	runtime.KeepAlive(ptr)
	runtime.KeepAlive(dst)
	return err
}

func (d *Dev) ReadRegU8(reg byte) (byte, error) {
	var b [1]byte
	if err := d.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dev) WriteReg(reg, value byte) error {
	return d.WriteRegs(reg, []byte{value})
}

// WriteRegs writes p starting at reg in one transfer; auto-incrementing
// devices store it at consecutive registers.
func (d *Dev) WriteRegs(reg byte, p []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	if len(p) > maxBurst {
		return fmt.Errorf("i2c: burst of %d bytes exceeds %d", len(p), maxBurst)
	}
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, reg)
	buf = append(buf, p...)
	err := d.bus.rdwr(d.addr, []message{
		{addr: d.addr, len: uint16(len(buf)), buf: uintptr(unsafe.Pointer(&buf[0]))},
	})
	runtime.KeepAlive(buf)
	return err
}
