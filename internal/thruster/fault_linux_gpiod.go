//go:build linux && (arm || arm64)

package thruster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// OpenFaultLine requests the named GPIO line (e.g. "GPIO17") as an input
// through the Linux GPIO character device. The speed controller drives it
// when it detects a fault; activeLow inverts the sense.
func OpenFaultLine(lineName string, activeLow bool) (*FaultLine, error) {
	if lineName == "" {
		return nil, fmt.Errorf("thruster: fault line name is empty")
	}

	// Header GPIOs are usually on gpiochip0; Pi 5 kernels may expose them on
	// gpiochip4. Fall back to every chip present.
	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithConsumer("dtrq-ng-esc")}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &FaultLine{name: lineName, chip: chip, line: line}, nil
	}

	return nil, fmt.Errorf("thruster: gpio line %q not found (or busy)", lineName)
}

// FaultLine is a speed controller fault input.
type FaultLine struct {
	name string
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// Faulted reads the line. A read error counts as a fault.
func (f *FaultLine) Faulted() bool {
	if f == nil || f.line == nil {
		return true
	}
	v, err := f.line.Value()
	if err != nil {
		return true
	}
	return v != 0
}

func (f *FaultLine) Close() error {
	if f == nil || f.line == nil {
		return nil
	}
	err := f.line.Close()
	f.line = nil
	if f.chip != nil {
		_ = f.chip.Close()
		f.chip = nil
	}
	return err
}
