//go:build !linux || (!arm && !arm64)

package thruster

import "fmt"

// FaultLine is unavailable off Linux/ARM.
type FaultLine struct{}

func OpenFaultLine(lineName string, activeLow bool) (*FaultLine, error) {
	return nil, fmt.Errorf("thruster: gpio unsupported on this platform")
}

func (f *FaultLine) Faulted() bool { return true }

func (f *FaultLine) Close() error { return nil }
