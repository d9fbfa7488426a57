package mpu6050

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/geom"
)

func be16(b []byte, off int) int16 {
	return int16(uint16(b[off])<<8 | uint16(b[off+1]))
}

// DecodeQuaternion reads the DMP quaternion (Q14 high words) from pkt.
func DecodeQuaternion(pkt []byte) quat.Number {
	return geom.Quat(
		float64(be16(pkt, 0))/quatLSB,
		float64(be16(pkt, 4))/quatLSB,
		float64(be16(pkt, 8))/quatLSB,
		float64(be16(pkt, 12))/quatLSB,
	)
}

// DecodeAccel reads the raw accelerometer words from pkt.
func DecodeAccel(pkt []byte) [3]int16 {
	return [3]int16{be16(pkt, 28), be16(pkt, 32), be16(pkt, 36)}
}

// LinearAcceleration removes gravity (estimated from q) from raw, swaps the
// axis order to (X, Z, Y) and scales to g.
//
// The subtraction is done in raw counts and truncated to int16, as the
// motion processor reference code does.
func LinearAcceleration(raw [3]int16, q quat.Number) r3.Vec {
	g := geom.Gravity(q)
	lx := toInt16(float64(raw[0]) - g.X*AccelLSBPerG)
	ly := toInt16(float64(raw[1]) - g.Y*AccelLSBPerG)
	lz := toInt16(float64(raw[2]) - g.Z*AccelLSBPerG)
	return r3.Vec{
		X: float64(lx) / AccelLSBPerG,
		Y: float64(lz) / AccelLSBPerG,
		Z: float64(ly) / AccelLSBPerG,
	}
}

// toInt16 truncates toward zero and saturates at the int16 range.
func toInt16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
