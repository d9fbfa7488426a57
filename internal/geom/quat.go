package geom

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Quat builds an orientation from w, x, y, z components.
func Quat(w, x, y, z float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// RotateByQuat rotates v by q (q v q*). q is used as-is; it is not
// renormalized.
func RotateByQuat(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Gravity returns the expected gravity direction in the sensor frame for
// orientation q, in g. Matches the motion processor's reference math.
func Gravity(q quat.Number) r3.Vec {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return r3.Vec{
		X: 2 * (x*z - w*y),
		Y: 2 * (w*x + y*z),
		Z: w*w - x*x - y*y + z*z,
	}
}
