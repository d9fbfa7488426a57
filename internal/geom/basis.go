package geom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNotInvertible is returned by Inverse when the basis determinant is zero
// (or close enough to zero that 1/det is meaningless).
var ErrNotInvertible = errors.New("geom: basis is not invertible")

// ErrDegenerate is returned by Normalize when the X and Y axes are parallel
// or zero, so no orthogonal frame can be derived from them.
var ErrDegenerate = errors.New("geom: basis is degenerate")

// detEpsilon is the smallest |det| accepted by Inverse.
const detEpsilon = 1e-12

// Basis is a three-axis frame stored as row vectors X, Y and Z.
//
// Rotations are applied per axis by multiplying each axis component-wise
// against the matching row of the axis rotation matrix. That only composes
// correctly when the axes are in "diagonal" form (each axis holds one scalar
// broadcast across its components), so a rotated basis is readjusted into
// that form before every further axis rotation.
//
// The zero value is an all-zero unrotated basis. Not safe for concurrent use.
type Basis struct {
	X, Y, Z r3.Vec

	rotated bool
	initial r3.Vec
}

// FromAxis builds a basis whose axes broadcast the components of v:
// X=(v.X,v.X,v.X), Y=(v.Y,v.Y,v.Y), Z=(v.Z,v.Z,v.Z).
func FromAxis(v r3.Vec) Basis {
	return Basis{
		X:       r3.Vec{X: v.X, Y: v.X, Z: v.X},
		Y:       r3.Vec{X: v.Y, Y: v.Y, Z: v.Y},
		Z:       r3.Vec{X: v.Z, Y: v.Z, Z: v.Z},
		initial: v,
	}
}

// FromAxes builds a basis from three explicit axis vectors.
func FromAxes(x, y, z r3.Vec) Basis {
	return Basis{X: x, Y: y, Z: z, initial: columnSum(x, y, z)}
}

// Rotated reports whether any non-zero rotation has been applied.
func (b *Basis) Rotated() bool { return b.rotated }

// ConvertToVector collapses the basis into a single vector.
// Until the first rotation this is the construction vector, verbatim.
func (b *Basis) ConvertToVector() r3.Vec {
	if !b.rotated {
		return b.initial
	}
	return columnSum(b.X, b.Y, b.Z)
}

// Rotate applies Euler angles in degrees: X first, then Y, then Z.
// Zero components are skipped. The order is fixed regardless of which
// components are set.
func (b *Basis) Rotate(eulerDeg r3.Vec) {
	if eulerDeg.X != 0 {
		b.readjustIfRotated()
		b.rotateX(eulerDeg.X)
		b.rotated = true
	}
	if eulerDeg.Y != 0 {
		b.readjustIfRotated()
		b.rotateY(eulerDeg.Y)
		b.rotated = true
	}
	if eulerDeg.Z != 0 {
		b.readjustIfRotated()
		b.rotateZ(eulerDeg.Z)
		b.rotated = true
	}
}

// readjustIfRotated collapses a rotated basis back to diagonal form.
// An unrotated FromAxis basis is already diagonal; summing it would
// triple-count the construction vector.
func (b *Basis) readjustIfRotated() {
	if !b.rotated {
		return
	}
	s := columnSum(b.X, b.Y, b.Z)
	b.X = r3.Vec{X: s.X, Y: s.X, Z: s.X}
	b.Y = r3.Vec{X: s.Y, Y: s.Y, Z: s.Y}
	b.Z = r3.Vec{X: s.Z, Y: s.Z, Z: s.Z}
}

func (b *Basis) rotateX(deg float64) {
	c, s := cosSin(deg)
	b.X = mulElem(r3.Vec{X: 1, Y: 0, Z: 0}, b.X)
	b.Y = mulElem(r3.Vec{X: 0, Y: c, Z: -s}, b.Y)
	b.Z = mulElem(r3.Vec{X: 0, Y: s, Z: c}, b.Z)
}

func (b *Basis) rotateY(deg float64) {
	c, s := cosSin(deg)
	b.X = mulElem(r3.Vec{X: c, Y: 0, Z: s}, b.X)
	b.Y = mulElem(r3.Vec{X: 0, Y: 1, Z: 0}, b.Y)
	b.Z = mulElem(r3.Vec{X: -s, Y: 0, Z: c}, b.Z)
}

func (b *Basis) rotateZ(deg float64) {
	c, s := cosSin(deg)
	b.X = mulElem(r3.Vec{X: c, Y: -s, Z: 0}, b.X)
	b.Y = mulElem(r3.Vec{X: s, Y: c, Z: 0}, b.Y)
	b.Z = mulElem(r3.Vec{X: 0, Y: 0, Z: 1}, b.Z)
}

// Scale multiplies every axis component by s.
func (b *Basis) Scale(s float64) {
	b.X = r3.Scale(s, b.X)
	b.Y = r3.Scale(s, b.Y)
	b.Z = r3.Scale(s, b.Z)
}

// MultiplyBasis combines o into b axis by axis, component-wise.
func (b *Basis) MultiplyBasis(o Basis) {
	b.X = mulElem(b.X, o.X)
	b.Y = mulElem(b.Y, o.Y)
	b.Z = mulElem(b.Z, o.Z)
}

// Normalize re-orthogonalizes the basis: Z = X×Y, Y = Z×X, then every axis
// is scaled to unit length. X keeps its direction.
func (b *Basis) Normalize() error {
	vz := r3.Cross(b.X, b.Y)
	if r3.Norm(b.X) == 0 || r3.Norm(vz) < detEpsilon {
		return ErrDegenerate
	}
	vy := r3.Cross(vz, b.X)
	b.X = r3.Unit(b.X)
	b.Y = r3.Unit(vy)
	b.Z = r3.Unit(vz)
	return nil
}

// Transpose swaps rows and columns.
func (b *Basis) Transpose() {
	x, y, z := b.X, b.Y, b.Z
	b.X = r3.Vec{X: x.X, Y: y.X, Z: z.X}
	b.Y = r3.Vec{X: x.Y, Y: y.Y, Z: z.Y}
	b.Z = r3.Vec{X: x.Z, Y: y.Z, Z: z.Z}
}

// Inverse replaces b with its inverse: the adjugate (built from pairwise
// cross products of the original axes), transposed, scaled by 1/det.
// b is left untouched when the determinant is (near) zero.
func (b *Basis) Inverse() error {
	det := b.Determinant()
	if math.Abs(det) < detEpsilon || math.IsNaN(det) {
		return fmt.Errorf("%w (det=%g)", ErrNotInvertible, det)
	}
	x, y, z := b.X, b.Y, b.Z
	b.X = r3.Cross(y, z)
	b.Y = r3.Cross(z, x)
	b.Z = r3.Cross(x, y)
	b.Transpose()
	b.Scale(1 / det)
	return nil
}

// Determinant of the 3x3 matrix whose rows are X, Y and Z.
func (b *Basis) Determinant() float64 {
	return r3.Dot(b.X, r3.Cross(b.Y, b.Z))
}

// Equals compares every component exactly. Use ApproxEqual when rounding
// matters.
func (b *Basis) Equals(o Basis) bool {
	return b.X == o.X && b.Y == o.Y && b.Z == o.Z
}

// ApproxEqual compares every component within tol.
func (b *Basis) ApproxEqual(o Basis, tol float64) bool {
	return vecClose(b.X, o.X, tol) && vecClose(b.Y, o.Y, tol) && vecClose(b.Z, o.Z, tol)
}

// Matrix returns the basis as a 3x3 row-major gonum matrix.
func (b *Basis) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		b.X.X, b.X.Y, b.X.Z,
		b.Y.X, b.Y.Y, b.Y.Z,
		b.Z.X, b.Z.Y, b.Z.Z,
	})
}

func (b Basis) String() string {
	return fmt.Sprintf("[%v %v %v]\n[%v %v %v]\n[%v %v %v]",
		b.X.X, b.X.Y, b.X.Z,
		b.Y.X, b.Y.Y, b.Y.Z,
		b.Z.X, b.Z.Y, b.Z.Z)
}

// RotateVector rotates v by Euler angles in degrees (X, then Y, then Z).
// All-zero angles return v unchanged.
func RotateVector(eulerDeg, v r3.Vec) r3.Vec {
	if eulerDeg.X == 0 && eulerDeg.Y == 0 && eulerDeg.Z == 0 {
		return v
	}
	b := FromAxis(v)
	b.Rotate(eulerDeg)
	return b.ConvertToVector()
}

func columnSum(x, y, z r3.Vec) r3.Vec {
	return r3.Vec{
		X: x.X + y.X + z.X,
		Y: x.Y + y.Y + z.Y,
		Z: x.Z + y.Z + z.Z,
	}
}

func mulElem(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: a.X * b.X, Y: a.Y * b.Y, Z: a.Z * b.Z}
}

func cosSin(deg float64) (c, s float64) {
	rad := deg * math.Pi / 180
	return math.Cos(rad), math.Sin(rad)
}

func vecClose(a, b r3.Vec, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}
