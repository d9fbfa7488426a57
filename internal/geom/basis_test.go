package geom

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-9

func randomBasis(rng *rand.Rand) Basis {
	v := func() r3.Vec {
		return r3.Vec{X: rng.Float64()*4 - 2, Y: rng.Float64()*4 - 2, Z: rng.Float64()*4 - 2}
	}
	return FromAxes(v(), v(), v())
}

func TestRotateVector_ZeroAnglesIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		v := r3.Vec{X: rng.NormFloat64() * 100, Y: rng.NormFloat64() * 100, Z: rng.NormFloat64() * 100}
		assert.Equal(t, v, RotateVector(r3.Vec{}, v))
	}
}

func TestConvertToVector_UnrotatedReturnsConstructionVector(t *testing.T) {
	v := r3.Vec{X: 1.5, Y: -2, Z: 7}
	b := FromAxis(v)
	require.False(t, b.Rotated())
	assert.Equal(t, v, b.ConvertToVector())

	// A zero rotation must not flip the flag.
	b.Rotate(r3.Vec{})
	assert.False(t, b.Rotated())
	assert.Equal(t, v, b.ConvertToVector())
}

func TestRotate_SequentialCallsMatchSingleCall(t *testing.T) {
	a := FromAxis(r3.Vec{X: 1})
	a.Rotate(r3.Vec{X: 90})
	a.Rotate(r3.Vec{Y: 90})

	b := FromAxis(r3.Vec{X: 1})
	b.Rotate(r3.Vec{X: 90, Y: 90})

	assert.True(t, a.ApproxEqual(b, tol), "a=\n%v\nb=\n%v", a, b)

	c := FromAxis(r3.Vec{X: 0.3, Y: -1.2, Z: 2})
	c.Rotate(r3.Vec{X: 30})
	c.Rotate(r3.Vec{Y: -45})
	c.Rotate(r3.Vec{Z: 120})

	d := FromAxis(r3.Vec{X: 0.3, Y: -1.2, Z: 2})
	d.Rotate(r3.Vec{X: 30, Y: -45, Z: 120})
	assert.True(t, c.ApproxEqual(d, tol))
}

func TestRotateVector_PreservesLength(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		v := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		e := r3.Vec{X: rng.Float64()*360 - 180, Y: rng.Float64()*360 - 180, Z: rng.Float64()*360 - 180}
		got := RotateVector(e, v)
		assert.InDelta(t, r3.Norm(v), r3.Norm(got), tol)
	}
}

func TestRotateVector_QuarterTurns(t *testing.T) {
	// Each axis step multiplies against the rows of the axis matrix, so a
	// positive X rotation carries +Y toward -Z.
	got := RotateVector(r3.Vec{X: 90}, r3.Vec{Y: 1})
	assert.InDelta(t, 0, got.X, tol)
	assert.InDelta(t, 0, got.Y, tol)
	assert.InDelta(t, -1, got.Z, tol)

	got = RotateVector(r3.Vec{Z: 90}, r3.Vec{X: 1})
	assert.InDelta(t, 0, got.X, tol)
	assert.InDelta(t, -1, got.Y, tol)
	assert.InDelta(t, 0, got.Z, tol)
}

func TestNormalize_YieldsOrthonormalAxes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		b := randomBasis(rng)
		if err := b.Normalize(); errors.Is(err, ErrDegenerate) {
			continue
		}
		assert.InDelta(t, 1, r3.Norm(b.X), tol)
		assert.InDelta(t, 1, r3.Norm(b.Y), tol)
		assert.InDelta(t, 1, r3.Norm(b.Z), tol)
		assert.InDelta(t, 0, r3.Dot(b.X, b.Y), tol)
		assert.InDelta(t, 0, r3.Dot(b.Y, b.Z), tol)
		assert.InDelta(t, 0, r3.Dot(b.X, b.Z), tol)

		det := b.Determinant()
		assert.InDelta(t, 1, math.Abs(det), tol)
	}
}

func TestNormalize_DegenerateErrors(t *testing.T) {
	b := FromAxis(r3.Vec{X: 1, Y: 2, Z: 3})
	require.ErrorIs(t, b.Normalize(), ErrDegenerate)
}

func TestDeterminant_MatchesGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 50; i++ {
		b := randomBasis(rng)
		assert.InDelta(t, mat.Det(b.Matrix()), b.Determinant(), 1e-9)
	}
}

func TestInverse_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 100; i++ {
		m := randomBasis(rng)
		if math.Abs(m.Determinant()) < 1e-3 {
			continue
		}
		inv := m
		require.NoError(t, inv.Inverse())

		// Cross-check against gonum.
		var want mat.Dense
		require.NoError(t, want.Inverse(m.Matrix()))
		assert.True(t, mat.EqualApprox(&want, inv.Matrix(), 1e-6))

		back := inv
		require.NoError(t, back.Inverse())
		assert.True(t, m.ApproxEqual(back, 1e-6), "m=\n%v\nback=\n%v", m, back)
	}
}

func TestInverse_DegenerateIsExplicit(t *testing.T) {
	b := FromAxes(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 2, Y: 4, Z: 6}, r3.Vec{Z: 1})
	before := b
	err := b.Inverse()
	require.ErrorIs(t, err, ErrNotInvertible)
	assert.True(t, b.Equals(before))
}

func TestTranspose_Twice(t *testing.T) {
	b := FromAxes(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 4, Y: 5, Z: 6}, r3.Vec{X: 7, Y: 8, Z: 9})
	orig := b
	b.Transpose()
	assert.Equal(t, r3.Vec{X: 1, Y: 4, Z: 7}, b.X)
	assert.Equal(t, r3.Vec{X: 3, Y: 6, Z: 9}, b.Z)
	b.Transpose()
	assert.True(t, b.Equals(orig))
}

func TestScaleAndMultiplyBasis(t *testing.T) {
	b := FromAxes(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 4, Y: 5, Z: 6}, r3.Vec{X: 7, Y: 8, Z: 9})
	b.Scale(2)
	assert.Equal(t, r3.Vec{X: 2, Y: 4, Z: 6}, b.X)

	b.MultiplyBasis(FromAxes(r3.Vec{X: 1, Y: 0, Z: 1}, r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{}))
	assert.Equal(t, r3.Vec{X: 2, Y: 0, Z: 6}, b.X)
	assert.Equal(t, r3.Vec{X: 16, Y: 20, Z: 24}, b.Y)
	assert.Equal(t, r3.Vec{}, b.Z)
}

func TestEquals_IsExact(t *testing.T) {
	a := FromAxes(r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{Z: 1})
	b := FromAxes(r3.Vec{X: 1 + 1e-15}, r3.Vec{Y: 1}, r3.Vec{Z: 1})
	assert.False(t, a.Equals(b))
	assert.True(t, a.ApproxEqual(b, 1e-12))
}
