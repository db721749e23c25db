package dem

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// quatIdentity is the no-rotation quaternion.
func quatIdentity() quat.Number { return quat.Number{Real: 1} }

// quatZero is the zero value, used to detect unset orientations.
func quatZero() quat.Number { return quat.Number{} }

// rotateVec rotates v by the unit quaternion q (q v q*).
func rotateVec(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// rotateVecInv rotates v by the inverse of the unit quaternion q, taking a
// world-frame vector into the owner-local frame.
func rotateVecInv(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(quat.Conj(q), p), q)
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// quatNormalize rescales q to unit norm; identity when the norm degenerates.
func quatNormalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// quatFromAxisAngle builds the rotation quaternion for the given axis
// (unit) and angle.
func quatFromAxisAngle(axis r3.Vec, angle float64) quat.Number {
	half := 0.5 * angle
	s := math.Sin(half)
	return quat.Number{Real: math.Cos(half), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// quatIncrement advances orientation q by the local-frame angular velocity
// w over dt, using the exponential-map form, then renormalizes.
func quatIncrement(q quat.Number, wLocal r3.Vec, dt float64) quat.Number {
	angle := r3.Norm(wLocal) * dt
	if angle == 0 {
		return q
	}
	axis := r3.Unit(wLocal)
	dq := quatFromAxisAngle(axis, angle)
	return quatNormalize(quat.Mul(q, dq))
}
