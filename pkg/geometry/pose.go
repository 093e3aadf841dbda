// Package geometry converts camera poses between the camera-to-world matrices
// produced by the inference engine and the world-to-camera quaternion and
// translation pairs stored in a COLMAP reconstruction.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// IdentityQuaternion is the rotation reported for a view without extrinsics.
var IdentityQuaternion = quat.Number{Real: 1}

// RotationToQuaternion returns the unit quaternion [w,x,y,z] representing the
// rotation held in the upper-left 3x3 block of r.
//
// The quaternion is the eigenvector of the largest eigenvalue of the symmetric
// 4x4 matrix K built from the nine rotation entries (Markley's method). The
// sign is normalized so that w >= 0. Rotations with repeated eigenvalues are
// ill-posed and resolved by whichever maximal eigenvector the solver returns.
func RotationToQuaternion(r mat.Matrix) quat.Number {
	rxx, ryx, rzx := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	rxy, ryy, rzy := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	rxz, ryz, rzz := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	k := mat.NewSymDense(4, []float64{
		rxx - ryy - rzz, ryx + rxy, rzx + rxz, ryz - rzy,
		ryx + rxy, ryy - rxx - rzz, rzy + ryz, rzx - rxz,
		rzx + rxz, rzy + ryz, rzz - rxx - ryy, rxy - ryx,
		ryz - rzy, rzx - rxz, rxy - ryx, rxx + ryy + rzz,
	})
	k.ScaleSym(1.0/3.0, k)

	var eig mat.EigenSym
	if ok := eig.Factorize(k, true); !ok {
		return IdentityQuaternion
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}

	// eigenvector components are ordered [x, y, z, w]
	q := quat.Number{
		Real: vectors.At(3, best),
		Imag: vectors.At(0, best),
		Jmag: vectors.At(1, best),
		Kmag: vectors.At(2, best),
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return Normalize(q)
}

// Normalize scales q to unit length. A zero quaternion maps to the identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return IdentityQuaternion
	}
	return quat.Scale(1/n, q)
}

// QuaternionToRotation returns the 3x3 rotation matrix of the unit quaternion q.
func QuaternionToRotation(q quat.Number) *mat.Dense {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// InvertRigid converts a camera-to-world transform (R, t) into its
// world-to-camera counterpart (Rᵀ, -Rᵀ·t).
func InvertRigid(c2w mat.Matrix) (*mat.Dense, r3.Vector) {
	rot := mat.DenseCopyOf(c2w).Slice(0, 3, 0, 3)
	t := mat.NewVecDense(3, []float64{c2w.At(0, 3), c2w.At(1, 3), c2w.At(2, 3)})

	var w2c mat.Dense
	w2c.CloneFrom(rot.T())

	var tw mat.VecDense
	tw.MulVec(&w2c, t)
	tw.ScaleVec(-1, &tw)

	return &w2c, r3.Vector{X: tw.AtVec(0), Y: tw.AtVec(1), Z: tw.AtVec(2)}
}

// RigidTransform assembles a 4x4 homogeneous transform from a 3x3 rotation and
// a translation.
func RigidTransform(rot mat.Matrix, t r3.Vector) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rot.At(i, j))
		}
	}
	m.Set(0, 3, t.X)
	m.Set(1, 3, t.Y)
	m.Set(2, 3, t.Z)
	m.Set(3, 3, 1)
	return m
}

// SameRotation reports whether a and b describe the same rotation within tol,
// treating q and -q as equal.
func SameRotation(a, b quat.Number, tol float64) bool {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	return math.Abs(math.Abs(dot)-1) <= tol
}
