package spatialengine

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	slerpParallelThreshold      = 0.9995
	slerpAntiparallelThreshold  = -0.9995
	degenerateNormSquaredFloor  = 1e-8
)

// Slerp performs spherical linear interpolation between two unit vectors, per
// §4.2 step 1. u is clamped to [0,1] by the caller. Near-parallel vectors
// fall back to a normalized linear interpolation to avoid the 0/0 the SLERP
// formula produces as sin(theta) -> 0; near-antiparallel vectors (no unique
// great-circle arc) rotate around an arbitrary perpendicular axis by pi*u.
func Slerp(a, b r3.Vector, u float64) r3.Vector {
	dot := a.Dot(b)
	dot = math.Max(-1, math.Min(1, dot))

	switch {
	case dot > slerpParallelThreshold:
		return a.Add(b.Sub(a).Mul(u)).Normalize()
	case dot < slerpAntiparallelThreshold:
		axis := perpendicular(a)
		return rotateAroundAxis(a, axis, math.Pi*u)
	default:
		theta := math.Acos(dot)
		sinTheta := math.Sin(theta)
		wa := math.Sin((1-u)*theta) / sinTheta
		wb := math.Sin(u*theta) / sinTheta
		return a.Mul(wa).Add(b.Mul(wb))
	}
}

// perpendicular returns an arbitrary unit vector perpendicular to v, used as
// the rotation axis for the antiparallel SLERP fallback.
func perpendicular(v r3.Vector) r3.Vector {
	candidate := r3.Vector{X: 1, Y: 0, Z: 0}
	if math.Abs(v.Dot(candidate)) > 0.9 {
		candidate = r3.Vector{X: 0, Y: 1, Z: 0}
	}
	return v.Cross(candidate).Normalize()
}

// rotateAroundAxis rotates v by angle radians around unit axis, via
// Rodrigues' rotation formula.
func rotateAroundAxis(v, axis r3.Vector, angle float64) r3.Vector {
	cosA := math.Cos(angle)
	sinA := math.Sin(angle)
	return v.Mul(cosA).
		Add(axis.Cross(v).Mul(sinA)).
		Add(axis.Mul(axis.Dot(v) * (1 - cosA)))
}

// isDegenerate reports whether v is unusable as a direction: non-finite, or
// too close to zero magnitude to normalize reliably (§4.2 step 2).
func isDegenerate(v r3.Vector) bool {
	if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z) {
		return true
	}
	if math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) || math.IsInf(v.Z, 0) {
		return true
	}
	return v.Norm2() < degenerateNormSquaredFloor
}

// azimuthElevation converts a unit direction to (azimuth, elevation) using
// the engine's convention: az = atan2(x, y), el = asin(clamp(z, -1, 1)).
func azimuthElevation(v r3.Vector) (az, el float64) {
	az = math.Atan2(v.X, v.Y)
	el = math.Asin(math.Max(-1, math.Min(1, v.Z)))
	return az, el
}

// fromAzimuthElevation rebuilds a unit vector from (azimuth, elevation)
// using the inverse of azimuthElevation.
func fromAzimuthElevation(az, el float64) r3.Vector {
	cosEl := math.Cos(el)
	return r3.Vector{
		X: math.Sin(az) * cosEl,
		Y: math.Cos(az) * cosEl,
		Z: math.Sin(el),
	}
}

// dbapCoordinateSwap applies the pre-compensating axis swap the DBAP panner
// expects, scaled to the layout radius (§4.2 step 4). This is part of the
// public contract between Pose and Spatializer and must not be altered by
// callers using a differently-conventioned DBAP implementation.
func dbapCoordinateSwap(v r3.Vector, radius float64) r3.Vector {
	return r3.Vector{X: v.X, Y: v.Z, Z: -v.Y}.Mul(radius)
}
