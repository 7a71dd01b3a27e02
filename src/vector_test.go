package spatialengine

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func randomUnitVector(t *rapid.T, label string) r3.Vector {
	az := rapid.Float64Range(-math.Pi, math.Pi).Draw(t, label+"_az")
	el := rapid.Float64Range(-math.Pi/2, math.Pi/2).Draw(t, label+"_el")
	return fromAzimuthElevation(az, el)
}

func Test_Slerp_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := randomUnitVector(t, "a")
		b := randomUnitVector(t, "b")

		assert.InDelta(t, 0, a.Sub(Slerp(a, b, 0)).Norm(), 1e-5)
		assert.InDelta(t, 0, b.Sub(Slerp(a, b, 1)).Norm(), 1e-5)
	})
}

func Test_Slerp_StaysUnitNorm(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := randomUnitVector(t, "a")
		b := randomUnitVector(t, "b")
		u := rapid.Float64Range(0, 1).Draw(t, "u")

		got := Slerp(a, b, u)
		assert.InDelta(t, 1, got.Norm(), 1e-5)
	})
}

func Test_Slerp_Antiparallel(t *testing.T) {
	a := r3.Vector{X: 0, Y: 1, Z: 0}
	b := r3.Vector{X: 0, Y: -1, Z: 0}

	mid := Slerp(a, b, 0.5)
	assert.InDelta(t, 1, mid.Norm(), 1e-5)
	assert.InDelta(t, 0, mid.Dot(a), 1e-5, "antiparallel midpoint should be perpendicular to both endpoints")
}

func Test_AzimuthElevation_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := randomUnitVector(t, "v")
		az, el := azimuthElevation(v)
		back := fromAzimuthElevation(az, el)
		assert.InDelta(t, 0, v.Sub(back).Norm(), 1e-5)
	})
}

func Test_DBAPCoordinateSwap(t *testing.T) {
	got := dbapCoordinateSwap(r3.Vector{X: 1, Y: 2, Z: 3}, 2.0)
	assert.Equal(t, r3.Vector{X: 2, Y: 6, Z: -4}, got)
}

func Test_IsDegenerate(t *testing.T) {
	assert.True(t, isDegenerate(r3.Vector{}))
	assert.True(t, isDegenerate(r3.Vector{X: math.NaN()}))
	assert.True(t, isDegenerate(r3.Vector{X: math.Inf(1)}))
	assert.False(t, isDegenerate(r3.Vector{X: 0, Y: 1, Z: 0}))
}
