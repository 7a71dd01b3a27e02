package spatialengine

import (
	"math"

	"github.com/golang/geo/r3"
)

// dbapBlur keeps a source coincident with a speaker from producing an
// infinite weight.
const dbapBlur = 1e-3

// dbapPanner implements Distance-Based Amplitude Panning: speakers closer to
// the source position receive proportionally more gain, with the focus
// exponent controlling how sharply energy concentrates on the nearest
// speakers (§4.3, Glossary). Speaker positions are pre-converted to DBAP
// space (consecutive 0-based indices) at construction time.
type dbapPanner struct {
	speakers []r3.Vector
	focus    float64
}

// dbapReferencePosition is the fixed probe position used by focus
// auto-compensation (§4.3): front of the layout, put through the same
// dbapCoordinateSwap every source position passed to Gains() goes through,
// so it lands in the same space as the speaker positions below.
func dbapReferencePosition(radius float64) r3.Vector {
	return dbapCoordinateSwap(Front, radius)
}

// newDBAPPanner converts each speaker's (azimuth, elevation, layout radius)
// into the same DBAP-space a source position occupies after
// dbapCoordinateSwap (§4.2 step 4) — Gains' distance computation requires
// both operands to live in the same coordinate frame.
func newDBAPPanner(speakers []Speaker, radius, focus float64) *dbapPanner {
	positions := make([]r3.Vector, len(speakers))
	for i, s := range speakers {
		dir := fromAzimuthElevation(s.Azimuth, s.Elevation)
		positions[i] = dbapCoordinateSwap(dir, radius)
	}
	return &dbapPanner{speakers: positions, focus: focus}
}

// SetFocus refreshes the panner's focus exponent. Per §4.3 step 1 this must
// be called every block — focus is never baked in at init.
func (d *dbapPanner) SetFocus(focus float64) { d.focus = focus }

// Gains writes one weight per speaker into out (which must be sized
// len(d.speakers)) for a source at the given DBAP-space position, and
// returns the sum of those weights (used by focus auto-compensation).
func (d *dbapPanner) Gains(position r3.Vector, out []float64) float64 {
	var sumSquares float64
	for i, speaker := range d.speakers {
		dist := position.Sub(speaker).Norm() + dbapBlur
		w := math.Pow(1/dist, d.focus)
		out[i] = w
		sumSquares += w * w
	}

	if sumSquares == 0 {
		return 0
	}

	norm := 1 / math.Sqrt(sumSquares)

	var sum float64
	for i := range out {
		out[i] *= norm
		sum += out[i]
	}
	return sum
}
