package spatialengine

import (
	"sort"
	"sync/atomic"

	"github.com/golang/geo/r3"
)

// ElevationMode selects how raw interpolated elevation is sanitized into the
// layout's elevation bounds (§4.2 step 3). It is a live, unsmoothed atomic
// control value — see Control.
type ElevationMode int32

const (
	ElevationModeClamp ElevationMode = iota
	ElevationModeRescaleAtmosUp
	ElevationModeRescaleFullSphere
)

// PoseOutput is the per-source, per-block interpolated pose, already
// transformed into DBAP space (§3). Spatializer reads this directly.
type PoseOutput struct {
	SourceKey string
	Position  r3.Vector
	IsLFE     bool
	IsValid   bool
}

// sourcePoseState is the per-source mutable state the audio thread owns
// exclusively while computing poses: the cached last-good direction, the
// cached keyframe-segment index (avoids a binary search when consecutive
// blocks query nearby times), the single-keyframe fast-path cache, and the
// one-shot fallback counters/flags consumed by the main thread (§7).
type sourcePoseState struct {
	scene *SourceScene

	lastGood    r3.Vector
	hasLastGood bool

	cachedSegment int

	fastPathValid    bool
	fastPathPosition r3.Vector

	fallbackCount  atomic.Int64
	fallbackLogged atomic.Bool

	// fallbackReported is touched only by the main thread's monitor loop
	// (single reader/writer), never the audio thread.
	fallbackReported bool
}

// Pose computes, once per block, the sanitized DBAP-space position of every
// source in the scene (§4.2).
type Pose struct {
	layout *Layout

	outputs []PoseOutput
	states  []*sourcePoseState
	index   map[string]int
}

// NewPose pre-allocates the pose output vector and per-source state sized
// to the scene, and hoists single-keyframe sources to the fast path (§4.2,
// "Single-keyframe sources").
func NewPose(scene *Scene, layout *Layout) *Pose {
	p := &Pose{
		layout:  layout,
		outputs: make([]PoseOutput, len(scene.Keys)),
		states:  make([]*sourcePoseState, len(scene.Keys)),
		index:   make(map[string]int, len(scene.Keys)),
	}

	for i, key := range scene.Keys {
		src := scene.Sources[key]
		p.index[key] = i
		p.outputs[i] = PoseOutput{SourceKey: key, IsLFE: src.IsLFE}

		state := &sourcePoseState{scene: src}
		if !src.IsLFE && len(src.Keyframes) == 1 {
			state.fastPathValid = true
			state.fastPathPosition = dbapCoordinateSwap(src.Keyframes[0].Direction, layout.Radius)
		}
		p.states[i] = state
	}

	return p
}

// Outputs returns the pose output slice, updated in place by every call to
// ComputePositions. Callers (Spatializer) must not retain pointers across
// blocks.
func (p *Pose) Outputs() []PoseOutput { return p.outputs }

// FallbackCount returns the degenerate-direction fallback counter for a
// source, for the main thread's statistics/monitor loop (§7).
func (p *Pose) FallbackCount(sourceKey string) int64 {
	if i, ok := p.index[sourceKey]; ok {
		return p.states[i].fallbackCount.Load()
	}
	return 0
}

// TotalFallbackCount sums the fallback counter across every source, for the
// engine's diagnostics snapshot.
func (p *Pose) TotalFallbackCount() int64 {
	var total int64
	for _, s := range p.states {
		total += s.fallbackCount.Load()
	}
	return total
}

// DrainFallbackLogs reports, and marks as reported, every source whose
// one-shot fallback flag was set by the audio thread since the last call.
// Only the main thread's monitor loop may call this — it is the one place
// actual logging happens, per §7's propagation policy.
func (p *Pose) DrainFallbackLogs() []string {
	var keys []string
	for i, s := range p.states {
		if s.fallbackLogged.Load() && !s.fallbackReported {
			s.fallbackReported = true
			keys = append(keys, p.outputs[i].SourceKey)
		}
	}
	return keys
}

// ComputePositions updates every pose output in place for the given block
// center time, per §4.2. elevationMode is the live (unsmoothed) control
// value snapshotted once at block start by the caller. Must only be called
// from the audio thread; it allocates nothing and never logs — the fallback
// one-shot flag is drained and logged by the main thread's monitor loop.
func (p *Pose) ComputePositions(blockCenterTimeSec float64, elevationMode ElevationMode) {
	for i, state := range p.states {
		out := &p.outputs[i]

		if out.IsLFE {
			out.Position = r3.Vector{}
			out.IsValid = true
			continue
		}

		if state.fastPathValid {
			out.Position = state.fastPathPosition
			out.IsValid = true
			continue
		}

		dir := interpolateDirection(state, blockCenterTimeSec)

		if isDegenerate(dir) {
			dir = degenerateFallback(state)
			state.fallbackCount.Add(1)
			state.fallbackLogged.CompareAndSwap(false, true)
		} else {
			state.lastGood = dir
			state.hasLastGood = true
		}

		dir = sanitizeElevation(dir, p.layout, elevationMode)

		out.Position = dbapCoordinateSwap(dir, p.layout.Radius)
		out.IsValid = true
	}
}

// interpolateDirection runs step 1 of §4.2: locate the enclosing keyframe
// segment (cached-index-assisted binary search) and SLERP within it, or
// hold at a boundary keyframe outside the trajectory's time range.
func interpolateDirection(state *sourcePoseState, t float64) r3.Vector {
	kfs := state.scene.Keyframes

	if t <= kfs[0].Time {
		return kfs[0].Direction
	}
	if t >= kfs[len(kfs)-1].Time {
		return kfs[len(kfs)-1].Direction
	}

	i := state.cachedSegment
	if i < 0 || i >= len(kfs)-1 || kfs[i].Time > t || kfs[i+1].Time < t {
		i = sort.Search(len(kfs), func(j int) bool { return kfs[j].Time > t }) - 1
		if i < 0 {
			i = 0
		}
		if i > len(kfs)-2 {
			i = len(kfs) - 2
		}
	}
	state.cachedSegment = i

	k1, k2 := kfs[i], kfs[i+1]
	span := k2.Time - k1.Time
	u := 0.0
	if span > 0 {
		u = (t - k1.Time) / span
	}
	u = clamp01(u)

	return Slerp(k1.Direction, k2.Direction, u)
}

// degenerateFallback runs step 2 of §4.2: last-good direction, else the
// direction of the keyframe that starts the most recently located segment,
// else Front. The query time is not consulted, so the keyframe used is not
// necessarily the one nearest in time.
func degenerateFallback(state *sourcePoseState) r3.Vector {
	if state.hasLastGood {
		return state.lastGood
	}

	kfs := state.scene.Keyframes
	if len(kfs) > 0 {
		i := state.cachedSegment
		if i < 0 || i >= len(kfs) {
			i = 0
		}
		return kfs[i].Direction
	}

	return Front
}

// sanitizeElevation runs step 3 of §4.2: force 2D layouts flat, otherwise
// apply the live elevation mode.
func sanitizeElevation(dir r3.Vector, layout *Layout, mode ElevationMode) r3.Vector {
	az, el := azimuthElevation(dir)

	if layout.Is2D {
		return fromAzimuthElevation(az, 0)
	}

	switch mode {
	case ElevationModeClamp:
		el = clamp(el, layout.ElMin, layout.ElMax)
	case ElevationModeRescaleFullSphere:
		el = rescale(el, -halfPi, halfPi, layout.ElMin, layout.ElMax)
	default: // ElevationModeRescaleAtmosUp
		el = rescale(el, 0, halfPi, layout.ElMin, layout.ElMax)
	}

	return fromAzimuthElevation(az, el)
}

const halfPi = 1.5707963267948966

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

// rescale linearly remaps v from [srcLo, srcHi] to [dstLo, dstHi], clamping
// the result to the destination range.
func rescale(v, srcLo, srcHi, dstLo, dstHi float64) float64 {
	t := (v - srcLo) / (srcHi - srcLo)
	return clamp(dstLo+t*(dstHi-dstLo), dstLo, dstHi)
}
