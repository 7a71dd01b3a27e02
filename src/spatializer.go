package spatialengine

import "math"

// RenderBuffer is the audio-thread-owned outputChannels x bufferSize scratch
// matrix (§3, Glossary) where DBAP mix, LFE routing, and mix trims are
// assembled before Output Remap copies it to the device buffer.
type RenderBuffer [][]float32

func newRenderBuffer(channels, bufferSize int) RenderBuffer {
	rb := make(RenderBuffer, channels)
	for i := range rb {
		rb[i] = make([]float32, bufferSize)
	}
	return rb
}

func (rb RenderBuffer) zero(numFrames int) {
	for _, ch := range rb {
		clear(ch[:numFrames])
	}
}

// lfeSubwooferGain is the fixed per-subwoofer LFE summation weight from
// §4.3 step 3: 0.95 split evenly across however many subwoofers exist.
const lfeSubwooferGain = 0.95

// Spatializer renders each block's poses into the internal render buffer
// (§4.3, component C3): DBAP panning for non-LFE sources, direct summation
// for LFE sources, then the post-mix trim pass.
type Spatializer struct {
	layout *Layout
	panner *dbapPanner

	renderBuffer RenderBuffer
	bufferSize   int

	numSpeakers       int
	subwooferChannels []int
	isSubwoofer       []bool

	scratch    []float32
	gains      []float64
}

// NewSpatializer builds the internal speaker set, computes outputChannels,
// records subwoofer device channels, and allocates the render buffer
// (§4.3 init).
func NewSpatializer(layout *Layout, bufferSize int, initialFocus float64) *Spatializer {
	sp := &Spatializer{
		layout:       layout,
		panner:       newDBAPPanner(layout.Speakers, layout.Radius, initialFocus),
		renderBuffer: newRenderBuffer(layout.OutputChannels, bufferSize),
		bufferSize:   bufferSize,
		numSpeakers:  len(layout.Speakers),
		scratch:      make([]float32, bufferSize),
		gains:        make([]float64, len(layout.Speakers)),
		isSubwoofer:  make([]bool, layout.OutputChannels),
	}

	for _, sw := range layout.Subwoofers {
		sp.subwooferChannels = append(sp.subwooferChannels, sw.DeviceChannel)
		if sw.DeviceChannel < len(sp.isSubwoofer) {
			sp.isSubwoofer[sw.DeviceChannel] = true
		}
	}

	return sp
}

// RenderBuffer exposes the internal render buffer for Output Remap.
func (sp *Spatializer) RenderBuffer() RenderBuffer { return sp.renderBuffer }

// RenderBlock runs the full per-block algorithm (§4.3 steps 1-4): focus
// refresh, zero, per-source DBAP/LFE accumulation, and mix-trim. Must be
// called only from the audio thread.
func (sp *Spatializer) RenderBlock(streaming *Streaming, poses []PoseOutput, frame int64, numFrames int, ctrl ControlSnapshot) {
	sp.panner.SetFocus(ctrl.Focus)

	sp.renderBuffer.zero(numFrames)

	numSubs := len(sp.subwooferChannels)

	for _, pose := range poses {
		if !pose.IsValid {
			continue
		}

		streaming.GetBlock(pose.SourceKey, frame, numFrames, sp.scratch[:numFrames])
		for i := 0; i < numFrames; i++ {
			sp.scratch[i] *= float32(ctrl.MasterGain)
		}

		if pose.IsLFE {
			if numSubs == 0 {
				continue
			}
			gain := float32(lfeSubwooferGain / float64(numSubs))
			for _, ch := range sp.subwooferChannels {
				row := sp.renderBuffer[ch]
				for i := 0; i < numFrames; i++ {
					row[i] += sp.scratch[i] * gain
				}
			}
			continue
		}

		sp.panner.Gains(pose.Position, sp.gains)
		for spk, g := range sp.gains {
			if g == 0 {
				continue
			}
			row := sp.renderBuffer[spk]
			gf := float32(g)
			for i := 0; i < numFrames; i++ {
				row[i] += sp.scratch[i] * gf
			}
		}
	}

	sp.applyMixTrim(numFrames, ctrl)
}

// applyMixTrim runs §4.3 step 4: independent post-DBAP trims for
// loudspeaker and subwoofer render channels, each skipped entirely at its
// unity setting.
func (sp *Spatializer) applyMixTrim(numFrames int, ctrl ControlSnapshot) {
	applyLoudspeaker := ctrl.LoudspeakerMix != 1.0
	applySub := ctrl.SubMix != 1.0
	if !applyLoudspeaker && !applySub {
		return
	}

	lsGain := float32(ctrl.LoudspeakerMix)
	subGain := float32(ctrl.SubMix)

	for ch, row := range sp.renderBuffer {
		if sp.isSubwoofer[ch] {
			if !applySub {
				continue
			}
			for i := 0; i < numFrames; i++ {
				row[i] *= subGain
			}
		} else {
			if !applyLoudspeaker {
				continue
			}
			for i := 0; i < numFrames; i++ {
				row[i] *= lsGain
			}
		}
	}
}

// autoCompMinGain and autoCompMaxGain are the ±10 dB auto-compensation
// clamp from §4.3.
var (
	autoCompMinGain = math.Pow(10, -10.0/20.0)
	autoCompMaxGain = math.Pow(10, 10.0/20.0)
)

// ComputeFocusAutoCompensation runs the main-thread-only auto-compensation
// procedure (§4.3 "Focus auto-compensation"): it compares the sum of DBAP
// gain coefficients at the given focus against focus=0, and returns the
// loudspeakerMix value that equalizes overall level between them. Must
// never be called from the audio thread — it allocates.
func (sp *Spatializer) ComputeFocusAutoCompensation(currentFocus float64) float64 {
	reference := dbapReferencePosition(sp.layout.Radius)
	gains := make([]float64, sp.numSpeakers)

	// A private panner over the same (immutable) speaker positions, so the
	// audio thread's panner focus is never written from this thread.
	panner := &dbapPanner{speakers: sp.panner.speakers, focus: currentFocus}
	g := panner.Gains(reference, gains)

	panner.SetFocus(0)
	g0 := panner.Gains(reference, gains)

	if g == 0 {
		return 1.0
	}

	ratio := g0 / g
	if ratio < autoCompMinGain {
		return autoCompMinGain
	}
	if ratio > autoCompMaxGain {
		return autoCompMaxGain
	}
	return ratio
}
