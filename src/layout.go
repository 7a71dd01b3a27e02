package spatialengine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// twoDElevationSpanThreshold is the elevation-span cutoff (3 degrees) below
// which a layout is treated as 2D (§4.2 step 3).
const twoDElevationSpanThreshold = 3.0 * math.Pi / 180.0

// Speaker is one physical loudspeaker position. Index in the Layout.Speakers
// slice is the speaker's consecutive 0-based DBAP panner index — the render
// buffer channel the DBAP library writes into — which is distinct from
// DeviceChannel, the physical output channel a remap table (§4.5) ultimately
// routes it to.
type Speaker struct {
	Azimuth       float64
	Elevation     float64
	Radius        float64
	DeviceChannel int
}

// Subwoofer is a device-channel index that receives direct LFE summation
// (§4.3 step 3), bypassing DBAP panning entirely. Because there is no
// panning step, its render-buffer channel IS its device channel.
type Subwoofer struct {
	DeviceChannel int
}

// Layout is the speaker layout plus every value derived from it at init
// time (§3): layout radius, elevation bounds/span, the 2D flag, and the
// render buffer's channel count.
type Layout struct {
	Speakers   []Speaker
	Subwoofers []Subwoofer

	Radius         float64 // median speaker distance
	ElMin, ElMax   float64
	ElevationSpan  float64
	Is2D           bool
	OutputChannels int // max(maxSpeakerIndex, maxSubwooferDeviceChannel) + 1
}

type speakerJSON struct {
	Azimuth       float64 `json:"azimuth"`
	Elevation     float64 `json:"elevation"`
	Radius        float64 `json:"radius"`
	DeviceChannel int     `json:"deviceChannel"`
}

type subwooferJSON struct {
	DeviceChannel int `json:"deviceChannel"`
}

type layoutJSON struct {
	Speakers   []speakerJSON   `json:"speakers"`
	Subwoofers []subwooferJSON `json:"subwoofers"`
}

// LoadLayout parses a Speaker Layout JSON document (§6) and computes every
// derived quantity the rest of the engine depends on.
func LoadLayout(data []byte) (*Layout, error) {
	var raw layoutJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing layout json: %v", ErrConfig, err)
	}

	if len(raw.Speakers) == 0 {
		return nil, fmt.Errorf("%w: layout has no speakers", ErrConfig)
	}

	layout := &Layout{}

	maxIndex := len(raw.Speakers) - 1
	radii := make([]float64, len(raw.Speakers))
	elMin := math.Inf(1)
	elMax := math.Inf(-1)

	for i, s := range raw.Speakers {
		layout.Speakers = append(layout.Speakers, Speaker{
			Azimuth:       s.Azimuth,
			Elevation:     s.Elevation,
			Radius:        s.Radius,
			DeviceChannel: s.DeviceChannel,
		})
		radii[i] = s.Radius
		elMin = math.Min(elMin, s.Elevation)
		elMax = math.Max(elMax, s.Elevation)
	}

	for _, sw := range raw.Subwoofers {
		layout.Subwoofers = append(layout.Subwoofers, Subwoofer{DeviceChannel: sw.DeviceChannel})
		if sw.DeviceChannel > maxIndex {
			maxIndex = sw.DeviceChannel
		}
	}

	layout.Radius = median(radii)
	layout.ElMin = elMin
	layout.ElMax = elMax
	layout.ElevationSpan = elMax - elMin
	layout.Is2D = layout.ElevationSpan < twoDElevationSpanThreshold
	layout.OutputChannels = maxIndex + 1

	return layout, nil
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
