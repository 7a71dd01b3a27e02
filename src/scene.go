package spatialengine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/golang/geo/r3"
)

// Front is the direction substituted for any zero-magnitude keyframe vector,
// and the final fallback in the pose-interpolation degenerate-direction chain.
var Front = r3.Vector{X: 0, Y: 1, Z: 0}

const keyframeEpsilon = 1e-6

// Keyframe is one {time, direction} sample of an object source's trajectory.
type Keyframe struct {
	Time      float64
	Direction r3.Vector
}

// SourceScene is one entry of the scene: either an object source with an
// ordered, deduplicated keyframe trajectory, or an LFE source with none.
type SourceScene struct {
	Key       string
	IsLFE     bool
	Keyframes []Keyframe
}

// Scene is the full ingested scene: sample rate plus every source, keyed by
// source key. Keys is the stable, sorted iteration order used everywhere the
// engine needs to walk all sources deterministically (pose output vector,
// render-buffer accumulation order for tests, stats).
type Scene struct {
	SampleRate int
	Sources    map[string]*SourceScene
	Keys       []string
}

type sceneJSON struct {
	SampleRate int                        `json:"sampleRate"`
	Sources    map[string]json.RawMessage `json:"sources"`
}

type keyframeJSON struct {
	Time float64    `json:"time"`
	Cart [3]float64 `json:"cart"`
}

type lfeJSON struct {
	Type string `json:"type"`
}

// LoadScene parses scene JSON per §6: a mapping of source key to either a
// keyframe array or {"type":"lfe"}. Keyframes are sorted by time with
// duplicate timestamps (within keyframeEpsilon) collapsed, last write wins.
// Zero-magnitude directions are replaced with Front at load time so no
// downstream component ever normalizes a zero vector.
func LoadScene(data []byte) (*Scene, error) {
	var raw sceneJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing scene json: %v", ErrConfig, err)
	}

	if raw.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: scene sampleRate must be positive, got %d", ErrConfig, raw.SampleRate)
	}

	scene := &Scene{
		SampleRate: raw.SampleRate,
		Sources:    make(map[string]*SourceScene, len(raw.Sources)),
	}

	for key, body := range raw.Sources {
		source, err := parseSource(key, body)
		if err != nil {
			return nil, err
		}
		scene.Sources[key] = source
		scene.Keys = append(scene.Keys, key)
	}

	sort.Strings(scene.Keys)

	return scene, nil
}

func parseSource(key string, body json.RawMessage) (*SourceScene, error) {
	var maybeLFE lfeJSON
	if err := json.Unmarshal(body, &maybeLFE); err == nil && maybeLFE.Type == "lfe" {
		return &SourceScene{Key: key, IsLFE: true}, nil
	}

	var frames []keyframeJSON
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, fmt.Errorf("%w: source %q: neither a keyframe array nor an lfe object: %v", ErrConfig, key, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: source %q: keyframe array is empty", ErrConfig, key)
	}

	kfs := make([]Keyframe, len(frames))
	for i, f := range frames {
		dir := r3.Vector{X: f.Cart[0], Y: f.Cart[1], Z: f.Cart[2]}
		if dir.Norm2() < 1e-18 {
			dir = Front
		} else {
			dir = dir.Normalize()
		}
		kfs[i] = Keyframe{Time: f.Time, Direction: dir}
	}

	sort.SliceStable(kfs, func(i, j int) bool { return kfs[i].Time < kfs[j].Time })

	collapsed := kfs[:1]
	for _, kf := range kfs[1:] {
		last := &collapsed[len(collapsed)-1]
		if kf.Time-last.Time <= keyframeEpsilon {
			*last = kf // duplicate timestamp: last one wins
			continue
		}
		collapsed = append(collapsed, kf)
	}

	return &SourceScene{Key: key, Keyframes: collapsed}, nil
}
